package audio

import "time"

// VADOptions controls energy-based voice activity detection.
type VADOptions struct {
	FrameDuration time.Duration
	// Threshold is the RMS energy a frame must exceed to count as voiced.
	Threshold   float64
	MinDuration time.Duration
}

func DefaultVADOptions() VADOptions {
	return VADOptions{
		FrameDuration: 30 * time.Millisecond,
		Threshold:     0.02,
		MinDuration:   200 * time.Millisecond,
	}
}

// Segment is a voiced region of a buffer.
type Segment struct {
	StartSample int
	EndSample   int
	Start       time.Duration
	End         time.Duration
	PeakEnergy  float64
}

func (s Segment) Duration() time.Duration { return s.End - s.Start }

func samplesToDuration(n, sampleRate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// DetectVoiceActivity splits buffer into fixed frames and returns contiguous
// runs of frames whose energy exceeds the threshold for at least MinDuration.
// A segment still open at the end of the buffer is closed at its boundary.
func DetectVoiceActivity(buffer []float32, sampleRate int, opts VADOptions) []Segment {
	if len(buffer) == 0 || sampleRate <= 0 {
		return nil
	}
	def := DefaultVADOptions()
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = def.FrameDuration
	}
	frameLen := int(opts.FrameDuration.Seconds() * float64(sampleRate))
	if frameLen <= 0 {
		frameLen = 1
	}

	var (
		segments []Segment
		open     bool
		start    int
		peak     float64
	)
	closeAt := func(end int) {
		if samplesToDuration(end-start, sampleRate) >= opts.MinDuration {
			segments = append(segments, Segment{
				StartSample: start,
				EndSample:   end,
				Start:       samplesToDuration(start, sampleRate),
				End:         samplesToDuration(end, sampleRate),
				PeakEnergy:  peak,
			})
		}
		open = false
		peak = 0
	}

	for offset := 0; offset < len(buffer); offset += frameLen {
		end := offset + frameLen
		if end > len(buffer) {
			end = len(buffer)
		}
		energy := rms(buffer[offset:end])
		if energy > opts.Threshold {
			if !open {
				open = true
				start = offset
			}
			if energy > peak {
				peak = energy
			}
			continue
		}
		if open {
			closeAt(offset)
		}
	}
	if open {
		closeAt(len(buffer))
	}
	return segments
}
