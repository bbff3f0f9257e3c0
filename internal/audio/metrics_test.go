package audio

import (
	"math"
	"testing"
)

func TestAudioMetricsVolumeAndClipping(t *testing.T) {
	cfg := DefaultConfig()
	p := NewProcessor(cfg, nil, newLogger())

	quiet := p.AudioMetrics(sine(440, 0.5, 4096, cfg.SampleRate))
	if math.Abs(quiet.Volume-0.5/math.Sqrt2) > 0.01 {
		t.Fatalf("unexpected rms volume %f", quiet.Volume)
	}
	if quiet.Clipping || quiet.BufferUnderrun {
		t.Fatalf("clean sine flagged: %+v", quiet)
	}

	square := make([]float32, 4096)
	for i := range square {
		if (i/2)%2 == 0 {
			square[i] = 1
		} else {
			square[i] = -1
		}
	}
	loud := p.AudioMetrics(square)
	if !loud.Clipping {
		t.Fatal("expected clipping for full-scale square wave")
	}
	if loud.Volume != 1 {
		t.Fatalf("expected volume clamped to 1, got %f", loud.Volume)
	}
	if !loud.BufferUnderrun {
		t.Fatal("expected rapid transitions to flag an underrun")
	}
}

func TestAudioMetricsLatencyFollowsHighFrequencyEnergy(t *testing.T) {
	cfg := DefaultConfig()
	p := NewProcessor(cfg, nil, newLogger())

	low := p.AudioMetrics(sine(200, 0.3, 2048, cfg.SampleRate))
	high := p.AudioMetrics(sine(6000, 0.3, 2048, cfg.SampleRate))
	if high.LatencyMS <= low.LatencyMS {
		t.Fatalf("expected higher latency estimate for high-frequency content: low=%f high=%f", low.LatencyMS, high.LatencyMS)
	}
	window := float64(cfg.FFTSize) / float64(cfg.SampleRate) * 1000
	if low.LatencyMS < window*0.5 || high.LatencyMS > window*1.5 {
		t.Fatalf("latency outside heuristic bounds: low=%f high=%f", low.LatencyMS, high.LatencyMS)
	}
}

func TestAudioMetricsSignalToNoise(t *testing.T) {
	cfg := DefaultConfig()
	p := calibratedProcessor(t, cfg, whiteNoise(9, cfg.SampleRate, 0.01))

	loud := p.AudioMetrics(sine(500, 0.5, 2048, cfg.SampleRate))
	soft := p.AudioMetrics(sine(500, 0.02, 2048, cfg.SampleRate))
	if loud.SignalToNoiseRatio <= soft.SignalToNoiseRatio {
		t.Fatalf("expected louder frame to have higher SNR: %f <= %f", loud.SignalToNoiseRatio, soft.SignalToNoiseRatio)
	}
	if loud.SignalToNoiseRatio <= 0 {
		t.Fatalf("expected positive SNR, got %f", loud.SignalToNoiseRatio)
	}
}

func TestAudioMetricsCoverWholeFrame(t *testing.T) {
	cfg := DefaultConfig()
	p := calibratedProcessor(t, cfg, whiteNoise(9, cfg.SampleRate, 0.01))

	// Content only after the first transform window.
	tail := func(freq float64) []float32 {
		frame := make([]float32, cfg.FFTSize, cfg.FrameSize)
		return append(frame, sine(freq, 0.5, cfg.FrameSize-cfg.FFTSize, cfg.SampleRate)...)
	}
	low := p.AudioMetrics(tail(200))
	high := p.AudioMetrics(tail(6000))
	if low.SignalToNoiseRatio <= 0 {
		t.Fatalf("expected positive SNR for a tone in the second window, got %f", low.SignalToNoiseRatio)
	}
	if high.LatencyMS <= low.LatencyMS {
		t.Fatalf("expected high-frequency tail to raise latency: low=%f high=%f", low.LatencyMS, high.LatencyMS)
	}
}

func TestMetricsRingIsBounded(t *testing.T) {
	r := newMetricsRing(3)
	if _, ok := r.latest(); ok {
		t.Fatal("empty ring reported a latest entry")
	}
	for i := 1; i <= 5; i++ {
		r.push(Metrics{LatencyMS: float64(i)})
	}
	snap := r.snapshot()
	if len(snap) != 3 || snap[0].LatencyMS != 3 || snap[2].LatencyMS != 5 {
		t.Fatalf("unexpected ring contents: %+v", snap)
	}
	if m, _ := r.latest(); m.LatencyMS != 5 {
		t.Fatalf("unexpected latest: %+v", m)
	}
}
