package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVDevice reads a WAV file as if it were a capture device.
type WAVDevice struct {
	Path string
	// Realtime paces reads at the file's sample rate.
	Realtime bool
}

func NewWAVDevice(path string, realtime bool) *WAVDevice {
	return &WAVDevice{Path: path, Realtime: realtime}
}

// Probe reports the sample rate and channel count of the file.
func (d *WAVDevice) Probe() (sampleRate, channels int, err error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return 0, 0, &DeviceError{Device: d.Path, Reason: ErrNoDevice, Err: err}
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, 0, &DeviceError{Device: d.Path, Reason: ErrDeviceConstraint, Err: errors.New("not a valid wav file")}
	}
	return int(dec.SampleRate), int(dec.NumChans), nil
}

func (d *WAVDevice) Open(c Constraints) (Stream, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		reason := ErrNoDevice
		if errors.Is(err, os.ErrPermission) {
			reason = ErrPermissionDenied
		}
		return nil, &DeviceError{Device: d.Path, Reason: reason, Err: err}
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, &DeviceError{Device: d.Path, Reason: ErrDeviceConstraint, Err: errors.New("not a valid wav file")}
	}
	dec.ReadInfo()
	rate, chans, depth := int(dec.SampleRate), int(dec.NumChans), int(dec.BitDepth)
	if c.SampleRate > 0 && c.SampleRate != rate {
		f.Close()
		return nil, &DeviceError{Device: d.Path, Reason: ErrDeviceConstraint, Err: fmt.Errorf("file sample rate %d, requested %d", rate, c.SampleRate)}
	}
	if c.Channels > 0 && c.Channels != chans {
		f.Close()
		return nil, &DeviceError{Device: d.Path, Reason: ErrDeviceConstraint, Err: fmt.Errorf("file has %d channels, requested %d", chans, c.Channels)}
	}
	if depth <= 0 || depth > 32 {
		f.Close()
		return nil, &DeviceError{Device: d.Path, Reason: ErrDeviceConstraint, Err: fmt.Errorf("unsupported bit depth %d", depth)}
	}
	var frame time.Duration
	if d.Realtime {
		frame = c.FrameDuration()
	}
	return &wavStream{
		file:  f,
		dec:   dec,
		scale: float32(int64(1) << (depth - 1)),
		buf:   &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: chans, SampleRate: rate}},
		frame: frame,
	}, nil
}

type wavStream struct {
	file  *os.File
	dec   *wav.Decoder
	scale float32
	buf   *goaudio.IntBuffer
	frame time.Duration
	last  time.Time
}

func (s *wavStream) Start() error { return nil }
func (s *wavStream) Stop() error  { return nil }

func (s *wavStream) Read(dst []float32) (int, error) {
	if cap(s.buf.Data) < len(dst) {
		s.buf.Data = make([]int, len(dst))
	}
	s.buf.Data = s.buf.Data[:len(dst)]
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("decode wav: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(s.buf.Data[i]) / s.scale
	}
	if s.frame > 0 {
		if !s.last.IsZero() {
			if wait := s.frame - time.Since(s.last); wait > 0 {
				time.Sleep(wait)
			}
		}
		s.last = time.Now()
	}
	return n, nil
}

func (s *wavStream) Close() error {
	return s.file.Close()
}

// EncodeWAV writes samples as a 16-bit PCM WAV stream.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate, channels int) error {
	if channels <= 0 {
		channels = 1
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(toInt16(s))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
