package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrNoDevice         = errors.New("no audio input device")
	ErrPermissionDenied = errors.New("audio input permission denied")
	ErrDeviceConstraint = errors.New("unsupported audio constraints")
)

// DeviceError reports a failure to acquire an input device. Reason is one of
// ErrNoDevice, ErrPermissionDenied or ErrDeviceConstraint.
type DeviceError struct {
	Device string
	Reason error
	Err    error
}

func (e *DeviceError) Error() string {
	msg := e.Reason.Error()
	if e.Device != "" {
		msg = e.Device + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// Constraints requested from an input device. Zero values are replaced with
// processor defaults.
type Constraints struct {
	SampleRate int
	Channels   int
	FrameSize  int
}

func (c Constraints) withDefaults(cfg Config) Constraints {
	if c.SampleRate <= 0 {
		c.SampleRate = cfg.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = cfg.Channels
	}
	if c.FrameSize <= 0 {
		c.FrameSize = cfg.FrameSize
	}
	return c
}

// FrameDuration is the wall-clock length of one capture frame.
func (c Constraints) FrameDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FrameSize) * time.Second / time.Duration(c.SampleRate)
}

// Device opens input streams.
type Device interface {
	Open(c Constraints) (Stream, error)
}

// Stream delivers interleaved float32 samples in [-1, 1]. Read blocks until
// samples are available and returns io.EOF once the source is exhausted.
type Stream interface {
	Start() error
	Read(dst []float32) (int, error)
	Stop() error
	Close() error
}

// MemoryDevice replays a fixed sample buffer. Useful for tooling and tests.
type MemoryDevice struct {
	Samples    []float32
	SampleRate int
	Channels   int
	// OpenErr, when set, is returned from Open.
	OpenErr error
	// Pace sleeps one frame duration per read to mimic a live source.
	Pace bool
}

func NewMemoryDevice(samples []float32, sampleRate, channels int) *MemoryDevice {
	return &MemoryDevice{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

func (d *MemoryDevice) Open(c Constraints) (Stream, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.SampleRate > 0 && c.SampleRate != d.SampleRate {
		return nil, &DeviceError{
			Device: "memory",
			Reason: ErrDeviceConstraint,
			Err:    fmt.Errorf("sample rate %d, source has %d", c.SampleRate, d.SampleRate),
		}
	}
	if d.Channels > 0 && c.Channels != d.Channels {
		return nil, &DeviceError{
			Device: "memory",
			Reason: ErrDeviceConstraint,
			Err:    fmt.Errorf("channels %d, source has %d", c.Channels, d.Channels),
		}
	}
	return &memoryStream{samples: d.Samples, pace: d.Pace, frame: c.FrameDuration()}, nil
}

type memoryStream struct {
	mu      sync.Mutex
	samples []float32
	pos     int
	pace    bool
	frame   time.Duration
	closed  bool
}

func (s *memoryStream) Start() error { return nil }
func (s *memoryStream) Stop() error  { return nil }

func (s *memoryStream) Read(dst []float32) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if s.pos >= len(s.samples) {
		s.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(dst, s.samples[s.pos:])
	s.pos += n
	s.mu.Unlock()
	if s.pace && s.frame > 0 {
		time.Sleep(s.frame)
	}
	return n, nil
}

func (s *memoryStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
