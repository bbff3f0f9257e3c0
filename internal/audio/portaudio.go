//go:build portaudio

package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice captures from the default system input.
type PortAudioDevice struct{}

func NewPortAudioDevice() *PortAudioDevice { return &PortAudioDevice{} }

func (d *PortAudioDevice) Open(c Constraints) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &DeviceError{Device: "portaudio", Reason: ErrNoDevice, Err: err}
	}
	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, &DeviceError{Device: "portaudio", Reason: ErrNoDevice, Err: err}
	}
	if c.Channels > in.MaxInputChannels {
		portaudio.Terminate()
		return nil, &DeviceError{
			Device: in.Name,
			Reason: ErrDeviceConstraint,
			Err:    fmt.Errorf("%d channels requested, device supports %d", c.Channels, in.MaxInputChannels),
		}
	}
	buf := make([]float32, c.FrameSize*c.Channels)
	stream, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), c.FrameSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, &DeviceError{Device: in.Name, Reason: classifyPortAudio(err), Err: err}
	}
	return &portAudioStream{stream: stream, buf: buf}, nil
}

func classifyPortAudio(err error) error {
	switch {
	case errors.Is(err, portaudio.InvalidSampleRate), errors.Is(err, portaudio.InvalidChannelCount):
		return ErrDeviceConstraint
	case errors.Is(err, portaudio.DeviceUnavailable):
		return ErrPermissionDenied
	default:
		return ErrNoDevice
	}
}

type portAudioStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	closed bool
}

func (s *portAudioStream) Start() error { return s.stream.Start() }
func (s *portAudioStream) Stop() error  { return s.stream.Stop() }

func (s *portAudioStream) Read(dst []float32) (int, error) {
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return 0, err
	}
	return copy(dst, s.buf), nil
}

func (s *portAudioStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stream.Close()
	if termErr := portaudio.Terminate(); err == nil {
		err = termErr
	}
	return err
}
