//go:build !portaudio

package audio

import "errors"

// PortAudioDevice is unavailable without the portaudio build tag.
type PortAudioDevice struct{}

func NewPortAudioDevice() *PortAudioDevice { return &PortAudioDevice{} }

func (d *PortAudioDevice) Open(Constraints) (Stream, error) {
	return nil, &DeviceError{
		Device: "portaudio",
		Reason: ErrNoDevice,
		Err:    errors.New("built without portaudio support (rebuild with -tags portaudio)"),
	}
}
