package audio

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeTestWAV(t *testing.T, samples []float32, rate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	if err := EncodeWAV(f, samples, rate, 1); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestWAVDeviceReadsSamples(t *testing.T) {
	samples := sine(440, 0.5, 1000, 16000)
	dev := NewWAVDevice(writeTestWAV(t, samples, 16000), false)

	rate, chans, err := dev.Probe()
	if err != nil || rate != 16000 || chans != 1 {
		t.Fatalf("probe: rate=%d chans=%d err=%v", rate, chans, err)
	}

	stream, err := dev.Open(Constraints{SampleRate: 16000, Channels: 1, FrameSize: 256})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	var got []float32
	buf := make([]float32, 256)
	for {
		n, err := stream.Read(buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if len(got) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if math.Abs(float64(got[i]-samples[i])) > 1e-3 {
			t.Fatalf("sample %d: %f vs %f", i, got[i], samples[i])
		}
	}
}

func TestWAVDeviceRejectsConstraints(t *testing.T) {
	dev := NewWAVDevice(writeTestWAV(t, make([]float32, 100), 8000), false)
	if _, err := dev.Open(Constraints{SampleRate: 16000, Channels: 1}); !errors.Is(err, ErrDeviceConstraint) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	missing := NewWAVDevice(filepath.Join(t.TempDir(), "missing.wav"), false)
	if _, err := missing.Open(Constraints{}); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected no device error, got %v", err)
	}
}

func TestPCMRoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1}
	out, err := PCM16ToFloat32(Float32ToPCM16(in))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-4 {
			t.Fatalf("sample %d: %f vs %f", i, out[i], in[i])
		}
	}
	if _, err := PCM16ToFloat32([]byte{1}); err == nil {
		t.Fatal("expected alignment error")
	}
}
