package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func whiteNoise(seed uint64, n int, amplitude float64) []float32 {
	r := rand.New(rand.NewPCG(seed, seed+1))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((r.Float64()*2 - 1) * amplitude)
	}
	return out
}

func sine(freq float64, amplitude float64, n, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func energy(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum
}

func calibratedProcessor(t *testing.T, cfg Config, ambient []float32) *Processor {
	t.Helper()
	dev := NewMemoryDevice(ambient, cfg.SampleRate, 1)
	p := NewProcessor(cfg, dev, newLogger())
	if err := p.Initialize(context.Background(), Constraints{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestInitializeBuildsNoiseProfile(t *testing.T) {
	cfg := DefaultConfig()
	p := calibratedProcessor(t, cfg, whiteNoise(1, 2*cfg.SampleRate, 0.05))

	if !p.Calibrated() {
		t.Fatal("expected processor to be calibrated")
	}
	profile := p.NoiseProfile()
	if len(profile) != cfg.FFTSize/2+1 {
		t.Fatalf("expected %d bins, got %d", cfg.FFTSize/2+1, len(profile))
	}
	var total float64
	for _, v := range profile {
		total += v
	}
	if total <= 0 {
		t.Fatal("expected non-zero noise profile for noisy ambient audio")
	}
}

func TestInitializeDeviceErrors(t *testing.T) {
	cfg := DefaultConfig()

	denied := &MemoryDevice{OpenErr: &DeviceError{Device: "mic", Reason: ErrPermissionDenied}}
	err := NewProcessor(cfg, denied, newLogger()).Initialize(context.Background(), Constraints{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	mismatch := NewMemoryDevice(nil, 44100, 1)
	err = NewProcessor(cfg, mismatch, newLogger()).Initialize(context.Background(), Constraints{})
	if !errors.Is(err, ErrDeviceConstraint) {
		t.Fatalf("expected constraint error, got %v", err)
	}

	broken := &MemoryDevice{OpenErr: errors.New("driver crashed")}
	err = NewProcessor(cfg, broken, newLogger()).Initialize(context.Background(), Constraints{})
	var de *DeviceError
	if !errors.As(err, &de) || !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected wrapped device error, got %v", err)
	}

	if err := NewProcessor(cfg, nil, newLogger()).Close(); err != nil {
		t.Fatalf("close after failed init: %v", err)
	}
}

func TestNoiseReductionIdentityWithoutSubtraction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReductionLevel = 0
	cfg.WetMix = 1
	p := calibratedProcessor(t, cfg, whiteNoise(2, cfg.SampleRate, 0.05))

	frame := sine(440, 0.4, 4096, cfg.SampleRate)
	out := p.ApplyNoiseReduction(frame)
	if len(out) != len(frame) {
		t.Fatalf("length changed: %d -> %d", len(frame), len(out))
	}
	for i := range frame {
		if math.Abs(float64(out[i]-frame[i])) > 1e-4 {
			t.Fatalf("sample %d differs: %f vs %f", i, out[i], frame[i])
		}
	}
}

func TestNoiseReductionAttenuatesNoise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WetMix = 1
	p := calibratedProcessor(t, cfg, whiteNoise(3, 2*cfg.SampleRate, 0.1))

	frame := whiteNoise(4, 4096, 0.1)
	out := p.ApplyNoiseReduction(frame)
	if ratio := energy(out) / energy(frame); ratio > 0.5 {
		t.Fatalf("expected noise energy reduced below half, ratio %.3f", ratio)
	}
}

func TestNoiseReductionIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	p := calibratedProcessor(t, cfg, whiteNoise(5, cfg.SampleRate, 0.05))

	frame := whiteNoise(6, 3000, 0.2)
	a := p.ApplyNoiseReduction(frame)
	b := p.ApplyNoiseReduction(frame)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs between runs", i)
		}
	}
}

func TestNoiseReductionReturnsFrameOnError(t *testing.T) {
	cfg := DefaultConfig()
	p := calibratedProcessor(t, cfg, whiteNoise(7, cfg.SampleRate, 0.05))

	frame := []float32{0.1, float32(math.NaN()), 0.2}
	out := p.ApplyNoiseReduction(frame)
	if &out[0] != &frame[0] {
		t.Fatal("expected the unmodified frame to be returned")
	}

	uncalibrated := NewProcessor(cfg, nil, newLogger())
	clean := []float32{0.1, 0.2, 0.3}
	if got := uncalibrated.ApplyNoiseReduction(clean); &got[0] != &clean[0] {
		t.Fatal("expected frame passthrough without a noise profile")
	}
}

func TestRecordingLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CalibrationDuration = 0
	samples := sine(300, 0.3, 3*cfg.FrameSize+100, cfg.SampleRate)
	p := NewProcessor(cfg, NewMemoryDevice(samples, cfg.SampleRate, 1), newLogger())

	if err := p.StopRecording(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if err := p.StartRecording(context.Background(), nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := p.Initialize(context.Background(), Constraints{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	frames := make(chan Frame, 16)
	if err := p.StartRecording(context.Background(), func(f Frame) { frames <- f }); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if err := p.StartRecording(context.Background(), nil); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	var got []Frame
	timeout := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-timeout:
			t.Fatalf("timed out after %d frames", len(got))
		}
	}
	if got[3].Sequence != 4 || len(got[3].Samples) != 100 {
		t.Fatalf("unexpected tail frame: seq=%d len=%d", got[3].Sequence, len(got[3].Samples))
	}
	if err := p.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	if err := p.StopRecording(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if p.Recording() {
		t.Fatal("expected recording to be stopped")
	}
	if _, ok := p.LatestMetrics(); !ok {
		t.Fatal("expected metrics history")
	}
	if n := len(p.RecentMetrics()); n != 4 {
		t.Fatalf("expected 4 metrics entries, got %d", n)
	}
}
