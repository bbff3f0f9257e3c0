package audio

import (
	"testing"
	"time"
)

func TestDetectVoiceActivityFullBuffer(t *testing.T) {
	buf := sine(300, 0.5, 16000, 16000)
	segs := DetectVoiceActivity(buf, 16000, VADOptions{FrameDuration: 30 * time.Millisecond, Threshold: 0.05, MinDuration: 100 * time.Millisecond})
	if len(segs) != 1 {
		t.Fatalf("expected one segment, got %d", len(segs))
	}
	if segs[0].StartSample != 0 || segs[0].EndSample != len(buf) {
		t.Fatalf("segment does not span buffer: %+v", segs[0])
	}
	if segs[0].Duration() != time.Second {
		t.Fatalf("expected 1s segment, got %s", segs[0].Duration())
	}
}

func TestDetectVoiceActivitySilence(t *testing.T) {
	buf := make([]float32, 8000)
	if segs := DetectVoiceActivity(buf, 16000, DefaultVADOptions()); len(segs) != 0 {
		t.Fatalf("expected no segments, got %+v", segs)
	}
}

func TestDetectVoiceActivityMinDuration(t *testing.T) {
	rate := 16000
	opts := VADOptions{FrameDuration: 10 * time.Millisecond, Threshold: 0.05, MinDuration: 200 * time.Millisecond}

	buf := make([]float32, rate)
	copy(buf[1600:], sine(300, 0.5, 800, rate))    // 50ms burst, dropped
	copy(buf[8000:], sine(300, 0.5, 4800, rate))   // 300ms speech
	segs := DetectVoiceActivity(buf, rate, opts)
	if len(segs) != 1 {
		t.Fatalf("expected one segment, got %+v", segs)
	}
	if segs[0].StartSample != 8000 || segs[0].EndSample != 12800 {
		t.Fatalf("unexpected bounds: %+v", segs[0])
	}
}

func TestDetectVoiceActivityClosesOpenSegmentAtEnd(t *testing.T) {
	rate := 16000
	buf := make([]float32, rate/2)
	copy(buf[4000:], sine(300, 0.5, rate/2-4000, rate))
	segs := DetectVoiceActivity(buf, rate, VADOptions{FrameDuration: 10 * time.Millisecond, Threshold: 0.05, MinDuration: 50 * time.Millisecond})
	if len(segs) != 1 || segs[0].EndSample != len(buf) {
		t.Fatalf("expected trailing segment closed at buffer end, got %+v", segs)
	}
}

func TestNormalizeAudio(t *testing.T) {
	silence := make([]float32, 32)
	if out := NormalizeAudio(silence, 0.9); &out[0] != &silence[0] {
		t.Fatal("expected silence returned unchanged")
	}

	buf := []float32{0.1, -0.25, 0.05}
	out := NormalizeAudio(buf, 0.5)
	if peak := peakLevel(out); peak < 0.4999 || peak > 0.5001 {
		t.Fatalf("expected peak 0.5, got %f", peak)
	}
	if buf[1] != -0.25 {
		t.Fatal("input was modified")
	}
}
