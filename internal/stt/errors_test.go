package stt

import (
	"errors"
	"fmt"
	"testing"
)

func TestRecognitionErrorClassification(t *testing.T) {
	cause := errors.New("socket reset")
	transient := fmt.Errorf("read loop: %w", Transient(KindLive, "read", cause))
	if !errors.Is(transient, ErrRecoverable) || errors.Is(transient, ErrFatal) {
		t.Fatalf("transient error misclassified: %v", transient)
	}
	if !errors.Is(transient, cause) {
		t.Fatal("expected cause to be reachable")
	}

	fatal := Fatal(KindLocal, "transcribe", errors.New("permission revoked"))
	if IsRecoverable(fatal) || !errors.Is(fatal, ErrFatal) {
		t.Fatalf("fatal error misclassified: %v", fatal)
	}

	var re *RecognitionError
	if !errors.As(transient, &re) || re.Backend != KindLive {
		t.Fatalf("expected RecognitionError from live, got %+v", re)
	}
}

func TestKindOther(t *testing.T) {
	if KindLive.Other() != KindLocal || KindLocal.Other() != KindLive {
		t.Fatal("unexpected alternate kind")
	}
	if _, err := ParseKind("cloud"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.ConfidenceThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected threshold validation error")
	}
}

func TestResultCloneDetachesAlternatives(t *testing.T) {
	r := Result{Transcript: "hello", Alternatives: []Alternative{{Transcript: "hallo", Confidence: 0.2}}}
	c := r.Clone()
	c.Alternatives[0].Transcript = "changed"
	if r.Alternatives[0].Transcript != "hallo" {
		t.Fatal("clone shares alternatives with original")
	}
}
