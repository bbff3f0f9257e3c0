package stt

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/language"
)

// Kind names a backend implementation.
type Kind string

const (
	KindLive  Kind = language.BackendLive
	KindLocal Kind = language.BackendLocal
)

func (k Kind) String() string { return string(k) }

// Other returns the alternate backend kind.
func (k Kind) Other() Kind {
	if k == KindLive {
		return KindLocal
	}
	return KindLive
}

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLive, KindLocal:
		return Kind(s), nil
	}
	return "", errors.New("backend must be one of live|local")
}

// Config holds recognition settings supplied by the caller.
type Config struct {
	Language              string
	Continuous            bool
	InterimResults        bool
	MaxAlternatives       int
	ConfidenceThreshold   float64
	NoiseReduction        bool
	AutoLanguageDetection bool
	RealTime              bool
}

func DefaultConfig() Config {
	return Config{
		Language:            "en",
		Continuous:          true,
		InterimResults:      true,
		MaxAlternatives:     1,
		ConfidenceThreshold: 0.5,
		NoiseReduction:      true,
		RealTime:            true,
	}
}

func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return errors.New("confidence threshold must be within [0,1]")
	}
	if c.MaxAlternatives < 0 {
		return errors.New("max alternatives must be >= 0")
	}
	return nil
}

type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type Metadata struct {
	AudioLevel     float64       `json:"audio_level"`
	SignalQuality  float64       `json:"signal_quality"`
	ProcessingTime time.Duration `json:"processing_time"`
	BackendUsed    Kind          `json:"backend_used"`
	NoiseLevel     float64       `json:"noise_level"`
}

// Result is one recognition hypothesis.
type Result struct {
	Transcript   string        `json:"transcript"`
	Confidence   float64       `json:"confidence"`
	IsFinal      bool          `json:"is_final"`
	Timestamp    time.Time     `json:"timestamp"`
	Language     string        `json:"language"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Metadata     Metadata      `json:"metadata"`
}

// Clone returns a copy that shares no slices with r.
func (r Result) Clone() Result {
	out := r
	if r.Alternatives != nil {
		out.Alternatives = append([]Alternative(nil), r.Alternatives...)
	}
	return out
}

type Capabilities struct {
	OfflineCapable         bool `json:"offline_capable"`
	RealTimeCapable        bool `json:"real_time_capable"`
	AccuracyTier           int  `json:"accuracy_tier"`
	SupportedLanguageCount int  `json:"supported_language_count"`
}

// ModelProgress reports an asynchronous model load.
type ModelProgress struct {
	Backend Kind
	Model   string
	// Fraction is in [0,1]; Done is set once, with Err on failure.
	Fraction float64
	Done     bool
	Err      error
}

// Handler receives pushed backend events. Calls may arrive from backend
// goroutines; implementations must not block for long.
type Handler interface {
	HandleResult(Result)
	HandleMetrics(audio.Metrics)
	HandleLanguageDetected(code string, confidence float64)
	HandleError(error)
	HandleModelProgress(ModelProgress)
}

// Backend is the contract every recognition engine adapter implements.
// Adapters own their buffers and model handles but no selection policy.
type Backend interface {
	Kind() Kind
	SetHandler(h Handler)
	// Initialize prepares the engine; failures are *EngineInitError.
	Initialize(ctx context.Context, languageHint string) error
	// StartListening is idempotent; a second call logs a warning.
	StartListening(ctx context.Context) error
	// StopListening is idempotent and safe in any state.
	StopListening(ctx context.Context) error
	Listening() bool
	SetLanguage(ctx context.Context, code string) error
	SupportsLanguage(code string) bool
	// Available reports whether the engine can run in this environment.
	Available() bool
	Feed(ctx context.Context, frame []float32) error
	Capabilities() Capabilities
	Dispose(ctx context.Context) error
}

// Readier is implemented by backends whose Initialize finishes in the
// background.
type Readier interface {
	WaitReady(ctx context.Context) error
}

// Drainer is implemented by backends that deliver results after
// StopListening returns.
type Drainer interface {
	Drain(ctx context.Context) error
}

// NopHandler discards every event.
type NopHandler struct{}

func (NopHandler) HandleResult(Result)                    {}
func (NopHandler) HandleMetrics(audio.Metrics)            {}
func (NopHandler) HandleLanguageDetected(string, float64) {}
func (NopHandler) HandleError(error)                      {}
func (NopHandler) HandleModelProgress(ModelProgress)      {}
