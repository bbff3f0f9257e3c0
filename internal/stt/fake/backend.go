// Package fake provides a scripted recognition backend for tests.
package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Backend is a deterministic stt.Backend. Zero values of the error fields
// mean success; Languages nil means every language is supported.
type Backend struct {
	mu sync.Mutex

	kind      stt.Kind
	handler   stt.Handler
	available bool
	languages map[string]bool
	caps      stt.Capabilities

	InitErr  error
	StartErr error
	StopErr  error

	initialized bool
	listening   bool
	language    string
	disposed    bool

	InitCalls  int
	StartCalls int
	StopCalls  int
	Frames     int
	Samples    int
}

func New(kind stt.Kind, languages ...string) *Backend {
	b := &Backend{
		kind:      kind,
		handler:   stt.NopHandler{},
		available: true,
		caps: stt.Capabilities{
			OfflineCapable:  kind == stt.KindLocal,
			RealTimeCapable: kind == stt.KindLive,
			AccuracyTier:    3,
		},
	}
	if len(languages) > 0 {
		b.languages = make(map[string]bool, len(languages))
		for _, l := range languages {
			b.languages[strings.ToLower(l)] = true
		}
		b.caps.SupportedLanguageCount = len(languages)
	}
	return b
}

func (b *Backend) Kind() stt.Kind { return b.kind }

func (b *Backend) SetHandler(h stt.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		h = stt.NopHandler{}
	}
	b.handler = h
}

func (b *Backend) SetAvailable(v bool) {
	b.mu.Lock()
	b.available = v
	b.mu.Unlock()
}

func (b *Backend) SetInitErr(err error) {
	b.mu.Lock()
	b.InitErr = err
	b.mu.Unlock()
}

func (b *Backend) SetStartErr(err error) {
	b.mu.Lock()
	b.StartErr = err
	b.mu.Unlock()
}

func (b *Backend) Initialize(_ context.Context, hint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InitCalls++
	if b.InitErr != nil {
		return &stt.EngineInitError{Backend: b.kind, Reason: "scripted failure", Err: b.InitErr}
	}
	b.initialized = true
	b.language = hint
	return nil
}

func (b *Backend) StartListening(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StartCalls++
	if b.StartErr != nil {
		return b.StartErr
	}
	if !b.initialized {
		return stt.ErrNotReady
	}
	b.listening = true
	return nil
}

func (b *Backend) StopListening(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StopCalls++
	b.listening = false
	return b.StopErr
}

func (b *Backend) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

func (b *Backend) SetLanguage(_ context.Context, code string) error {
	if !b.SupportsLanguage(code) {
		return &stt.LanguageNotSupportedError{Backend: b.kind, Language: code}
	}
	b.mu.Lock()
	b.language = code
	b.mu.Unlock()
	return nil
}

// Language returns the last language set through Initialize or SetLanguage.
func (b *Backend) Language() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.language
}

func (b *Backend) SupportsLanguage(code string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.languages == nil {
		return true
	}
	return b.languages[strings.ToLower(code)]
}

func (b *Backend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

func (b *Backend) Feed(_ context.Context, frame []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Frames++
	b.Samples += len(frame)
	return nil
}

// FrameCount returns the number of frames and samples fed so far.
func (b *Backend) FrameCount() (frames, samples int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Frames, b.Samples
}

func (b *Backend) Capabilities() stt.Capabilities { return b.caps }

func (b *Backend) Dispose(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listening = false
	b.initialized = false
	b.disposed = true
	return nil
}

func (b *Backend) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *Backend) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

func (b *Backend) currentHandler() stt.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

// EmitResult pushes a final result with the given confidence.
func (b *Backend) EmitResult(transcript string, confidence float64) {
	b.Emit(stt.Result{
		Transcript: transcript,
		Confidence: confidence,
		IsFinal:    true,
		Timestamp:  time.Now(),
		Language:   b.Language(),
	})
}

func (b *Backend) Emit(r stt.Result) {
	b.currentHandler().HandleResult(r)
}

func (b *Backend) EmitError(err error) {
	b.currentHandler().HandleError(err)
}

func (b *Backend) EmitMetrics(m audio.Metrics) {
	b.currentHandler().HandleMetrics(m)
}

func (b *Backend) EmitLanguage(code string, confidence float64) {
	b.currentHandler().HandleLanguageDetected(code, confidence)
}

func (b *Backend) EmitProgress(p stt.ModelProgress) {
	b.currentHandler().HandleModelProgress(p)
}
