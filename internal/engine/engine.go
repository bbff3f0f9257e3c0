// Package engine orchestrates the recognition backends: it selects one,
// switches between them at runtime, runs results through the plugin
// pipeline and keeps statistics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/language"
	"github.com/loqalabs/loqa-stt/internal/plugin"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

var (
	ErrNotInitialized     = errors.New("engine not initialized")
	ErrAlreadyInitialized = errors.New("engine already initialized")
	ErrListening          = errors.New("operation not allowed while listening")
	ErrDisposed           = errors.New("engine disposed")
)

// Deps are the collaborators an Engine is built from. Either backend may be
// nil, but not both.
type Deps struct {
	Live      stt.Backend
	Local     stt.Backend
	Languages *language.Registry
	Plugins   *plugin.Registry
	Logger    *slog.Logger
}

// Engine is one recognition session's orchestrator. Its public methods are
// meant to be called by a single writer; backend events arrive concurrently.
type Engine struct {
	cfg       Config
	languages *language.Registry
	plugins   *plugin.Registry
	logger    *slog.Logger
	backends  map[stt.Kind]stt.Backend
	events    *Events
	stats     *statsRecorder
	tel       *telemetry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu serializes lifecycle operations with background switches.
	opMu sync.Mutex

	mu          sync.Mutex
	recognition stt.Config
	state       State
	active      stt.Backend
	listening   bool
	language    string
	lowStreak   int
	prepared    map[stt.Kind]string
	disposed    bool

	switches switchQueue
}

func New(cfg Config, recognition stt.Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if err := recognition.Validate(); err != nil {
		return nil, fmt.Errorf("recognition config: %w", err)
	}
	if deps.Live == nil && deps.Local == nil {
		return nil, errors.New("at least one backend is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	languages := deps.Languages
	if languages == nil {
		languages = language.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		languages:   languages,
		plugins:     deps.Plugins,
		logger:      logger.With(slog.String("component", "engine")),
		backends:    make(map[stt.Kind]stt.Backend, 2),
		events:      &Events{},
		stats:       newStatsRecorder(),
		ctx:         ctx,
		cancel:      cancel,
		recognition: recognition,
		prepared:    make(map[stt.Kind]string, 2),
	}
	tel, err := newTelemetry(e.stats.snapshot)
	if err != nil {
		e.logger.Warn("failed to initialize metrics", slogError(err))
	}
	e.tel = tel

	for _, b := range []stt.Backend{deps.Live, deps.Local} {
		if b == nil {
			continue
		}
		e.backends[b.Kind()] = b
		b.SetHandler(&backendHandler{engine: e, kind: b.Kind()})
	}
	return e, nil
}

func (e *Engine) Events() *Events { return e.events }

func (e *Engine) Stats() Stats { return e.stats.snapshot() }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) IsListening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// ActiveBackend returns the kind of the active backend, empty before
// Initialize.
func (e *Engine) ActiveBackend() stt.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.Kind()
}

func (e *Engine) Language() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.language
}

func (e *Engine) RecognitionConfig() stt.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recognition
}

// Backend returns the backend registered for kind, if any.
func (e *Engine) Backend(kind stt.Kind) (stt.Backend, bool) {
	b, ok := e.backends[kind]
	return b, ok
}

// Capabilities lists the capabilities of every registered backend.
func (e *Engine) Capabilities() map[stt.Kind]stt.Capabilities {
	out := make(map[stt.Kind]stt.Capabilities, len(e.backends))
	for kind, b := range e.backends {
		out[kind] = b.Capabilities()
	}
	return out
}

// candidates returns the initialization order: the selected backend first,
// then the fallback.
func (e *Engine) candidates(lang string) ([]stt.Kind, string) {
	var (
		first  stt.Kind
		second stt.Kind
		reason string
	)
	if e.cfg.AutoEngineSelection {
		status := LiveStatus{}
		if live, ok := e.backends[stt.KindLive]; ok {
			status.Available = live.Available()
			status.SupportsLanguage = live.SupportsLanguage(lang)
		}
		first, reason = SelectBackend(e.cfg, status)
		second = first.Other()
	} else {
		first, second, reason = e.cfg.Primary, e.cfg.Fallback, "configured primary"
	}
	var order []stt.Kind
	for _, kind := range []stt.Kind{first, second} {
		if _, ok := e.backends[kind]; !ok {
			continue
		}
		if len(order) == 1 && order[0] == kind {
			continue
		}
		order = append(order, kind)
	}
	return order, reason
}

// Initialize selects and initializes a backend for the configured
// language. A failure leaves the engine Uninitialized with every backend
// released.
func (e *Engine) Initialize(ctx context.Context) (err error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.state != StateUninitialized {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	requested := e.recognition.Language
	e.mu.Unlock()

	ctx, span := e.tel.tracer.Start(ctx, "engine.initialize", trace.WithAttributes(attribute.String("language", requested)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lang, ok := e.languages.Canonical(requested)
	if !ok {
		return &stt.EngineInitError{
			Backend: e.cfg.Primary,
			Reason:  "unknown language",
			Err:     &stt.LanguageNotSupportedError{Backend: e.cfg.Primary, Language: requested},
		}
	}

	order, reason := e.candidates(lang)
	var (
		chosen stt.Backend
		errs   []error
	)
	for i, kind := range order {
		b := e.backends[kind]
		if err := b.Initialize(ctx, lang); err != nil {
			e.logger.Warn("backend initialization failed", slog.String("backend", kind.String()), slogError(err))
			errs = append(errs, err)
			continue
		}
		chosen = b
		if i > 0 {
			reason = "fallback"
		}
		break
	}
	if chosen == nil {
		e.releaseBackends(context.WithoutCancel(ctx))
		failed := e.cfg.Primary
		if len(order) > 0 {
			failed = order[0]
		}
		return &stt.EngineInitError{Backend: failed, Reason: "no backend could be initialized", Err: errors.Join(errs...)}
	}

	e.mu.Lock()
	e.active = chosen
	e.language = lang
	e.recognition.Language = lang
	e.prepared[chosen.Kind()] = lang
	e.state = StateReady
	e.mu.Unlock()
	span.SetAttributes(attribute.String("backend", chosen.Kind().String()))
	e.logger.Info("engine initialized",
		slog.String("backend", chosen.Kind().String()),
		slog.String("reason", reason),
		slog.String("language", lang))

	if e.cfg.AutoEngineSelection {
		e.warm(chosen.Kind().Other(), lang)
	}
	return nil
}

// warm initializes the alternate backend in the background so a later
// switch does not wait for it.
func (e *Engine) warm(kind stt.Kind, lang string) {
	b, ok := e.backends[kind]
	if !ok || !b.Available() || !b.SupportsLanguage(lang) {
		return
	}
	e.goAsync(func(ctx context.Context) {
		if err := b.Initialize(ctx, lang); err != nil {
			e.logger.Debug("alternate backend warm-up failed", slog.String("backend", kind.String()), slogError(err))
			return
		}
		e.mu.Lock()
		if _, done := e.prepared[kind]; !done {
			e.prepared[kind] = lang
		}
		e.mu.Unlock()
	})
}

// WaitReady blocks until the active backend finished loading.
func (e *Engine) WaitReady(ctx context.Context) error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active == nil {
		return ErrNotInitialized
	}
	if r, ok := active.(stt.Readier); ok {
		return r.WaitReady(ctx)
	}
	return nil
}

// Drain waits for results still in flight on the active backend, typically
// after StopListening.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if d, ok := active.(stt.Drainer); ok {
		return d.Drain(ctx)
	}
	return nil
}

// StartListening starts the active backend. Starting twice is a no-op.
// It does not wait for a model still loading; use WaitReady first.
func (e *Engine) StartListening(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	switch {
	case e.disposed:
		e.mu.Unlock()
		return ErrDisposed
	case e.active == nil:
		e.mu.Unlock()
		return ErrNotInitialized
	case e.listening:
		e.mu.Unlock()
		e.logger.Warn("start requested while already listening")
		return nil
	}
	active := e.active
	lang := e.language
	e.mu.Unlock()

	// A backend still loading fails fast with stt.ErrNotReady.
	if err := active.StartListening(ctx); err != nil {
		return fmt.Errorf("start %s backend: %w", active.Kind(), err)
	}

	e.mu.Lock()
	e.listening = true
	e.lowStreak = 0
	if e.state == StateReady {
		e.state = StateListening
	}
	e.mu.Unlock()
	e.events.Start.Publish(ListeningEvent{Backend: active.Kind(), Language: lang, At: time.Now()})
	return nil
}

// StopListening stops the active backend. It is safe in any state.
func (e *Engine) StopListening(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	if !e.listening || e.active == nil {
		e.mu.Unlock()
		return nil
	}
	active := e.active
	lang := e.language
	e.mu.Unlock()

	if err := active.StopListening(ctx); err != nil && active.Listening() {
		return fmt.Errorf("stop %s backend: %w", active.Kind(), err)
	}

	e.mu.Lock()
	e.listening = false
	if e.state == StateListening {
		e.state = StateReady
	}
	e.mu.Unlock()
	e.events.Stop.Publish(ListeningEvent{Backend: active.Kind(), Language: lang, At: time.Now()})
	return nil
}

// SetLanguage changes the recognition language on the active backend.
func (e *Engine) SetLanguage(ctx context.Context, code string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.setLanguage(ctx, code)
}

func (e *Engine) setLanguage(ctx context.Context, code string) error {
	canonical, ok := e.languages.Canonical(code)
	if !ok {
		return &stt.LanguageNotSupportedError{Language: code}
	}
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()

	// The active backend decides; Local may reload a larger tier.
	if active != nil {
		if err := active.SetLanguage(ctx, canonical); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.language = canonical
	e.recognition.Language = canonical
	if active != nil {
		e.prepared[active.Kind()] = canonical
	}
	e.lowStreak = 0
	e.mu.Unlock()
	e.logger.Info("language changed", slog.String("language", canonical))
	return nil
}

// UpdateRecognitionConfig patches the recognition settings. Patches are
// rejected while listening; a language change goes through SetLanguage.
func (e *Engine) UpdateRecognitionConfig(ctx context.Context, patch func(*stt.Config)) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	if e.listening {
		e.mu.Unlock()
		return ErrListening
	}
	next := e.recognition
	current := next.Language
	e.mu.Unlock()

	patch(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	if next.Language != current {
		if err := e.setLanguage(ctx, next.Language); err != nil {
			return err
		}
		next.Language = e.Language()
	}
	e.mu.Lock()
	e.recognition = next
	e.mu.Unlock()
	return nil
}

// ProcessAudio runs preprocess hooks and optional language detection over
// frame and feeds the result to the active backend.
func (e *Engine) ProcessAudio(ctx context.Context, frame []float32, sampleRate int) error {
	e.mu.Lock()
	active := e.active
	listening := e.listening
	detect := e.recognition.AutoLanguageDetection
	e.mu.Unlock()
	if active == nil {
		return ErrNotInitialized
	}
	if !listening {
		return nil
	}

	if e.plugins != nil {
		frame = e.plugins.PreprocessAudio(ctx, frame, sampleRate)
		if detect {
			if d, ok := e.plugins.DetectLanguage(ctx, frame, sampleRate); ok {
				e.publishLanguage(d.Language, d.Confidence, d.Plugin)
			}
		}
	}
	return active.Feed(ctx, frame)
}

// PublishMetrics republishes audio metrics computed by the processor.
func (e *Engine) PublishMetrics(m audio.Metrics) {
	e.events.AudioMetrics.Publish(m)
}

// Dispose stops listening, waits for background work and releases every
// backend. It is safe after a failed Initialize.
func (e *Engine) Dispose(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mu.Unlock()

	e.cancel()
	e.switches.cancelPending(ErrDisposed)
	e.wg.Wait()

	stopErr := e.StopListening(ctx)
	e.releaseBackends(ctx)
	e.mu.Lock()
	e.active = nil
	e.state = StateUninitialized
	e.mu.Unlock()
	e.tel.close()
	return stopErr
}

func (e *Engine) releaseBackends(ctx context.Context) {
	for kind, b := range e.backends {
		if err := b.Dispose(ctx); err != nil {
			e.logger.Warn("dispose backend failed", slog.String("backend", kind.String()), slogError(err))
		}
	}
	e.mu.Lock()
	clear(e.prepared)
	e.mu.Unlock()
}

// goAsync runs fn on a tracked goroutine unless the engine is disposed.
func (e *Engine) goAsync(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

func (e *Engine) isActive(kind stt.Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil && e.active.Kind() == kind
}

// normalizeLanguage maps a result language onto a catalog code; an empty
// code takes the session language.
func (e *Engine) normalizeLanguage(code string) string {
	if code == "" {
		e.mu.Lock()
		code = e.language
		e.mu.Unlock()
	}
	if canonical, ok := e.languages.Canonical(code); ok {
		return canonical
	}
	return language.Unknown
}

func (e *Engine) publishLanguage(code string, confidence float64, source string) {
	canonical, ok := e.languages.Canonical(code)
	if !ok {
		e.logger.Debug("detected language not in catalog", slog.String("language", code), slog.String("source", source))
		return
	}
	e.events.LanguageDetected.Publish(LanguageEvent{Language: canonical, Confidence: clamp01(confidence), Source: source})
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
