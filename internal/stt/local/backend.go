// Package local adapts an on-device speech model to the stt.Backend contract.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/language"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Transcription is the raw output of a model for one chunk.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	// Language is the model-native code when the model detected one.
	Language string `json:"language,omitempty"`
}

// Model is a loaded speech model.
type Model interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, nativeLanguage string) (Transcription, error)
	Close() error
}

// ModelLoader loads a tier. progress receives fractions in [0,1].
type ModelLoader interface {
	Load(ctx context.Context, tier Tier, progress func(float64)) (Model, error)
}

type Config struct {
	DefaultTier       Tier
	SampleRate        int
	ChunkDuration     time.Duration
	TranscribeTimeout time.Duration
	CacheEnabled      bool
	CacheSize         int
}

func DefaultConfig() Config {
	return Config{
		DefaultTier:       TierBase,
		SampleRate:        16000,
		ChunkDuration:     3 * time.Second,
		TranscribeTimeout: 45 * time.Second,
		CacheEnabled:      true,
		CacheSize:         2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if _, ok := c.DefaultTier.Info(); !ok {
		c.DefaultTier = d.DefaultTier
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = d.ChunkDuration
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = d.TranscribeTimeout
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	return c
}

// Backend transcribes fixed-size chunks with a locally loaded model.
// Results are always final.
type Backend struct {
	cfg      Config
	loader   ModelLoader
	registry *language.Registry
	logger   *slog.Logger
	cache    *lru.Cache[Tier, Model]
	active   atomic.Value // Tier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	handler     stt.Handler
	model       Model
	loadedTier  Tier
	loading     bool
	loadingTier Tier
	loadGen     uint64
	loadDone    chan struct{}
	loadErr     error
	language    string
	listening   bool
	disposed    bool

	buffer       []float32
	inflight     bool
	pendingFinal bool
}

func New(cfg Config, loader ModelLoader, registry *language.Registry, logger *slog.Logger) (*Backend, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = language.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:      cfg,
		loader:   loader,
		registry: registry,
		logger:   logger.With(slog.String("component", "stt-local")),
		handler:  stt.NopHandler{},
		ctx:      ctx,
		cancel:   cancel,
	}
	b.active.Store(Tier(""))
	if cfg.CacheEnabled {
		cache, err := lru.NewWithEvict[Tier, Model](cfg.CacheSize, b.evicted)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("model cache: %w", err)
		}
		b.cache = cache
	}
	return b, nil
}

func (b *Backend) evicted(tier Tier, m Model) {
	if tier == b.active.Load().(Tier) {
		return
	}
	if err := m.Close(); err != nil {
		b.logger.Warn("close evicted model failed", slog.String("tier", string(tier)), slogError(err))
	}
}

func (b *Backend) Kind() stt.Kind { return stt.KindLocal }

func (b *Backend) SetHandler(h stt.Handler) {
	if h == nil {
		h = stt.NopHandler{}
	}
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Backend) Available() bool { return b.loader != nil }

// Initialize selects a tier for the hint and starts loading it in the
// background. Progress and completion arrive through the handler.
func (b *Backend) Initialize(_ context.Context, hint string) error {
	if b.loader == nil {
		return &stt.EngineInitError{Backend: stt.KindLocal, Reason: "no model loader configured"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return &stt.EngineInitError{Backend: stt.KindLocal, Reason: "backend disposed"}
	}

	tier := b.cfg.DefaultTier
	if code, ok := b.registry.Canonical(hint); ok {
		b.language = code
		if !tier.Covers(b.registry, code) {
			if t, ok := SmallestCovering(b.registry, code); ok {
				tier = t
			}
		}
	} else {
		if hint != "" {
			b.logger.Warn("language hint not in catalog, using default model", slog.String("language", hint))
		}
		b.language = hint
	}

	if b.currentTierLocked() == tier {
		return nil
	}
	b.startLoadLocked(tier)
	return nil
}

// currentTierLocked is the tier that is loaded or being loaded.
func (b *Backend) currentTierLocked() Tier {
	if b.loading {
		return b.loadingTier
	}
	if b.model != nil {
		return b.loadedTier
	}
	return ""
}

func (b *Backend) startLoadLocked(tier Tier) {
	b.loadGen++
	gen := b.loadGen
	b.loading = true
	b.loadingTier = tier
	b.loadErr = nil
	done := make(chan struct{})
	b.loadDone = done
	handler := b.handler

	b.logger.Info("loading model", slog.String("tier", string(tier)))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(done)
		b.load(gen, tier, handler)
	}()
}

func (b *Backend) load(gen uint64, tier Tier, handler stt.Handler) {
	progress := func(f float64) {
		handler.HandleModelProgress(stt.ModelProgress{Backend: stt.KindLocal, Model: string(tier), Fraction: clamp01(f)})
	}

	var (
		model  Model
		err    error
		cached bool
	)
	if b.cache != nil {
		model, cached = b.cache.Get(tier)
	}
	if !cached {
		progress(0)
		model, err = b.loader.Load(b.ctx, tier, progress)
	}

	b.mu.Lock()
	if gen != b.loadGen || b.disposed {
		b.mu.Unlock()
		if err == nil && !cached {
			_ = model.Close()
		}
		return
	}
	b.loading = false
	if err != nil {
		b.loadErr = err
		b.mu.Unlock()
		b.logger.Warn("model load failed", slog.String("tier", string(tier)), slogError(err))
		handler.HandleModelProgress(stt.ModelProgress{Backend: stt.KindLocal, Model: string(tier), Done: true, Err: err})
		handler.HandleError(stt.Transient(stt.KindLocal, "load model", err))
		return
	}
	old, oldTier := b.model, b.loadedTier
	// The cache owns every model it holds and closes them on eviction.
	release := old != nil && oldTier != tier && (b.cache == nil || !b.cache.Contains(oldTier))
	b.model = model
	b.loadedTier = tier
	b.active.Store(tier)
	if b.cache != nil && !cached {
		b.cache.Add(tier, model)
	}
	b.mu.Unlock()

	if release {
		if cerr := old.Close(); cerr != nil {
			b.logger.Warn("close previous model failed", slogError(cerr))
		}
	}
	b.logger.Info("model ready", slog.String("tier", string(tier)), slog.Bool("cached", cached))
	handler.HandleModelProgress(stt.ModelProgress{Backend: stt.KindLocal, Model: string(tier), Fraction: 1, Done: true})
}

// WaitReady blocks until the most recent model load finishes.
func (b *Backend) WaitReady(ctx context.Context) error {
	for {
		b.mu.Lock()
		done := b.loadDone
		b.mu.Unlock()
		if done == nil {
			return errors.New("local backend not initialized")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		b.mu.Lock()
		latest := b.loadDone == done
		err := b.loadErr
		b.mu.Unlock()
		if latest {
			return err
		}
	}
}

// LoadedTier returns the tier of the model in use, if any.
func (b *Backend) LoadedTier() (Tier, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadedTier, b.model != nil
}

func (b *Backend) StartListening(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listening {
		b.logger.Warn("start requested while already listening")
		return nil
	}
	if b.model == nil {
		if b.loadErr != nil {
			return fmt.Errorf("%w: %v", stt.ErrNotReady, b.loadErr)
		}
		return stt.ErrNotReady
	}
	b.buffer = b.buffer[:0]
	b.listening = true
	return nil
}

// StopListening flushes any buffered tail as a final chunk.
func (b *Backend) StopListening(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.listening {
		return nil
	}
	b.listening = false
	if len(b.buffer) > 0 {
		b.scheduleLocked()
	}
	return nil
}

// Drain waits until no transcription is running or queued. Results of
// the flushed tail have been delivered when it returns.
func (b *Backend) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		busy := b.inflight || b.pendingFinal
		b.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Backend) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

func (b *Backend) chunkSamples() int {
	return int(b.cfg.ChunkDuration.Seconds() * float64(b.cfg.SampleRate))
}

func (b *Backend) Feed(_ context.Context, frame []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.listening {
		return nil
	}
	b.buffer = append(b.buffer, frame...)
	if len(b.buffer) >= b.chunkSamples() {
		b.scheduleLocked()
	}
	return nil
}

// scheduleLocked transcribes the buffer unless a transcription is running,
// in which case audio keeps accumulating and one follow-up is queued.
func (b *Backend) scheduleLocked() {
	if b.inflight {
		b.pendingFinal = true
		return
	}
	if b.model == nil {
		return
	}
	chunk := b.buffer
	b.buffer = nil
	b.inflight = true
	model := b.model
	lang := b.language
	handler := b.handler

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.transcribe(model, chunk, lang, handler)
	}()
}

func (b *Backend) transcribe(model Model, chunk []float32, lang string, handler stt.Handler) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.TranscribeTimeout)
	defer cancel()

	native, _ := b.registry.NativeCode(language.BackendLocal, lang)
	start := time.Now()
	tr, err := model.Transcribe(ctx, chunk, b.cfg.SampleRate, native)
	elapsed := time.Since(start)

	switch {
	case err != nil && b.ctx.Err() != nil:
	case err != nil:
		b.logger.Warn("local transcription failed", slogError(err))
		handler.HandleError(stt.Transient(stt.KindLocal, "transcribe", err))
	case tr.Text != "":
		resultLang := lang
		if tr.Language != "" {
			if detected, ok := b.registry.LookupNative(language.BackendLocal, tr.Language); ok {
				if detected.Code != lang {
					handler.HandleLanguageDetected(detected.Code, tr.Confidence)
				}
				resultLang = detected.Code
			}
		}
		handler.HandleResult(stt.Result{
			Transcript: tr.Text,
			Confidence: tr.Confidence,
			IsFinal:    true,
			Timestamp:  time.Now(),
			Language:   resultLang,
			Metadata: stt.Metadata{
				AudioLevel:     audio.Level(chunk),
				ProcessingTime: elapsed,
				BackendUsed:    stt.KindLocal,
			},
		})
	}

	b.mu.Lock()
	b.inflight = false
	pending := b.pendingFinal
	b.pendingFinal = false
	if pending && len(b.buffer) > 0 && !b.disposed {
		b.scheduleLocked()
	}
	b.mu.Unlock()
}

// SetLanguage switches the recognition language. Codes the loaded tier does
// not cover trigger a background reload of the smallest covering tier.
func (b *Backend) SetLanguage(_ context.Context, code string) error {
	canonical, ok := b.registry.Canonical(code)
	if !ok {
		return &stt.LanguageNotSupportedError{Backend: stt.KindLocal, Language: code}
	}
	target, ok := SmallestCovering(b.registry, canonical)
	if !ok {
		return &stt.LanguageNotSupportedError{Backend: stt.KindLocal, Language: code}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.language = canonical
	current := b.currentTierLocked()
	if current != "" && current.Covers(b.registry, canonical) {
		return nil
	}
	if current == "" {
		return nil
	}
	b.logger.Info("reloading model for language",
		slog.String("language", canonical),
		slog.String("from", string(current)),
		slog.String("to", string(target)))
	b.startLoadLocked(target)
	return nil
}

// Language returns the catalog code used for transcription.
func (b *Backend) Language() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.language
}

func (b *Backend) SupportsLanguage(code string) bool {
	b.mu.Lock()
	loaded := b.loadedTier
	if b.model == nil {
		loaded = ""
	}
	b.mu.Unlock()
	if loaded != "" && loaded.Covers(b.registry, code) {
		return true
	}
	return b.cfg.DefaultTier.Covers(b.registry, code)
}

func (b *Backend) Capabilities() stt.Capabilities {
	b.mu.Lock()
	tier := b.currentTierLocked()
	b.mu.Unlock()
	if tier == "" {
		tier = b.cfg.DefaultTier
	}
	info, _ := tier.Info()
	return stt.Capabilities{
		OfflineCapable:         true,
		RealTimeCapable:        false,
		AccuracyTier:           info.Accuracy,
		SupportedLanguageCount: len(b.registry.Supported(language.BackendLocal)),
	}
}

// Dispose cancels loads and transcriptions and closes every model.
func (b *Backend) Dispose(context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.listening = false
	b.buffer = nil
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	model, tier := b.model, b.loadedTier
	b.model = nil
	b.mu.Unlock()
	b.active.Store(Tier(""))

	var errs []error
	inCache := false
	if b.cache != nil {
		inCache = model != nil && b.cache.Contains(tier)
		b.cache.Purge()
	}
	if model != nil && !inCache {
		errs = append(errs, model.Close())
	}
	return errors.Join(errs...)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
