// Package plugin hosts result and audio extensions around the recognition
// engine.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Plugin is the lifecycle every extension implements. Hooks are opt-in
// through the AudioPreprocessor, ResultEnhancer and LanguageDetector
// interfaces.
type Plugin interface {
	Name() string
	Version() string
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// AudioPreprocessor rewrites audio before it reaches a backend. The frame is
// a copy owned by the plugin.
type AudioPreprocessor interface {
	PreprocessAudio(ctx context.Context, frame []float32, sampleRate int) ([]float32, error)
}

// ResultEnhancer rewrites a result before it is emitted.
type ResultEnhancer interface {
	EnhanceResult(ctx context.Context, result stt.Result) (stt.Result, error)
}

// LanguageDetector guesses the spoken language of a frame. An empty code
// means no opinion.
type LanguageDetector interface {
	DetectLanguage(ctx context.Context, frame []float32, sampleRate int) (code string, confidence float64, err error)
}

type Hook string

const (
	HookAudioPreprocess Hook = "audio-preprocess"
	HookEnhanceResult   Hook = "enhance-result"
	HookDetectLanguage  Hook = "detect-language"
)

// Declarer is implemented by plugins that carry every hook method but only
// enable the hooks they declare, such as manifest-driven plugins.
type Declarer interface {
	DeclaredHooks() []Hook
}

func declares(p Plugin, h Hook) bool {
	d, ok := p.(Declarer)
	if !ok {
		return true
	}
	for _, declared := range d.DeclaredHooks() {
		if declared == h {
			return true
		}
	}
	return false
}

func asPreprocessor(p Plugin) (AudioPreprocessor, bool) {
	pre, ok := p.(AudioPreprocessor)
	return pre, ok && declares(p, HookAudioPreprocess)
}

func asEnhancer(p Plugin) (ResultEnhancer, bool) {
	enh, ok := p.(ResultEnhancer)
	return enh, ok && declares(p, HookEnhanceResult)
}

func asDetector(p Plugin) (LanguageDetector, bool) {
	det, ok := p.(LanguageDetector)
	return det, ok && declares(p, HookDetectLanguage)
}

// Hooks lists the hook kinds p provides, in a fixed order.
func Hooks(p Plugin) []Hook {
	var hooks []Hook
	if _, ok := asPreprocessor(p); ok {
		hooks = append(hooks, HookAudioPreprocess)
	}
	if _, ok := asEnhancer(p); ok {
		hooks = append(hooks, HookEnhanceResult)
	}
	if _, ok := asDetector(p); ok {
		hooks = append(hooks, HookDetectLanguage)
	}
	return hooks
}

type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hooks   []Hook `json:"hooks"`
}

// PluginError wraps a failure raised by a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

var (
	ErrDuplicate = errors.New("plugin already registered")
	ErrNotFound  = errors.New("plugin not registered")
)

// Registry keeps plugins in registration order. Hooks run in that order and
// a failing plugin never affects the others.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With(slog.String("component", "plugins"))}
}

// Register initializes p and appends it. A plugin whose Initialize fails is
// not registered.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	if p == nil {
		return errors.New("plugin is nil")
	}
	name := p.Name()
	if name == "" {
		return errors.New("plugin name is required")
	}

	r.mu.RLock()
	exists := r.indexLocked(name) >= 0
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	if err := r.guard(name, "initialize", func() error { return p.Initialize(ctx) }); err != nil {
		r.logger.Warn("plugin initialization failed", slog.String("plugin", name), slogError(err))
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(name) >= 0 {
		_ = r.guard(name, "cleanup", func() error { return p.Cleanup(ctx) })
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.plugins = append(r.plugins, p)
	r.logger.Info("plugin registered",
		slog.String("plugin", name),
		slog.String("version", p.Version()),
		slog.Any("hooks", Hooks(p)))
	return nil
}

// Unregister removes the plugin even if its Cleanup fails.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	idx := r.indexLocked(name)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p := r.plugins[idx]
	r.plugins = append(r.plugins[:idx:idx], r.plugins[idx+1:]...)
	r.mu.Unlock()

	if err := r.guard(name, "cleanup", func() error { return p.Cleanup(ctx) }); err != nil {
		r.logger.Warn("plugin cleanup failed", slog.String("plugin", name), slogError(err))
	}
	return nil
}

// Close unregisters every plugin in reverse order.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	plugins := r.plugins
	r.plugins = nil
	r.mu.Unlock()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := r.guard(p.Name(), "cleanup", func() error { return p.Cleanup(ctx) }); err != nil {
			r.logger.Warn("plugin cleanup failed", slog.String("plugin", p.Name()), slogError(err))
		}
	}
}

func (r *Registry) indexLocked(name string) int {
	for i, p := range r.plugins {
		if p.Name() == name {
			return i
		}
	}
	return -1
}

func (r *Registry) snapshot() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Plugin(nil), r.plugins...)
}

func (r *Registry) Plugins() []Info {
	plugins := r.snapshot()
	out := make([]Info, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, Info{Name: p.Name(), Version: p.Version(), Hooks: Hooks(p)})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// guard runs fn, converting errors and panics into *PluginError.
func (r *Registry) guard(name, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debug("plugin panic", slog.String("plugin", name), slog.String("stack", string(debug.Stack())))
			err = &PluginError{Plugin: name, Op: op, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if err := fn(); err != nil {
		return &PluginError{Plugin: name, Op: op, Err: err}
	}
	return nil
}

// PreprocessAudio chains every AudioPreprocessor. A failing hook is skipped
// and the previous output flows on.
func (r *Registry) PreprocessAudio(ctx context.Context, frame []float32, sampleRate int) []float32 {
	out := frame
	for _, p := range r.snapshot() {
		pre, ok := asPreprocessor(p)
		if !ok {
			continue
		}
		in := append([]float32(nil), out...)
		var next []float32
		err := r.guard(p.Name(), string(HookAudioPreprocess), func() error {
			var err error
			next, err = pre.PreprocessAudio(ctx, in, sampleRate)
			return err
		})
		if err != nil {
			r.logger.Warn("audio preprocess hook failed", slog.String("plugin", p.Name()), slogError(err))
			continue
		}
		if next != nil {
			out = next
		}
	}
	return out
}

// EnhanceResult chains every ResultEnhancer, each receiving a copy.
func (r *Registry) EnhanceResult(ctx context.Context, result stt.Result) stt.Result {
	out := result.Clone()
	for _, p := range r.snapshot() {
		enh, ok := asEnhancer(p)
		if !ok {
			continue
		}
		var next stt.Result
		err := r.guard(p.Name(), string(HookEnhanceResult), func() error {
			var err error
			next, err = enh.EnhanceResult(ctx, out.Clone())
			return err
		})
		if err != nil {
			r.logger.Warn("result enhance hook failed", slog.String("plugin", p.Name()), slogError(err))
			continue
		}
		out = next
	}
	return out
}

// Detection is one detector's opinion.
type Detection struct {
	Plugin     string
	Language   string
	Confidence float64
}

// DetectLanguage returns the most confident opinion across detectors; ties
// keep registration order.
func (r *Registry) DetectLanguage(ctx context.Context, frame []float32, sampleRate int) (Detection, bool) {
	var (
		best  Detection
		found bool
	)
	for _, p := range r.snapshot() {
		det, ok := asDetector(p)
		if !ok {
			continue
		}
		in := append([]float32(nil), frame...)
		var (
			code string
			conf float64
		)
		err := r.guard(p.Name(), string(HookDetectLanguage), func() error {
			var err error
			code, conf, err = det.DetectLanguage(ctx, in, sampleRate)
			return err
		})
		if err != nil {
			r.logger.Warn("language detection hook failed", slog.String("plugin", p.Name()), slogError(err))
			continue
		}
		if code == "" {
			continue
		}
		if !found || conf > best.Confidence {
			best = Detection{Plugin: p.Name(), Language: code, Confidence: conf}
			found = true
		}
	}
	return best, found
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
