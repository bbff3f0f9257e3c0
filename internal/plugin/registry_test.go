package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/matryer/is"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type basePlugin struct {
	name       string
	initErr    error
	cleanupErr error
	cleaned    int
}

func (p *basePlugin) Name() string                     { return p.name }
func (p *basePlugin) Version() string                  { return "1.0.0" }
func (p *basePlugin) Initialize(context.Context) error { return p.initErr }
func (p *basePlugin) Cleanup(context.Context) error {
	p.cleaned++
	return p.cleanupErr
}

type suffixEnhancer struct {
	basePlugin
	suffix string
}

func (p *suffixEnhancer) EnhanceResult(_ context.Context, r stt.Result) (stt.Result, error) {
	r.Transcript += p.suffix
	return r, nil
}

type failingEnhancer struct{ basePlugin }

func (p *failingEnhancer) EnhanceResult(context.Context, stt.Result) (stt.Result, error) {
	return stt.Result{Transcript: "garbage"}, errors.New("model offline")
}

type panickingEnhancer struct{ basePlugin }

func (p *panickingEnhancer) EnhanceResult(context.Context, stt.Result) (stt.Result, error) {
	panic("boom")
}

type mutatingEnhancer struct{ basePlugin }

func (p *mutatingEnhancer) EnhanceResult(_ context.Context, r stt.Result) (stt.Result, error) {
	r.Alternatives[0].Transcript = "mutated"
	return r, errors.New("rejected after mutation")
}

type gain struct {
	basePlugin
	factor float32
	fail   bool
}

func (p *gain) PreprocessAudio(_ context.Context, frame []float32, _ int) ([]float32, error) {
	if p.fail {
		frame[0] = 99
		return nil, errors.New("dsp failure")
	}
	for i := range frame {
		frame[i] *= p.factor
	}
	return frame, nil
}

type detector struct {
	basePlugin
	code string
	conf float64
	err  error
}

func (p *detector) DetectLanguage(context.Context, []float32, int) (string, float64, error) {
	return p.code, p.conf, p.err
}

func TestRegisterValidates(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := NewRegistry(newLogger())

	is.True(r.Register(ctx, nil) != nil)           // nil plugin rejected
	is.True(r.Register(ctx, &basePlugin{}) != nil) // empty name rejected
	is.NoErr(r.Register(ctx, &basePlugin{name: "a"}))

	err := r.Register(ctx, &basePlugin{name: "a"})
	is.True(errors.Is(err, ErrDuplicate)) // duplicate rejected

	failing := &basePlugin{name: "b", initErr: errors.New("no credentials")}
	err = r.Register(ctx, failing)
	var pe *PluginError
	is.True(errors.As(err, &pe)) // init failure surfaces as PluginError
	is.Equal(pe.Plugin, "b")
	is.Equal(r.Len(), 1) // failed plugin not registered
}

func TestUnregisterAlwaysRemoves(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := NewRegistry(newLogger())

	p := &basePlugin{name: "flaky", cleanupErr: errors.New("socket busy")}
	is.NoErr(r.Register(ctx, p))
	is.NoErr(r.Unregister(ctx, "flaky")) // cleanup failure is not propagated
	is.Equal(p.cleaned, 1)
	is.Equal(r.Len(), 0)
	is.True(errors.Is(r.Unregister(ctx, "flaky"), ErrNotFound))
}

func TestEnhanceResultOrderAndIsolation(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := NewRegistry(newLogger())

	is.NoErr(r.Register(ctx, &suffixEnhancer{basePlugin: basePlugin{name: "one"}, suffix: " 1"}))
	is.NoErr(r.Register(ctx, &failingEnhancer{basePlugin{name: "broken"}}))
	is.NoErr(r.Register(ctx, &panickingEnhancer{basePlugin{name: "panics"}}))
	is.NoErr(r.Register(ctx, &suffixEnhancer{basePlugin: basePlugin{name: "two"}, suffix: " 2"}))

	out := r.EnhanceResult(ctx, stt.Result{Transcript: "hello", Confidence: 0.5})
	is.Equal(out.Transcript, "hello 1 2") // broken hooks skipped, order preserved
	is.Equal(out.Confidence, 0.5)
}

func TestEnhanceResultPassesCopies(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := NewRegistry(newLogger())
	is.NoErr(r.Register(ctx, &mutatingEnhancer{basePlugin{name: "mutator"}}))

	in := stt.Result{Transcript: "x", Alternatives: []stt.Alternative{{Transcript: "orig"}}}
	out := r.EnhanceResult(ctx, in)
	is.Equal(in.Alternatives[0].Transcript, "orig")  // caller's result untouched
	is.Equal(out.Alternatives[0].Transcript, "orig") // failed hook contribution dropped
}

func TestPreprocessAudioChains(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := NewRegistry(newLogger())
	is.NoErr(r.Register(ctx, &gain{basePlugin: basePlugin{name: "double"}, factor: 2}))
	is.NoErr(r.Register(ctx, &gain{basePlugin: basePlugin{name: "bad"}, fail: true}))
	is.NoErr(r.Register(ctx, &gain{basePlugin: basePlugin{name: "triple"}, factor: 3}))

	frame := []float32{0.01, 0.02}
	out := r.PreprocessAudio(ctx, frame, 16000)
	is.Equal(frame[0], float32(0.01)) // input not modified
	is.True(out[0] > 0.0599 && out[0] < 0.0601)
	is.True(out[1] > 0.1199 && out[1] < 0.1201)
}

func TestDetectLanguagePicksMostConfident(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := NewRegistry(newLogger())
	is.NoErr(r.Register(ctx, &detector{basePlugin: basePlugin{name: "weak"}, code: "fr", conf: 0.4}))
	is.NoErr(r.Register(ctx, &detector{basePlugin: basePlugin{name: "err"}, code: "ja", conf: 1, err: errors.New("x")}))
	is.NoErr(r.Register(ctx, &detector{basePlugin: basePlugin{name: "strong"}, code: "de", conf: 0.9}))
	is.NoErr(r.Register(ctx, &detector{basePlugin: basePlugin{name: "silent"}}))

	d, ok := r.DetectLanguage(ctx, []float32{0}, 16000)
	is.True(ok)
	is.Equal(d.Language, "de")
	is.Equal(d.Plugin, "strong")
}

func TestPluginsListsHooks(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := NewRegistry(newLogger())
	is.NoErr(r.Register(ctx, &gain{basePlugin: basePlugin{name: "g"}, factor: 1}))
	is.NoErr(r.Register(ctx, &suffixEnhancer{basePlugin: basePlugin{name: "s"}}))

	infos := r.Plugins()
	is.Equal(len(infos), 2)
	is.Equal(infos[0].Hooks, []Hook{HookAudioPreprocess})
	is.Equal(infos[1].Hooks, []Hook{HookEnhanceResult})

	r.Close(ctx)
	is.Equal(r.Len(), 0)
}
