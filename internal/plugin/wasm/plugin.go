package wasm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/loqalabs/loqa-stt/internal/plugin"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

var errNotInstantiated = errors.New("wasm plugin not initialized")

// Plugin adapts a compiled guest module to the plugin hook interfaces. Only
// the hooks listed in the manifest are reported to the registry.
type Plugin struct {
	manifest Manifest
	runtime  *Runtime
	compiled wazero.CompiledModule

	mu      sync.Mutex
	module  api.Module
	alloc   api.Function
	dealloc api.Function
	exports map[plugin.Hook]api.Function
}

func (p *Plugin) Name() string    { return p.manifest.Metadata.Name }
func (p *Plugin) Version() string { return p.manifest.Metadata.Version }

func (p *Plugin) Manifest() Manifest { return p.manifest }

func (p *Plugin) DeclaredHooks() []plugin.Hook {
	out := make([]plugin.Hook, 0, len(p.manifest.Hooks))
	for _, h := range p.manifest.Hooks {
		out = append(out, h.Kind)
	}
	return out
}

// Initialize instantiates the module and resolves its exports.
func (p *Plugin) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.module != nil {
		return nil
	}
	cfg := wazero.NewModuleConfig().
		WithName(p.manifest.Metadata.Name).
		WithStartFunctions("_initialize")
	for k, v := range p.manifest.Env {
		cfg = cfg.WithEnv(k, v)
	}
	module, err := p.runtime.rt.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return fmt.Errorf("instantiate module: %w", err)
	}
	fail := func(err error) error {
		_ = module.Close(ctx)
		return err
	}
	if module.Memory() == nil {
		return fail(fmt.Errorf("module does not export memory"))
	}
	alloc := module.ExportedFunction("alloc")
	if alloc == nil {
		return fail(fmt.Errorf("module does not export alloc"))
	}
	exports := make(map[plugin.Hook]api.Function, len(p.manifest.Hooks))
	for _, h := range p.manifest.Hooks {
		fn := module.ExportedFunction(h.Export)
		if fn == nil {
			return fail(fmt.Errorf("hook %s: export %q not found", h.Kind, h.Export))
		}
		exports[h.Kind] = fn
	}
	p.module = module
	p.alloc = alloc
	p.dealloc = module.ExportedFunction("dealloc")
	p.exports = exports
	return nil
}

// Cleanup closes the module instance; the compiled code stays cached until
// the runtime closes.
func (p *Plugin) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.module == nil {
		return nil
	}
	err := p.module.Close(ctx)
	p.module = nil
	p.exports = nil
	return err
}

// call passes input to the hook export and returns a copy of its output,
// nil when the guest reports no change.
func (p *Plugin) call(ctx context.Context, hook plugin.Hook, input []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.module == nil {
		return nil, errNotInstantiated
	}
	fn, ok := p.exports[hook]
	if !ok {
		return nil, fmt.Errorf("hook %s not declared", hook)
	}
	mem := p.module.Memory()

	var inPtr uint32
	if len(input) > 0 {
		res, err := p.alloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("alloc: %w", err)
		}
		inPtr = api.DecodeU32(res[0])
		if !mem.Write(inPtr, input) {
			return nil, fmt.Errorf("write input: out of range (ptr=%d len=%d)", inPtr, len(input))
		}
	}

	res, err := fn.Call(ctx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hook, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%s: no return value", hook)
	}
	outPtr, outLen := uint32(res[0]>>32), uint32(res[0])
	if outLen == 0 {
		p.free(ctx, inPtr, len(input))
		return nil, nil
	}
	data, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("read output: out of range (ptr=%d len=%d)", outPtr, outLen)
	}
	out := append([]byte(nil), data...)
	p.free(ctx, inPtr, len(input))
	if outPtr != inPtr {
		p.free(ctx, outPtr, int(outLen))
	}
	return out, nil
}

func (p *Plugin) free(ctx context.Context, ptr uint32, n int) {
	if p.dealloc == nil || n == 0 {
		return
	}
	_, _ = p.dealloc.Call(ctx, uint64(ptr), uint64(n))
}

func (p *Plugin) PreprocessAudio(ctx context.Context, frame []float32, _ int) ([]float32, error) {
	out, err := p.call(ctx, plugin.HookAudioPreprocess, encodeSamples(frame))
	if err != nil || out == nil {
		return nil, err
	}
	return decodeSamples(out)
}

// resultPayload is the JSON shape exchanged with enhance-result hooks.
type resultPayload struct {
	Transcript   string            `json:"transcript"`
	Confidence   float64           `json:"confidence"`
	IsFinal      bool              `json:"is_final"`
	Language     string            `json:"language"`
	Alternatives []stt.Alternative `json:"alternatives,omitempty"`
}

func (p *Plugin) EnhanceResult(ctx context.Context, result stt.Result) (stt.Result, error) {
	payload := resultPayload{
		Transcript:   result.Transcript,
		Confidence:   result.Confidence,
		IsFinal:      result.IsFinal,
		Language:     result.Language,
		Alternatives: result.Alternatives,
	}
	in, err := json.Marshal(payload)
	if err != nil {
		return result, err
	}
	out, err := p.call(ctx, plugin.HookEnhanceResult, in)
	if err != nil || out == nil {
		return result, err
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return result, fmt.Errorf("decode enhance-result output: %w", err)
	}
	result.Transcript = payload.Transcript
	result.Confidence = payload.Confidence
	result.Language = payload.Language
	result.Alternatives = payload.Alternatives
	return result, nil
}

type detectionPayload struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

func (p *Plugin) DetectLanguage(ctx context.Context, frame []float32, _ int) (string, float64, error) {
	out, err := p.call(ctx, plugin.HookDetectLanguage, encodeSamples(frame))
	if err != nil || out == nil {
		return "", 0, err
	}
	var d detectionPayload
	if err := json.Unmarshal(out, &d); err != nil {
		return "", 0, fmt.Errorf("decode detect-language output: %w", err)
	}
	return d.Language, d.Confidence, nil
}

// encodeSamples lays samples out as little-endian IEEE-754 float32.
func encodeSamples(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func decodeSamples(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("sample payload not aligned (%d bytes)", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
