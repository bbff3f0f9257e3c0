// Package wasm runs recognition plugins compiled to WebAssembly.
//
// A guest exports its linear memory, an alloc(size i32) i32 function and
// one function per declared hook with the signature (ptr i32, len i32) i64.
// The host writes the hook input at a pointer obtained from alloc and the
// guest returns ptr<<32|len of its output; a zero length means "unchanged".
// Guests may import env.host_log(ptr i32, len i32) and WASI.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Runtime wraps a wazero runtime shared by every plugin.
type Runtime struct {
	rt     wazero.Runtime
	logger *slog.Logger
}

func New(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "wasm-plugins"))
	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, logger); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Runtime{rt: rt, logger: logger}, nil
}

// Close releases the runtime and every module compiled with it.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Compile validates the manifest and compiles its module. The plugin is
// instantiated by Initialize when registered.
func (r *Runtime) Compile(ctx context.Context, m Manifest) (*Plugin, error) {
	if r == nil || r.rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	if err := Validate(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	wasmBytes, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	return &Plugin{manifest: m, runtime: r, compiled: compiled}, nil
}

// LoadDir compiles every <dir>/*/plugin.yaml in name order. Broken plugins
// are skipped and reported in the joined error.
func (r *Runtime) LoadDir(ctx context.Context, dir string) ([]*Plugin, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*", ManifestFile))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var (
		plugins []*Plugin
		errs    []error
	)
	for _, path := range paths {
		m, err := LoadManifest(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", path, err))
			continue
		}
		p, err := r.Compile(ctx, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", path, err))
			continue
		}
		r.logger.Info("wasm plugin compiled", slog.String("plugin", m.Metadata.Name), slog.String("path", path))
		plugins = append(plugins, p)
	}
	return plugins, errors.Join(errs...)
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory", slog.String("plugin", mod.Name()))
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: out of range read",
				slog.String("plugin", mod.Name()),
				slog.Uint64("ptr", uint64(ptr)),
				slog.Uint64("len", uint64(length)))
			return
		}
		logger.Info("plugin log", slog.String("plugin", mod.Name()), slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")
	_, err := builder.Instantiate(ctx)
	return err
}
