package wasm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/plugin"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

// echoModule exports memory, alloc (always 1024) and echo, which returns
// its input unchanged as ptr<<32|len.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32)->i32, (i32,i32)->i64
	0x01, 0x0c, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	// functions
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory: one page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports: memory, alloc, echo
	0x07, 0x19, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x04, 'e', 'c', 'h', 'o', 0x00, 0x01,
	// code
	0x0a, 0x14, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x0c, 0x00, 0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b,
}

const echoManifest = `metadata:
  name: %s
  version: 0.1.0
  description: returns its input
  author: test
runtime:
  mode: wasm
  module: %s
  host_version: v1
hooks:
  - kind: enhance-result
    export: echo
  - kind: audio-preprocess
    export: echo
`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writePlugin(t *testing.T, root, name, module string, wasmBytes []byte) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if wasmBytes != nil {
		if err := os.WriteFile(filepath.Join(dir, module), wasmBytes, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	manifest := fmt.Sprintf(echoManifest, name, module)
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx, newLogger())
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func TestEchoPluginThroughRegistry(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugin(t, root, "echo", "echo.wasm", echoModule)

	plugins, err := newRuntime(t).LoadDir(ctx, root)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(plugins) != 1 {
		t.Fatalf("expected one plugin, got %d", len(plugins))
	}

	reg := plugin.NewRegistry(newLogger())
	if err := reg.Register(ctx, plugins[0]); err != nil {
		t.Fatalf("register: %v", err)
	}
	defer reg.Close(ctx)

	info := reg.Plugins()[0]
	if len(info.Hooks) != 2 || info.Hooks[0] != plugin.HookAudioPreprocess || info.Hooks[1] != plugin.HookEnhanceResult {
		t.Fatalf("unexpected hooks %v", info.Hooks)
	}

	in := stt.Result{Transcript: "turn on the lights", Confidence: 0.75, IsFinal: true, Language: "en"}
	out := reg.EnhanceResult(ctx, in)
	if out.Transcript != in.Transcript || out.Confidence != in.Confidence || out.Language != "en" {
		t.Fatalf("echo changed result: %+v", out)
	}

	frame := []float32{0.25, -0.5, 0.125}
	got := reg.PreprocessAudio(ctx, frame, 16000)
	if len(got) != len(frame) {
		t.Fatalf("unexpected frame length %d", len(got))
	}
	for i := range frame {
		if got[i] != frame[i] {
			t.Fatalf("sample %d changed: %v != %v", i, got[i], frame[i])
		}
	}

	if _, ok := reg.DetectLanguage(ctx, frame, 16000); ok {
		t.Fatal("undeclared detect-language hook must not run")
	}
}

func TestLoadDirReportsBrokenPlugins(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugin(t, root, "a-good", "echo.wasm", echoModule)
	writePlugin(t, root, "b-missing", "missing.wasm", nil)

	plugins, err := newRuntime(t).LoadDir(ctx, root)
	if err == nil {
		t.Fatal("expected error for missing module")
	}
	if len(plugins) != 1 || plugins[0].Name() != "a-good" {
		t.Fatalf("expected the valid plugin to load, got %d", len(plugins))
	}
}

func TestHookCallBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePlugin(t, root, "echo", "echo.wasm", echoModule)
	m, err := LoadManifest(filepath.Join(root, "echo", ManifestFile))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	p, err := newRuntime(t).Compile(ctx, m)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := p.EnhanceResult(ctx, stt.Result{}); err == nil {
		t.Fatal("expected error before initialize")
	}
}

func TestValidateManifest(t *testing.T) {
	valid := Manifest{
		Metadata: Metadata{Name: "x", Version: "1"},
		Runtime:  RuntimeSpec{Mode: "wasm", Module: "x.wasm"},
		Hooks:    []HookSpec{{Kind: plugin.HookEnhanceResult, Export: "enhance"}},
	}
	if err := Validate(valid); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cases := map[string]func(*Manifest){
		"missing name":   func(m *Manifest) { m.Metadata.Name = "" },
		"python runtime": func(m *Manifest) { m.Runtime.Mode = "python" },
		"no hooks":       func(m *Manifest) { m.Hooks = nil },
		"unknown hook":   func(m *Manifest) { m.Hooks = []HookSpec{{Kind: "transcode", Export: "x"}} },
		"missing export": func(m *Manifest) { m.Hooks = []HookSpec{{Kind: plugin.HookEnhanceResult}} },
		"duplicate hook": func(m *Manifest) { m.Hooks = append(m.Hooks, m.Hooks[0]) },
	}
	for name, mutate := range cases {
		m := valid
		m.Hooks = append([]HookSpec(nil), valid.Hooks...)
		mutate(&m)
		if err := Validate(m); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
