package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-stt/internal/plugin/wasm"
)

var version = "0.1.0-dev"

func main() {
	var (
		manifestPath string
		compile      bool
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", wasm.ManifestFile, "Path to plugin manifest")
	validateCmd.BoolVar(&compile, "compile", false, "Also compile the referenced wasm module")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(manifestPath, compile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string, compile bool) error {
	m, err := wasm.LoadManifest(path)
	if err != nil {
		return err
	}
	if err := wasm.Validate(m); err != nil {
		return err
	}
	if !compile {
		return nil
	}
	ctx := context.Background()
	rt, err := wasm.New(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	_, err = rt.Compile(ctx, m)
	return err
}
