package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/runtime"
	"github.com/loqalabs/loqa-stt/internal/session"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file.wav>",
	Short: "Transcribe a WAV file and print the final results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyTranscribeFlags(cmd, &cfg, args[0]); err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		// Logs go to stderr so stdout carries only transcripts.
		logger := setupLogger(cfg.Telemetry, cmd.ErrOrStderr())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return transcribe(ctx, cfg, logger, cmd.OutOrStdout(), asJSON)
	},
}

func init() {
	transcribeCmd.Flags().String("language", "", "Recognition language code")
	transcribeCmd.Flags().String("backend", "", "Force a backend (live|local) and disable automatic selection")
	transcribeCmd.Flags().String("tier", "", "Local model tier")
	transcribeCmd.Flags().Bool("json", false, "Print results as JSON lines")
	transcribeCmd.Flags().Duration("timeout", 10*time.Minute, "Give up after this long")
}

// applyTranscribeFlags points the configuration at path and disables every
// long-lived surface.
func applyTranscribeFlags(cmd *cobra.Command, cfg *config.Config, path string) error {
	rate, channels, err := audio.NewWAVDevice(path, false).Probe()
	if err != nil {
		return err
	}
	cfg.Audio.Source = "wav"
	cfg.Audio.WAVPath = path
	cfg.Audio.Realtime = false
	cfg.Audio.SampleRate = rate
	cfg.Audio.Channels = channels
	// Calibration would consume the start of the file.
	cfg.Audio.CalibrationMS = 0
	cfg.HTTP.Enabled = false
	cfg.Bus.Enabled = false

	if lang, _ := cmd.Flags().GetString("language"); lang != "" {
		cfg.Recognition.Language = lang
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		if _, err := stt.ParseKind(backend); err != nil {
			return err
		}
		cfg.Engine.Primary = backend
		cfg.Engine.Fallback = string(stt.Kind(backend).Other())
		cfg.Engine.AutoSelection = false
	}
	if tier, _ := cmd.Flags().GetString("tier"); tier != "" {
		cfg.Local.DefaultTier = tier
	}
	return nil
}

func transcribe(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer, asJSON bool) error {
	stack, err := runtime.NewStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close(context.Background())
	if err := stack.InitializeAudio(ctx, cfg); err != nil {
		_ = stack.Engine.Dispose(ctx)
		return err
	}

	s, err := session.New(session.Config{ReadyTimeout: time.Duration(cfg.Engine.ReadyTimeoutMS) * time.Millisecond}, session.Deps{
		Engine:    stack.Engine,
		Processor: stack.Processor,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(context.Background()); err != nil {
			logger.Warn("session close failed", slog.String("error", err.Error()))
		}
	}()

	var (
		mu      sync.Mutex
		printed int
		failure error
	)
	enc := json.NewEncoder(out)
	events := stack.Engine.Events()
	unsubResult := events.Result.Subscribe(func(r stt.Result) {
		if !r.IsFinal || r.Transcript == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		printed++
		if asJSON {
			_ = enc.Encode(protocol.Transcript{
				SessionID:    s.ID(),
				Text:         r.Transcript,
				Timestamp:    r.Timestamp.UTC(),
				Confidence:   r.Confidence,
				Language:     r.Language,
				Backend:      r.Metadata.BackendUsed.String(),
				ProcessingMS: r.Metadata.ProcessingTime.Milliseconds(),
			})
			return
		}
		fmt.Fprintln(out, r.Transcript)
	})
	defer unsubResult()
	unsubError := events.Error.Subscribe(func(e engine.ErrorEvent) {
		logger.Warn("recognition error",
			slog.String("backend", e.Backend.String()),
			slog.Bool("recoverable", e.Recoverable),
			slog.String("error", e.Err.Error()))
		if !e.Recoverable {
			mu.Lock()
			failure = e.Err
			mu.Unlock()
		}
	})
	defer unsubError()

	if err := s.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.Capturing() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if err := s.Stop(ctx); err != nil {
		return err
	}
	if err := stack.Engine.Drain(ctx); err != nil {
		return fmt.Errorf("wait for pending results: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if failure != nil {
		return failure
	}
	if printed == 0 {
		logger.Info("no speech recognized", slog.String("file", cfg.Audio.WAVPath))
	}
	return nil
}
