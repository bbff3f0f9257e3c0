package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/runtime"
)

var version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:   "loqa-stt",
	Short: "Local-first speech recognition with live and on-device backends",
	Long: `loqa-stt captures audio, routes it to a live streaming recognizer or a
local model and switches between them as conditions change.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recognition daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Telemetry, os.Stdout)
		logger.Info("starting loqa-stt",
			slog.String("version", version),
			slog.String("environment", cfg.Environment))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runtime.New(cfg, logger).Start(ctx); err != nil {
			logger.Error("runtime exited with error", slog.String("error", err.Error()))
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json|text), overrides configuration")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error), overrides configuration")

	rootCmd.AddCommand(versionCmd, serveCmd, transcribeCmd, languagesCmd, modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Telemetry.LogFormat = format
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Telemetry.LogLevel = level
	}
	return cfg, nil
}

func setupLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
