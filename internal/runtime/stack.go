package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/language"
	"github.com/loqalabs/loqa-stt/internal/plugin"
	"github.com/loqalabs/loqa-stt/internal/plugin/builtin"
	"github.com/loqalabs/loqa-stt/internal/plugin/correct"
	"github.com/loqalabs/loqa-stt/internal/plugin/wasm"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/stt/live"
	"github.com/loqalabs/loqa-stt/internal/stt/local"
)

// Stack is the recognition pipeline assembled from configuration. The
// engine owns the backends; Close releases the plugins.
type Stack struct {
	Languages *language.Registry
	Plugins   *plugin.Registry
	Engine    *engine.Engine
	Processor *audio.Processor

	wasm   *wasm.Runtime
	logger *slog.Logger
}

// NewStack builds the language registry, backends, plugins, engine and
// audio processor. The processor is nil when audio.source is none.
func NewStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stack, error) {
	s := &Stack{
		Languages: language.NewRegistry(),
		Plugins:   plugin.NewRegistry(logger),
		logger:    logger,
	}

	deps := engine.Deps{Languages: s.Languages, Plugins: s.Plugins, Logger: logger}
	if cfg.Live.Enabled {
		deps.Live = live.New(liveConfig(cfg), s.Languages, logger)
	}
	if cfg.Local.Enabled {
		b, err := newLocalBackend(cfg, s.Languages, logger)
		if err != nil {
			return nil, err
		}
		deps.Local = b
	}

	ecfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	e, err := engine.New(ecfg, recognitionConfig(cfg), deps)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	s.Engine = e

	proc, err := newProcessor(cfg, logger)
	if err == nil {
		err = s.registerPlugins(ctx, cfg)
	}
	if err != nil {
		_ = e.Dispose(ctx)
		s.Close(ctx)
		return nil, err
	}
	s.Processor = proc
	return s, nil
}

// Close releases plugins and the wasm runtime. Backends are released by
// disposing the engine.
func (s *Stack) Close(ctx context.Context) {
	s.Plugins.Close(ctx)
	if err := s.wasm.Close(ctx); err != nil {
		s.logger.Warn("failed to close wasm runtime", slogError(err))
	}
}

func liveConfig(cfg config.Config) live.Config {
	lc := live.DefaultConfig()
	lc.Endpoint = cfg.Live.Endpoint
	lc.APIKey = cfg.Live.APIKey
	lc.Offline = cfg.Live.Offline || cfg.Engine.PrivacyMode
	lc.InterimResults = cfg.Recognition.InterimResults
	lc.MaxAlternatives = cfg.Recognition.MaxAlternatives
	lc.SampleRate = cfg.Audio.SampleRate
	lc.DialTimeout = millis(cfg.Live.DialTimeoutMS)
	lc.ProbeOnInit = cfg.Live.ProbeOnInit
	if cfg.Live.ReconnectAttempts > 0 {
		lc.ReconnectAttempts = uint(cfg.Live.ReconnectAttempts)
	}
	lc.ReconnectInterval = millis(cfg.Live.ReconnectIntervalMS)
	return lc
}

func newLocalBackend(cfg config.Config, reg *language.Registry, logger *slog.Logger) (*local.Backend, error) {
	loader, err := local.NewExecLoader(local.ExecConfig{
		Command:     cfg.Local.Command,
		ModelDir:    cfg.Local.ModelDir,
		DownloadURL: cfg.Local.DownloadURL,
		Client:      &http.Client{Timeout: 10 * time.Minute},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create model loader: %w", err)
	}

	lc := local.DefaultConfig()
	lc.DefaultTier = local.ForPreference(cfg.Engine.QualityPreference)
	if cfg.Local.DefaultTier != "" {
		tier, err := local.ParseTier(cfg.Local.DefaultTier)
		if err != nil {
			return nil, err
		}
		lc.DefaultTier = tier
	}
	lc.SampleRate = cfg.Audio.SampleRate
	lc.ChunkDuration = millis(cfg.Local.ChunkMS)
	lc.TranscribeTimeout = millis(cfg.Local.TranscribeTimeoutMS)
	lc.CacheEnabled = cfg.Engine.CacheEnabled
	lc.CacheSize = cfg.Local.CacheSize

	b, err := local.New(lc, loader, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("create local backend: %w", err)
	}
	return b, nil
}

func (s *Stack) registerPlugins(ctx context.Context, cfg config.Config) error {
	if cfg.Plugins.Normalize {
		if err := s.Plugins.Register(ctx, builtin.NewNormalize(cfg.Plugins.NormalizeTarget)); err != nil {
			return fmt.Errorf("register normalize plugin: %w", err)
		}
	}

	if dir := strings.TrimSpace(cfg.Plugins.WASMDir); dir != "" {
		rt, err := wasm.New(ctx, s.logger)
		if err != nil {
			return fmt.Errorf("create wasm runtime: %w", err)
		}
		s.wasm = rt
		plugins, err := rt.LoadDir(ctx, dir)
		if err != nil {
			s.logger.Warn("some wasm plugins failed to load", slogError(err))
		}
		for _, p := range plugins {
			if err := s.Plugins.Register(ctx, p); err != nil {
				s.logger.Warn("failed to register wasm plugin", slog.String("plugin", p.Name()), slogError(err))
			}
		}
	}

	if cfg.Plugins.Correct.Enabled {
		corrector, err := newCorrector(cfg.Plugins.Correct)
		if err != nil {
			return err
		}
		ccfg := correct.DefaultConfig()
		if cfg.Plugins.Correct.TimeoutMS > 0 {
			ccfg.Timeout = millis(cfg.Plugins.Correct.TimeoutMS)
		}
		ccfg.MinConfidence = cfg.Recognition.ConfidenceThreshold * cfg.Engine.LowConfidenceFactor
		ccfg.MaxConfidence = cfg.Plugins.Correct.MaxConfidence
		p := correct.NewPlugin("llm-correct", corrector, ccfg, s.logger)
		if err := s.Plugins.Register(ctx, p); err != nil {
			return fmt.Errorf("register correction plugin: %w", err)
		}
	}
	return nil
}

func newCorrector(cfg config.CorrectConfig) (correct.Corrector, error) {
	switch cfg.Mode {
	case "ollama":
		return correct.NewOllama(cfg.Endpoint, cfg.Model, &http.Client{}), nil
	case "openai":
		return correct.NewOpenAI(cfg.APIKey, cfg.Endpoint, cfg.Model), nil
	case "exec":
		return correct.NewExec(cfg.Command)
	}
	return nil, fmt.Errorf("unknown correction mode %q", cfg.Mode)
}

func engineConfig(cfg config.Config) (engine.Config, error) {
	ec := engine.DefaultConfig()
	ec.AutoEngineSelection = cfg.Engine.AutoSelection
	ec.OfflineFirst = cfg.Engine.OfflineFirst
	ec.QualityPreference = cfg.Engine.QualityPreference
	ec.PrivacyMode = cfg.Engine.PrivacyMode
	ec.CacheEnabled = cfg.Engine.CacheEnabled
	if cfg.Engine.LowConfidenceWindow > 0 {
		ec.LowConfidenceWindow = cfg.Engine.LowConfidenceWindow
	}
	if cfg.Engine.LowConfidenceFactor > 0 {
		ec.LowConfidenceFactor = cfg.Engine.LowConfidenceFactor
	}
	if cfg.Engine.MaxProcessingMS > 0 {
		ec.MaxProcessingTime = millis(cfg.Engine.MaxProcessingMS)
	}
	if cfg.Engine.ReadyTimeoutMS > 0 {
		ec.ReadyTimeout = millis(cfg.Engine.ReadyTimeoutMS)
	}
	if cfg.Engine.Primary != "" {
		k, err := stt.ParseKind(cfg.Engine.Primary)
		if err != nil {
			return ec, err
		}
		ec.Primary = k
	}
	if cfg.Engine.Fallback != "" {
		k, err := stt.ParseKind(cfg.Engine.Fallback)
		if err != nil {
			return ec, err
		}
		ec.Fallback = k
	}
	if cfg.Engine.Performance != "" {
		p, err := engine.ParsePreference(cfg.Engine.Performance)
		if err != nil {
			return ec, err
		}
		ec.Performance = p
	}
	return ec, nil
}

func recognitionConfig(cfg config.Config) stt.Config {
	rc := stt.DefaultConfig()
	rc.Language = cfg.Recognition.Language
	rc.Continuous = cfg.Recognition.Continuous
	rc.InterimResults = cfg.Recognition.InterimResults
	rc.MaxAlternatives = cfg.Recognition.MaxAlternatives
	rc.ConfidenceThreshold = cfg.Recognition.ConfidenceThreshold
	rc.NoiseReduction = cfg.Audio.NoiseReduction
	rc.AutoLanguageDetection = cfg.Recognition.AutoLanguageDetection
	rc.RealTime = cfg.Recognition.RealTime
	return rc
}

// newProcessor opens nothing yet; the device is acquired by Initialize.
func newProcessor(cfg config.Config, logger *slog.Logger) (*audio.Processor, error) {
	var dev audio.Device
	switch cfg.Audio.Source {
	case "none":
		return nil, nil
	case "wav":
		dev = audio.NewWAVDevice(cfg.Audio.WAVPath, cfg.Audio.Realtime)
	case "microphone":
		dev = audio.NewPortAudioDevice()
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Audio.Source)
	}
	return audio.NewProcessor(processorConfig(cfg), dev, logger), nil
}

func processorConfig(cfg config.Config) audio.Config {
	ac := audio.DefaultConfig()
	ac.SampleRate = cfg.Audio.SampleRate
	ac.Channels = cfg.Audio.Channels
	if cfg.Audio.FrameSize > 0 {
		ac.FrameSize = cfg.Audio.FrameSize
	}
	if cfg.Audio.FFTSize > 0 {
		ac.FFTSize = cfg.Audio.FFTSize
	}
	ac.CalibrationDuration = millis(cfg.Audio.CalibrationMS)
	ac.ReductionLevel = cfg.Audio.ReductionLevel
	ac.WetMix = cfg.Audio.WetMix
	return ac
}

// InitializeAudio acquires the configured device. WAV sources are probed so
// the processor matches the file's format.
func (s *Stack) InitializeAudio(ctx context.Context, cfg config.Config) error {
	if s.Processor == nil {
		return nil
	}
	c := audio.Constraints{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels, FrameSize: cfg.Audio.FrameSize}
	if cfg.Audio.Source == "wav" {
		rate, channels, err := audio.NewWAVDevice(cfg.Audio.WAVPath, false).Probe()
		if err != nil {
			return err
		}
		c.SampleRate, c.Channels = rate, channels
	}
	if err := s.Processor.Initialize(ctx, c); err != nil {
		return fmt.Errorf("initialize audio: %w", err)
	}
	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
