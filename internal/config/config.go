package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	Traces         bool   `yaml:"traces"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Node        NodeConfig        `yaml:"node"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Audio       AudioConfig       `yaml:"audio"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Engine      EngineConfig      `yaml:"engine"`
	Live        LiveConfig        `yaml:"live"`
	Local       LocalConfig       `yaml:"local"`
	Plugins     PluginsConfig     `yaml:"plugins"`
}

// NodeConfig identifies this instance to peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// RemoteAudio subscribes to audio.frame.> and feeds remote frames to
	// the session instead of a local capture device.
	RemoteAudio    bool `yaml:"remote_audio"`
	PublishInterim bool `yaml:"publish_interim"`
}

// EventStoreConfig controls the session journal. Transcript text is never
// journaled.
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	// Source is one of microphone|wav|none.
	Source          string  `yaml:"source"`
	WAVPath         string  `yaml:"wav_path"`
	Realtime        bool    `yaml:"realtime"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	FrameSize       int     `yaml:"frame_size"`
	FFTSize         int     `yaml:"fft_size"`
	CalibrationMS   int     `yaml:"calibration_ms"`
	NoiseReduction  bool    `yaml:"noise_reduction"`
	ReductionLevel  float64 `yaml:"reduction_level"`
	WetMix          float64 `yaml:"wet_mix"`
	MetricsInterval int     `yaml:"metrics_every_frames"`
}

type RecognitionConfig struct {
	Language              string  `yaml:"language"`
	Continuous            bool    `yaml:"continuous"`
	InterimResults        bool    `yaml:"interim_results"`
	MaxAlternatives       int     `yaml:"max_alternatives"`
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
	AutoLanguageDetection bool    `yaml:"auto_language_detection"`
	RealTime              bool    `yaml:"real_time"`
}

type EngineConfig struct {
	Primary             string  `yaml:"primary"`
	Fallback            string  `yaml:"fallback"`
	AutoSelection       bool    `yaml:"auto_selection"`
	OfflineFirst        bool    `yaml:"offline_first"`
	Performance         string  `yaml:"performance"`
	QualityPreference   string  `yaml:"quality_preference"`
	PrivacyMode         bool    `yaml:"privacy_mode"`
	CacheEnabled        bool    `yaml:"cache_enabled"`
	LowConfidenceWindow int     `yaml:"low_confidence_window"`
	LowConfidenceFactor float64 `yaml:"low_confidence_factor"`
	MaxProcessingMS     int     `yaml:"max_processing_ms"`
	ReadyTimeoutMS      int     `yaml:"ready_timeout_ms"`
}

type LiveConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Endpoint            string `yaml:"endpoint"`
	APIKey              string `yaml:"api_key"`
	Offline             bool   `yaml:"offline"`
	DialTimeoutMS       int    `yaml:"dial_timeout_ms"`
	ProbeOnInit         bool   `yaml:"probe_on_init"`
	ReconnectAttempts   int    `yaml:"reconnect_attempts"`
	ReconnectIntervalMS int    `yaml:"reconnect_interval_ms"`
}

type LocalConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Command             string `yaml:"command"`
	ModelDir            string `yaml:"model_dir"`
	DownloadURL         string `yaml:"download_url"`
	DefaultTier         string `yaml:"default_tier"`
	CacheSize           int    `yaml:"cache_size"`
	ChunkMS             int    `yaml:"chunk_ms"`
	TranscribeTimeoutMS int    `yaml:"transcribe_timeout_ms"`
}

type PluginsConfig struct {
	Normalize       bool          `yaml:"normalize"`
	NormalizeTarget float64       `yaml:"normalize_target"`
	WASMDir         string        `yaml:"wasm_dir"`
	Correct         CorrectConfig `yaml:"correct"`
}

// CorrectConfig configures LLM post-correction of final transcripts.
type CorrectConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // ollama, openai, exec
	Endpoint      string  `yaml:"endpoint"`
	Model         string  `yaml:"model"`
	APIKey        string  `yaml:"api_key"`
	Command       string  `yaml:"command"`
	TimeoutMS     int     `yaml:"timeout_ms"`
	MaxConfidence float64 `yaml:"max_confidence"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Node: NodeConfig{
			ID:                "loqa-stt-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			PublishInterim: true,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-stt.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Source:          "microphone",
			Realtime:        true,
			SampleRate:      16000,
			Channels:        1,
			FrameSize:       4096,
			FFTSize:         2048,
			CalibrationMS:   2000,
			NoiseReduction:  true,
			ReductionLevel:  1.0,
			WetMix:          0.8,
			MetricsInterval: 4,
		},
		Recognition: RecognitionConfig{
			Language:            "en",
			Continuous:          true,
			InterimResults:      true,
			MaxAlternatives:     1,
			ConfidenceThreshold: 0.5,
			RealTime:            true,
		},
		Engine: EngineConfig{
			Primary:             "live",
			Fallback:            "local",
			AutoSelection:       true,
			Performance:         "balanced",
			QualityPreference:   "balanced",
			CacheEnabled:        true,
			LowConfidenceWindow: 3,
			LowConfidenceFactor: 0.7,
			MaxProcessingMS:     5000,
			ReadyTimeoutMS:      30000,
		},
		Live: LiveConfig{
			Enabled:             true,
			DialTimeoutMS:       10000,
			ReconnectAttempts:   5,
			ReconnectIntervalMS: 250,
		},
		Local: LocalConfig{
			Enabled:             true,
			Command:             "loqa-whisper",
			ModelDir:            "./models",
			CacheSize:           2,
			ChunkMS:             3000,
			TranscribeTimeoutMS: 45000,
		},
		Plugins: PluginsConfig{
			NormalizeTarget: 0.9,
			Correct: CorrectConfig{
				Mode:          "ollama",
				Endpoint:      "http://localhost:11434",
				Model:         "llama3.2:latest",
				TimeoutMS:     3000,
				MaxConfidence: 0.95,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideBool(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.RemoteAudio, "LOQA_BUS_REMOTE_AUDIO")
	overrideBool(&cfg.Bus.PublishInterim, "LOQA_BUS_PUBLISH_INTERIM")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.WAVPath, "LOQA_AUDIO_WAV_PATH")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameSize, "LOQA_AUDIO_FRAME_SIZE")
	overrideInt(&cfg.Audio.CalibrationMS, "LOQA_AUDIO_CALIBRATION_MS")
	overrideBool(&cfg.Audio.NoiseReduction, "LOQA_AUDIO_NOISE_REDUCTION")
	overrideFloat(&cfg.Audio.ReductionLevel, "LOQA_AUDIO_REDUCTION_LEVEL")
	overrideFloat(&cfg.Audio.WetMix, "LOQA_AUDIO_WET_MIX")
	overrideString(&cfg.Recognition.Language, "LOQA_RECOGNITION_LANGUAGE")
	overrideBool(&cfg.Recognition.InterimResults, "LOQA_RECOGNITION_INTERIM_RESULTS")
	overrideInt(&cfg.Recognition.MaxAlternatives, "LOQA_RECOGNITION_MAX_ALTERNATIVES")
	overrideFloat(&cfg.Recognition.ConfidenceThreshold, "LOQA_RECOGNITION_CONFIDENCE_THRESHOLD")
	overrideBool(&cfg.Recognition.AutoLanguageDetection, "LOQA_RECOGNITION_AUTO_LANGUAGE_DETECTION")
	overrideString(&cfg.Engine.Primary, "LOQA_ENGINE_PRIMARY")
	overrideString(&cfg.Engine.Fallback, "LOQA_ENGINE_FALLBACK")
	overrideBool(&cfg.Engine.AutoSelection, "LOQA_ENGINE_AUTO_SELECTION")
	overrideBool(&cfg.Engine.OfflineFirst, "LOQA_ENGINE_OFFLINE_FIRST")
	overrideString(&cfg.Engine.Performance, "LOQA_ENGINE_PERFORMANCE")
	overrideString(&cfg.Engine.QualityPreference, "LOQA_ENGINE_QUALITY_PREFERENCE")
	overrideBool(&cfg.Engine.PrivacyMode, "LOQA_ENGINE_PRIVACY_MODE")
	overrideBool(&cfg.Engine.CacheEnabled, "LOQA_ENGINE_CACHE_ENABLED")
	overrideInt(&cfg.Engine.MaxProcessingMS, "LOQA_ENGINE_MAX_PROCESSING_MS")
	overrideBool(&cfg.Live.Enabled, "LOQA_LIVE_ENABLED")
	overrideString(&cfg.Live.Endpoint, "LOQA_LIVE_ENDPOINT")
	overrideString(&cfg.Live.APIKey, "LOQA_LIVE_API_KEY")
	overrideBool(&cfg.Live.Offline, "LOQA_LIVE_OFFLINE")
	overrideBool(&cfg.Local.Enabled, "LOQA_LOCAL_ENABLED")
	overrideString(&cfg.Local.Command, "LOQA_LOCAL_COMMAND")
	overrideString(&cfg.Local.ModelDir, "LOQA_LOCAL_MODEL_DIR")
	overrideString(&cfg.Local.DownloadURL, "LOQA_LOCAL_DOWNLOAD_URL")
	overrideString(&cfg.Local.DefaultTier, "LOQA_LOCAL_DEFAULT_TIER")
	overrideBool(&cfg.Plugins.Normalize, "LOQA_PLUGINS_NORMALIZE")
	overrideString(&cfg.Plugins.WASMDir, "LOQA_PLUGINS_WASM_DIR")
	overrideBool(&cfg.Plugins.Correct.Enabled, "LOQA_PLUGINS_CORRECT_ENABLED")
	overrideString(&cfg.Plugins.Correct.Mode, "LOQA_PLUGINS_CORRECT_MODE")
	overrideString(&cfg.Plugins.Correct.Endpoint, "LOQA_PLUGINS_CORRECT_ENDPOINT")
	overrideString(&cfg.Plugins.Correct.Model, "LOQA_PLUGINS_CORRECT_MODEL")
	overrideString(&cfg.Plugins.Correct.APIKey, "LOQA_PLUGINS_CORRECT_API_KEY")
	overrideString(&cfg.Plugins.Correct.Command, "LOQA_PLUGINS_CORRECT_COMMAND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Audio.Source {
	case "microphone", "none":
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when source=wav")
		}
	default:
		return errors.New("audio.source must be one of microphone|wav|none")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FFTSize > 0 && cfg.Audio.FFTSize&(cfg.Audio.FFTSize-1) != 0 {
		return errors.New("audio.fft_size must be a power of two")
	}
	if cfg.Audio.WetMix < 0 || cfg.Audio.WetMix > 1 {
		return errors.New("audio.wet_mix must be within [0,1]")
	}
	if cfg.Recognition.ConfidenceThreshold < 0 || cfg.Recognition.ConfidenceThreshold > 1 {
		return errors.New("recognition.confidence_threshold must be within [0,1]")
	}
	if cfg.Recognition.MaxAlternatives < 0 {
		return errors.New("recognition.max_alternatives must be >= 0")
	}
	if !cfg.Live.Enabled && !cfg.Local.Enabled {
		return errors.New("at least one of live.enabled or local.enabled must be set")
	}
	for name, kind := range map[string]string{"engine.primary": cfg.Engine.Primary, "engine.fallback": cfg.Engine.Fallback} {
		switch kind {
		case "live", "local", "":
		default:
			return fmt.Errorf("%s must be one of live|local", name)
		}
	}
	switch cfg.Engine.Performance {
	case "speed", "balanced", "accuracy", "resource_saving", "":
	default:
		return errors.New("engine.performance must be one of speed|balanced|accuracy|resource_saving")
	}
	if cfg.Engine.LowConfidenceFactor < 0 || cfg.Engine.LowConfidenceFactor > 1 {
		return errors.New("engine.low_confidence_factor must be within [0,1]")
	}
	if cfg.Local.Enabled && cfg.Local.Command == "" {
		return errors.New("local.command must be set when the local backend is enabled")
	}
	if cfg.Plugins.Correct.Enabled {
		switch cfg.Plugins.Correct.Mode {
		case "ollama", "openai":
			if cfg.Plugins.Correct.Mode == "ollama" && cfg.Plugins.Correct.Endpoint == "" {
				return errors.New("plugins.correct.endpoint must be set when mode=ollama")
			}
		case "exec":
			if cfg.Plugins.Correct.Command == "" {
				return errors.New("plugins.correct.command must be set when mode=exec")
			}
		default:
			return errors.New("plugins.correct.mode must be one of ollama|openai|exec")
		}
	}
	return nil
}
