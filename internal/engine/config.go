package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateListening
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateSwitching:
		return "switching"
	default:
		return "uninitialized"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Preference steers backend selection.
type Preference string

const (
	PreferSpeed          Preference = "speed"
	PreferBalanced       Preference = "balanced"
	PreferAccuracy       Preference = "accuracy"
	PreferResourceSaving Preference = "resource_saving"
)

func ParsePreference(s string) (Preference, error) {
	p := Preference(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return PreferBalanced, nil
	case PreferSpeed, PreferBalanced, PreferAccuracy, PreferResourceSaving:
		return p, nil
	}
	return "", fmt.Errorf("performance preference %q must be one of speed|balanced|accuracy|resource_saving", s)
}

// Config is fixed at construction.
type Config struct {
	Primary             stt.Kind
	Fallback            stt.Kind
	AutoEngineSelection bool
	OfflineFirst        bool
	// QualityPreference picks the Local-model default tier; it does not
	// affect backend selection.
	QualityPreference string
	Performance       Preference
	PrivacyMode       bool
	CacheEnabled      bool

	// LowConfidenceWindow consecutive final results below
	// LowConfidenceFactor*ConfidenceThreshold trigger a switch.
	LowConfidenceWindow int
	LowConfidenceFactor float64
	// MaxProcessingTime on a single final result triggers a switch.
	MaxProcessingTime time.Duration
	// ReadyTimeout bounds the wait for a lazily loaded backend during a
	// switch.
	ReadyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Primary:             stt.KindLive,
		Fallback:            stt.KindLocal,
		AutoEngineSelection: true,
		Performance:         PreferBalanced,
		CacheEnabled:        true,
		LowConfidenceWindow: 3,
		LowConfidenceFactor: 0.7,
		MaxProcessingTime:   5 * time.Second,
		ReadyTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Primary == "" {
		c.Primary = def.Primary
	}
	if c.Fallback == "" {
		c.Fallback = c.Primary.Other()
	}
	if c.Performance == "" {
		c.Performance = def.Performance
	}
	if c.LowConfidenceWindow <= 0 {
		c.LowConfidenceWindow = def.LowConfidenceWindow
	}
	if c.LowConfidenceFactor <= 0 {
		c.LowConfidenceFactor = def.LowConfidenceFactor
	}
	if c.MaxProcessingTime <= 0 {
		c.MaxProcessingTime = def.MaxProcessingTime
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	return c
}

func (c Config) Validate() error {
	if _, err := stt.ParseKind(string(c.Primary)); err != nil {
		return fmt.Errorf("primary backend: %w", err)
	}
	if _, err := stt.ParseKind(string(c.Fallback)); err != nil {
		return fmt.Errorf("fallback backend: %w", err)
	}
	if _, err := ParsePreference(string(c.Performance)); err != nil {
		return err
	}
	if c.LowConfidenceFactor > 1 {
		return errors.New("low confidence factor must be <= 1")
	}
	return nil
}
