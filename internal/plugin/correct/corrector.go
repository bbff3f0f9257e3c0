// Package correct post-edits final transcripts with a language model.
package correct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Corrector rewrites a transcript. An empty answer keeps the input.
type Corrector interface {
	Correct(ctx context.Context, transcript, language string) (string, error)
}

const systemPrompt = "You fix speech recognition mistakes. Reply with the corrected transcript only, " +
	"in the same language, without quotes or commentary. Keep the wording when it is already correct."

func prompt(transcript, language string) string {
	return fmt.Sprintf("Language: %s\nTranscript: %s", language, transcript)
}

// Config controls which results are sent for correction.
type Config struct {
	Timeout       time.Duration
	MinConfidence float64
	MaxConfidence float64
}

func DefaultConfig() Config {
	return Config{Timeout: 3 * time.Second, MaxConfidence: 0.95}
}

// Plugin applies a Corrector to final results whose confidence falls within
// [MinConfidence, MaxConfidence]. The original transcript is kept as an
// alternative.
type Plugin struct {
	name      string
	corrector Corrector
	cfg       Config
	logger    *slog.Logger
}

func NewPlugin(name string, corrector Corrector, cfg Config, logger *slog.Logger) *Plugin {
	if name == "" {
		name = "llm-correct"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxConfidence <= 0 {
		cfg.MaxConfidence = 1
	}
	return &Plugin{
		name:      name,
		corrector: corrector,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "correct"), slog.String("plugin", name)),
	}
}

func (p *Plugin) Name() string    { return p.name }
func (p *Plugin) Version() string { return "1.0.0" }

func (p *Plugin) Initialize(context.Context) error {
	if p.corrector == nil {
		return errors.New("corrector not configured")
	}
	return nil
}

func (p *Plugin) Cleanup(context.Context) error { return nil }

func (p *Plugin) EnhanceResult(ctx context.Context, result stt.Result) (stt.Result, error) {
	original := strings.TrimSpace(result.Transcript)
	if !result.IsFinal || original == "" {
		return result, nil
	}
	if result.Confidence < p.cfg.MinConfidence || result.Confidence > p.cfg.MaxConfidence {
		return result, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	start := time.Now()
	corrected, err := p.corrector.Correct(callCtx, original, result.Language)
	if err != nil {
		return result, fmt.Errorf("correct transcript: %w", err)
	}
	corrected = clean(corrected)
	if corrected == "" || corrected == original {
		return result, nil
	}
	p.logger.Debug("transcript corrected",
		slog.String("language", result.Language),
		slog.Duration("latency", time.Since(start)))

	result.Alternatives = append([]stt.Alternative{{Transcript: original, Confidence: result.Confidence}}, result.Alternatives...)
	result.Transcript = corrected
	return result, nil
}

// clean strips the quoting and labels models tend to add.
func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Transcript:")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}
