package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

// backendHandler tags events with the backend that raised them so events
// from an inactive backend can be dropped.
type backendHandler struct {
	engine *Engine
	kind   stt.Kind
}

func (h *backendHandler) HandleResult(r stt.Result) { h.engine.handleResult(h.kind, r) }
func (h *backendHandler) HandleError(err error)     { h.engine.handleError(h.kind, err) }

func (h *backendHandler) HandleMetrics(m audio.Metrics) {
	if h.engine.isActive(h.kind) {
		h.engine.events.AudioMetrics.Publish(m)
	}
}

func (h *backendHandler) HandleLanguageDetected(code string, confidence float64) {
	if h.engine.isActive(h.kind) {
		h.engine.publishLanguage(code, confidence, h.kind.String())
	}
}

func (h *backendHandler) HandleModelProgress(p stt.ModelProgress) {
	if p.Backend == "" {
		p.Backend = h.kind
	}
	h.engine.events.ModelProgress.Publish(p)
}

// handleResult runs one backend result through normalization, the enhance
// hooks and statistics before emitting it.
func (e *Engine) handleResult(kind stt.Kind, raw stt.Result) {
	if !e.isActive(kind) {
		e.logger.Debug("dropping result from inactive backend", slog.String("backend", kind.String()))
		return
	}
	r := e.normalize(kind, raw.Clone())
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if e.plugins != nil {
		r = e.normalize(kind, e.plugins.EnhanceResult(e.ctx, r))
	}

	e.stats.recordResult(r)
	e.tel.recordResult(e.ctx, r)
	e.events.Result.Publish(r)
	e.evaluate(kind, r)
}

func (e *Engine) normalize(kind stt.Kind, r stt.Result) stt.Result {
	r.Confidence = clamp01(r.Confidence)
	r.Language = e.normalizeLanguage(r.Language)
	r.Metadata.BackendUsed = kind
	for i := range r.Alternatives {
		r.Alternatives[i].Confidence = clamp01(r.Alternatives[i].Confidence)
	}
	return r
}

// evaluate applies the re-evaluation triggers to a final result.
func (e *Engine) evaluate(kind stt.Kind, r stt.Result) {
	if !r.IsFinal {
		return
	}
	e.mu.Lock()
	floor := e.cfg.LowConfidenceFactor * e.recognition.ConfidenceThreshold
	if r.Confidence < floor {
		e.lowStreak++
	} else {
		e.lowStreak = 0
	}
	var reason string
	switch {
	case r.Metadata.ProcessingTime > e.cfg.MaxProcessingTime:
		reason = "slow processing"
	case e.lowStreak >= e.cfg.LowConfidenceWindow:
		reason = "low confidence"
	}
	if reason != "" {
		e.lowStreak = 0
	}
	e.mu.Unlock()
	if reason == "" {
		return
	}

	e.stats.recordConsidered()
	e.logger.Info("backend re-evaluation triggered",
		slog.String("backend", kind.String()),
		slog.String("reason", reason),
		slog.Float64("confidence", r.Confidence),
		slog.Duration("processing_time", r.Metadata.ProcessingTime))
	if e.cfg.AutoEngineSelection {
		e.considerSwitch(kind, reason)
	}
}

func (e *Engine) handleError(kind stt.Kind, err error) {
	if err == nil {
		return
	}
	if !e.isActive(kind) {
		e.logger.Debug("dropping error from inactive backend", slog.String("backend", kind.String()), slogError(err))
		return
	}
	recoverable := stt.IsRecoverable(err)
	e.stats.recordError()
	e.tel.recordError(e.ctx, kind, recoverable)
	e.events.Error.Publish(ErrorEvent{Backend: kind, Err: err, Recoverable: recoverable})

	if !recoverable {
		e.halt(kind, err)
		return
	}
	if e.cfg.AutoEngineSelection {
		e.considerSwitch(kind, "recoverable error")
	}
}

// halt ends listening after a fatal backend error.
func (e *Engine) halt(kind stt.Kind, cause error) {
	e.mu.Lock()
	if !e.listening || e.active == nil || e.active.Kind() != kind {
		e.mu.Unlock()
		return
	}
	b := e.active
	lang := e.language
	e.listening = false
	e.state = StateReady
	e.lowStreak = 0
	e.mu.Unlock()

	e.logger.Error("fatal backend error, listening stopped", slog.String("backend", kind.String()), slogError(cause))
	e.goAsync(func(ctx context.Context) {
		if err := b.StopListening(ctx); err != nil {
			e.logger.Debug("stop after fatal error", slogError(err))
		}
	})
	e.events.Stop.Publish(ListeningEvent{Backend: kind, Language: lang, At: time.Now()})
}
