package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

// ErrSwitchSuperseded is returned to a queued switch request replaced by a
// newer one before it started.
var ErrSwitchSuperseded = errors.New("switch request superseded")

// SwitchFailedError reports that neither the switch target nor the
// previously active backend could be started. The engine is left Ready.
type SwitchFailedError struct {
	From      stt.Kind
	To        stt.Kind
	StartErr  error
	RevertErr error
}

func (e *SwitchFailedError) Error() string {
	return fmt.Sprintf("switch %s -> %s failed: start: %v; revert: %v", e.From, e.To, e.StartErr, e.RevertErr)
}

func (e *SwitchFailedError) Unwrap() []error { return []error{e.StartErr, e.RevertErr} }

type switchRequest struct {
	ctx    context.Context
	target stt.Kind
	reason string
	done   chan error
}

// switchQueue runs one switch at a time and holds at most one waiting
// request.
type switchQueue struct {
	mu      sync.Mutex
	running bool
	pending *switchRequest
}

// enqueue reports whether the caller should run req itself. Otherwise req
// replaces any pending request.
func (q *switchQueue) enqueue(req *switchRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		q.running = true
		return true
	}
	if q.pending != nil {
		q.pending.done <- ErrSwitchSuperseded
	}
	q.pending = req
	return false
}

// next hands over the pending request, or marks the queue idle.
func (q *switchQueue) next() *switchRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	req := q.pending
	q.pending = nil
	if req == nil {
		q.running = false
	}
	return req
}

func (q *switchQueue) cancelPending(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending != nil {
		q.pending.done <- err
		q.pending = nil
	}
}

// SwitchEngine makes target the active backend, carrying the listening
// state over. When target cannot start, the previous backend is restarted
// once; SwitchFailedError is returned only if that fails too.
func (e *Engine) SwitchEngine(ctx context.Context, target stt.Kind, reason string) error {
	if _, ok := e.backends[target]; !ok {
		return fmt.Errorf("%s backend not configured", target)
	}
	req := &switchRequest{ctx: ctx, target: target, reason: reason, done: make(chan error, 1)}
	if !e.switches.enqueue(req) {
		select {
		case err := <-req.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := e.switchTo(ctx, target, reason)
	for next := e.switches.next(); next != nil; next = e.switches.next() {
		if cerr := next.ctx.Err(); cerr != nil {
			next.done <- cerr
			continue
		}
		next.done <- e.switchTo(next.ctx, next.target, next.reason)
	}
	return err
}

func (e *Engine) switchTo(ctx context.Context, target stt.Kind, reason string) (err error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	prior := e.active
	if prior == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if prior.Kind() == target {
		e.mu.Unlock()
		return nil
	}
	next := e.backends[target]
	wasListening := e.listening
	lang := e.language
	if wasListening {
		e.state = StateSwitching
	}
	e.mu.Unlock()

	ctx, span := e.tel.tracer.Start(ctx, "engine.switch", trace.WithAttributes(
		attribute.String("from", prior.Kind().String()),
		attribute.String("to", target.String()),
		attribute.String("reason", reason),
		attribute.Bool("listening", wasListening)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if wasListening {
		if serr := prior.StopListening(ctx); serr != nil {
			e.logger.Warn("stop before switch failed", slog.String("backend", prior.Kind().String()), slogError(serr))
		}
	}

	e.setActive(next)
	startErr := e.activate(ctx, next, lang, wasListening)
	if startErr == nil {
		e.finishSwitch(ctx, prior.Kind(), target, reason, wasListening)
		return nil
	}

	e.logger.Warn("switch target failed, reverting",
		slog.String("from", prior.Kind().String()),
		slog.String("to", target.String()),
		slogError(startErr))
	e.setActive(prior)
	revertErr := e.activate(ctx, prior, lang, wasListening)
	if revertErr == nil {
		e.mu.Lock()
		if wasListening {
			e.state = StateListening
		} else {
			e.state = StateReady
		}
		e.mu.Unlock()
		e.stats.recordError()
		e.events.Error.Publish(ErrorEvent{Backend: target, Err: startErr, Recoverable: true})
		return nil
	}

	e.mu.Lock()
	e.listening = false
	e.state = StateReady
	e.mu.Unlock()
	if wasListening {
		e.events.Stop.Publish(ListeningEvent{Backend: prior.Kind(), Language: lang, At: time.Now()})
	}
	return &SwitchFailedError{From: prior.Kind(), To: target, StartErr: startErr, RevertErr: revertErr}
}

func (e *Engine) setActive(b stt.Backend) {
	e.mu.Lock()
	e.active = b
	e.lowStreak = 0
	e.mu.Unlock()
}

// activate prepares b for lang and starts it when start is set. Backends
// that load asynchronously are waited on for up to ReadyTimeout.
func (e *Engine) activate(ctx context.Context, b stt.Backend, lang string, start bool) error {
	if err := e.prepare(ctx, b, lang); err != nil {
		return err
	}
	if !start {
		return nil
	}
	if r, ok := b.(stt.Readier); ok {
		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadyTimeout)
		err := r.WaitReady(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("wait for %s backend: %w", b.Kind(), err)
		}
	}
	return b.StartListening(ctx)
}

// prepare initializes b on first use and aligns its language afterwards.
func (e *Engine) prepare(ctx context.Context, b stt.Backend, lang string) error {
	e.mu.Lock()
	have, ok := e.prepared[b.Kind()]
	e.mu.Unlock()
	switch {
	case !ok:
		if err := b.Initialize(ctx, lang); err != nil {
			return err
		}
	case have != lang:
		if err := b.SetLanguage(ctx, lang); err != nil {
			return err
		}
	default:
		return nil
	}
	e.mu.Lock()
	e.prepared[b.Kind()] = lang
	e.mu.Unlock()
	return nil
}

func (e *Engine) finishSwitch(ctx context.Context, from, to stt.Kind, reason string, listening bool) {
	e.mu.Lock()
	if listening {
		e.listening = true
		e.state = StateListening
	} else {
		e.state = StateReady
	}
	e.mu.Unlock()

	e.stats.recordSwitch()
	e.tel.recordSwitch(ctx, from, to, reason)
	e.logger.Info("backend switched",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	e.events.BackendSwitched.Publish(SwitchEvent{From: from, To: to, Reason: reason, At: time.Now()})
}

// considerSwitch schedules a background switch away from kind when the
// alternate backend can serve the current language.
func (e *Engine) considerSwitch(from stt.Kind, reason string) {
	target := from.Other()
	alt, ok := e.backends[target]
	if !ok || !alt.Available() {
		e.logger.Debug("no alternate backend to switch to", slog.String("reason", reason))
		return
	}
	lang := e.Language()
	if !alt.SupportsLanguage(lang) {
		e.logger.Info("alternate backend does not cover language, staying",
			slog.String("backend", target.String()),
			slog.String("language", lang),
			slog.String("reason", reason))
		return
	}
	e.goAsync(func(ctx context.Context) {
		err := e.SwitchEngine(ctx, target, reason)
		if err != nil && !errors.Is(err, ErrSwitchSuperseded) && !errors.Is(err, ErrDisposed) {
			e.logger.Warn("automatic switch failed", slog.String("to", target.String()), slogError(err))
		}
	})
}
