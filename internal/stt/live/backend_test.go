package live

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recognizer is a scripted websocket peer.
type recognizer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	starts   []envelope
	controls []envelope
	frames   int

	connections atomic.Int32
	// dropSessions closes this many sessions right after their start message.
	dropSessions atomic.Int32
	// rejectAfter refuses upgrades once this many sessions were accepted.
	rejectAfter atomic.Int32
}

func (r *recognizer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if limit := r.rejectAfter.Load(); limit > 0 && r.connections.Load() >= limit {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	r.connections.Add(1)

	var start envelope
	if err := conn.ReadJSON(&start); err != nil {
		return
	}
	r.mu.Lock()
	r.starts = append(r.starts, start)
	r.mu.Unlock()
	if r.dropSessions.Add(-1) >= 0 {
		return
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			r.mu.Lock()
			r.frames++
			r.mu.Unlock()
			_ = conn.WriteJSON(envelope{Type: typeResult, Transcript: "hello", Confidence: 0.8, Final: true, Language: "en-US", ProcessingMS: 120})
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		r.mu.Lock()
		r.controls = append(r.controls, env)
		r.mu.Unlock()
		switch env.Type {
		case typeStop:
			return
		case typeConfigure:
			_ = conn.WriteJSON(envelope{Type: typeLanguage, Language: env.Language, Confidence: 0.9})
		}
	}
}

func (r *recognizer) controlTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.controls {
		out = append(out, c.Type+":"+c.Language)
	}
	return out
}

type events struct {
	stt.NopHandler
	results   chan stt.Result
	errs      chan error
	languages chan string
}

func newEvents() *events {
	return &events{
		results:   make(chan stt.Result, 8),
		errs:      make(chan error, 8),
		languages: make(chan string, 8),
	}
}

func (e *events) HandleResult(r stt.Result)                     { e.results <- r }
func (e *events) HandleError(err error)                         { e.errs <- err }
func (e *events) HandleLanguageDetected(code string, _ float64) { e.languages <- code }

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func startServer(t *testing.T) (*recognizer, string) {
	t.Helper()
	rec := &recognizer{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return rec, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newBackend(t *testing.T, endpoint string) (*Backend, *events) {
	t.Helper()
	b := New(Config{
		Endpoint:          endpoint,
		InterimResults:    true,
		ReconnectAttempts: 2,
		ReconnectInterval: 10 * time.Millisecond,
	}, nil, newLogger())
	ev := newEvents()
	b.SetHandler(ev)
	t.Cleanup(func() { _ = b.Dispose(context.Background()) })
	return b, ev
}

func TestAvailability(t *testing.T) {
	if New(Config{}, nil, newLogger()).Available() {
		t.Fatal("backend without endpoint should be unavailable")
	}
	if New(Config{Endpoint: "ws://example", Offline: true}, nil, newLogger()).Available() {
		t.Fatal("offline backend should be unavailable")
	}
	var initErr *stt.EngineInitError
	if err := New(Config{}, nil, newLogger()).Initialize(context.Background(), "en"); !errors.As(err, &initErr) {
		t.Fatalf("expected EngineInitError, got %v", err)
	}
}

func TestInitializeRejectsUnsupportedLanguage(t *testing.T) {
	_, endpoint := startServer(t)
	b, _ := newBackend(t, endpoint)

	err := b.Initialize(context.Background(), "fa")
	var notSupported *stt.LanguageNotSupportedError
	if !errors.As(err, &notSupported) {
		t.Fatalf("expected LanguageNotSupportedError, got %v", err)
	}
	if b.SupportsLanguage("fa") || !b.SupportsLanguage("en") {
		t.Fatal("unexpected language support")
	}
}

func TestStreamingSession(t *testing.T) {
	srv, endpoint := startServer(t)
	b, ev := newBackend(t, endpoint)
	ctx := context.Background()

	if err := b.Initialize(ctx, "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := b.StartListening(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.StartListening(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := b.Feed(ctx, make([]float32, 320)); err != nil {
		t.Fatalf("feed: %v", err)
	}

	res := receive(t, ev.results)
	if res.Transcript != "hello" || !res.IsFinal || res.Language != "en" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Metadata.BackendUsed != stt.KindLive || res.Metadata.ProcessingTime != 120*time.Millisecond {
		t.Fatalf("unexpected metadata %+v", res.Metadata)
	}

	srv.mu.Lock()
	start := srv.starts[0]
	srv.mu.Unlock()
	if start.Type != typeStart || start.Language != "en-US" || start.SampleRate != 16000 || !start.Interim {
		t.Fatalf("unexpected start envelope %+v", start)
	}

	if err := b.SetLanguage(ctx, "de"); err != nil {
		t.Fatalf("set language: %v", err)
	}
	if got := receive(t, ev.languages); got != "de" {
		t.Fatalf("expected detected de, got %q", got)
	}

	if err := b.StopListening(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if b.Listening() {
		t.Fatal("expected stopped")
	}
	if err := b.StopListening(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := srv.controlTypes(); len(got) < 1 || got[0] != "configure:de-DE" {
		t.Fatalf("unexpected control messages %v", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv, endpoint := startServer(t)
	srv.dropSessions.Store(1)
	b, ev := newBackend(t, endpoint)
	ctx := context.Background()

	if err := b.Initialize(ctx, "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := b.StartListening(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := receive(t, ev.errs)
	if !stt.IsRecoverable(err) {
		t.Fatalf("expected recoverable error, got %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for srv.connections.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("backend did not reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !b.Listening() {
		t.Fatal("expected session to stay open after reconnect")
	}
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	srv, endpoint := startServer(t)
	srv.dropSessions.Store(100)
	srv.rejectAfter.Store(1)
	b, ev := newBackend(t, endpoint)
	ctx := context.Background()

	if err := b.Initialize(ctx, "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := b.StartListening(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := receive(t, ev.errs); !stt.IsRecoverable(err) {
		t.Fatalf("expected recoverable error first, got %v", err)
	}
	if err := receive(t, ev.errs); !errors.Is(err, stt.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if b.Listening() {
		t.Fatal("expected listening to end after fatal error")
	}
}
