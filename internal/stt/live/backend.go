// Package live streams audio to a remote recognizer over a websocket.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/language"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

type Config struct {
	Endpoint string
	APIKey   string
	// Offline forces the backend unavailable regardless of endpoint.
	Offline           bool
	InterimResults    bool
	MaxAlternatives   int
	SampleRate        int
	DialTimeout       time.Duration
	ProbeOnInit       bool
	ReconnectAttempts uint
	ReconnectInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		InterimResults:    true,
		MaxAlternatives:   1,
		SampleRate:        16000,
		DialTimeout:       10 * time.Second,
		ReconnectAttempts: 5,
		ReconnectInterval: 250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	return c
}

// envelope is the JSON control message exchanged with the recognizer.
// Audio travels separately as binary int16 little-endian frames.
type envelope struct {
	Type            string            `json:"type"`
	Language        string            `json:"language,omitempty"`
	Interim         bool              `json:"interim,omitempty"`
	SampleRate      int               `json:"sample_rate,omitempty"`
	MaxAlternatives int               `json:"max_alternatives,omitempty"`
	Transcript      string            `json:"transcript,omitempty"`
	Confidence      float64           `json:"confidence,omitempty"`
	Final           bool              `json:"final,omitempty"`
	Alternatives    []stt.Alternative `json:"alternatives,omitempty"`
	ProcessingMS    float64           `json:"processing_ms,omitempty"`
	Message         string            `json:"message,omitempty"`
	Fatal           bool              `json:"fatal,omitempty"`
}

const (
	typeStart     = "start"
	typeConfigure = "configure"
	typeStop      = "stop"
	typeResult    = "result"
	typeLanguage  = "language"
	typeError     = "error"
)

// Backend is the low-latency online recognizer adapter.
type Backend struct {
	cfg      Config
	registry *language.Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	handler      stt.Handler
	language     string
	initialized  bool
	listening    bool
	disposed     bool
	conn         *websocket.Conn
	listenCancel context.CancelFunc

	writeMu sync.Mutex
}

func New(cfg Config, registry *language.Registry, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = language.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		cfg:      cfg.withDefaults(),
		registry: registry,
		logger:   logger.With(slog.String("component", "stt-live")),
		handler:  stt.NopHandler{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *Backend) Kind() stt.Kind { return stt.KindLive }

func (b *Backend) SetHandler(h stt.Handler) {
	if h == nil {
		h = stt.NopHandler{}
	}
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Backend) currentHandler() stt.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *Backend) Available() bool {
	return b.cfg.Endpoint != "" && !b.cfg.Offline
}

func (b *Backend) Initialize(ctx context.Context, hint string) error {
	if !b.Available() {
		reason := "no endpoint configured"
		if b.cfg.Offline {
			reason = "offline mode"
		}
		return &stt.EngineInitError{Backend: stt.KindLive, Reason: reason}
	}
	u, err := url.Parse(b.cfg.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return &stt.EngineInitError{Backend: stt.KindLive, Reason: "endpoint must be a ws:// or wss:// url", Err: err}
	}

	code := hint
	if hint != "" {
		canonical, ok := b.registry.Canonical(hint)
		if !ok || !b.SupportsLanguage(canonical) {
			return &stt.EngineInitError{
				Backend: stt.KindLive,
				Reason:  "unsupported language",
				Err:     &stt.LanguageNotSupportedError{Backend: stt.KindLive, Language: hint},
			}
		}
		code = canonical
	}

	if b.cfg.ProbeOnInit {
		probeCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
		conn, err := b.dial(probeCtx)
		cancel()
		if err != nil {
			return &stt.EngineInitError{Backend: stt.KindLive, Reason: "endpoint unreachable", Err: err}
		}
		_ = conn.Close()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return &stt.EngineInitError{Backend: stt.KindLive, Reason: "backend disposed"}
	}
	b.language = code
	b.initialized = true
	return nil
}

func (b *Backend) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = b.cfg.DialTimeout
	header := http.Header{}
	if b.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	conn, resp, err := dialer.DialContext(ctx, b.cfg.Endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(fmt.Errorf("dial %s: %s", b.cfg.Endpoint, resp.Status))
		}
		return nil, fmt.Errorf("dial %s: %w", b.cfg.Endpoint, err)
	}
	return conn, nil
}

func (b *Backend) startEnvelope() envelope {
	b.mu.Lock()
	lang := b.language
	b.mu.Unlock()
	native, _ := b.registry.NativeCode(language.BackendLive, lang)
	return envelope{
		Type:            typeStart,
		Language:        native,
		Interim:         b.cfg.InterimResults,
		SampleRate:      b.cfg.SampleRate,
		MaxAlternatives: b.cfg.MaxAlternatives,
	}
}

// connect dials and opens a recognition session, retrying with exponential
// backoff up to ReconnectAttempts.
func (b *Backend) connect(ctx context.Context) (*websocket.Conn, error) {
	op := func() (*websocket.Conn, error) {
		conn, err := b.dial(ctx)
		if err != nil {
			return nil, err
		}
		if err := conn.WriteJSON(b.startEnvelope()); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("send start: %w", err)
		}
		return conn, nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.ReconnectInterval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(b.cfg.ReconnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("live connect failed, retrying", slogError(err), slog.Duration("backoff", next))
		}),
	)
}

func (b *Backend) StartListening(ctx context.Context) error {
	b.mu.Lock()
	if b.listening {
		b.mu.Unlock()
		b.logger.Warn("start requested while already listening")
		return nil
	}
	if !b.initialized || b.disposed {
		b.mu.Unlock()
		return stt.ErrNotReady
	}
	b.mu.Unlock()

	conn, err := b.connect(ctx)
	if err != nil {
		return fmt.Errorf("open live session: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		_ = conn.Close()
		return stt.ErrNotReady
	}
	listenCtx, cancel := context.WithCancel(b.ctx)
	b.conn = conn
	b.listening = true
	b.listenCancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.readLoop(listenCtx, conn)
	}()
	b.logger.Info("live session started", slog.String("language", b.language))
	return nil
}

func (b *Backend) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env envelope
		err := conn.ReadJSON(&env)
		if err == nil {
			b.dispatch(env)
			continue
		}

		b.mu.Lock()
		intentional := b.conn != conn || !b.listening
		b.mu.Unlock()
		if intentional {
			return
		}

		handler := b.currentHandler()
		handler.HandleError(stt.Transient(stt.KindLive, "read", err))
		b.logger.Warn("live connection lost, reconnecting", slogError(err))

		next, cerr := b.connect(ctx)
		b.mu.Lock()
		if cerr != nil {
			stillOurs := b.conn == conn && b.listening
			if stillOurs {
				b.listening = false
				b.conn = nil
			}
			b.mu.Unlock()
			if stillOurs && ctx.Err() == nil {
				handler.HandleError(stt.Fatal(stt.KindLive, "reconnect", cerr))
			}
			return
		}
		if b.conn != conn || !b.listening {
			b.mu.Unlock()
			_ = next.Close()
			return
		}
		b.conn = next
		b.mu.Unlock()
		_ = conn.Close()
		conn = next
		b.logger.Info("live connection restored")
	}
}

func (b *Backend) dispatch(env envelope) {
	handler := b.currentHandler()
	switch env.Type {
	case typeResult:
		handler.HandleResult(stt.Result{
			Transcript:   env.Transcript,
			Confidence:   env.Confidence,
			IsFinal:      env.Final,
			Timestamp:    time.Now(),
			Language:     b.resultLanguage(env.Language),
			Alternatives: env.Alternatives,
			Metadata: stt.Metadata{
				ProcessingTime: time.Duration(env.ProcessingMS * float64(time.Millisecond)),
				BackendUsed:    stt.KindLive,
			},
		})
	case typeLanguage:
		if lang, ok := b.registry.LookupNative(language.BackendLive, env.Language); ok {
			handler.HandleLanguageDetected(lang.Code, env.Confidence)
		} else if code, ok := b.registry.Canonical(env.Language); ok {
			handler.HandleLanguageDetected(code, env.Confidence)
		}
	case typeError:
		err := errors.New(env.Message)
		if env.Fatal {
			handler.HandleError(stt.Fatal(stt.KindLive, "recognize", err))
		} else {
			handler.HandleError(stt.Transient(stt.KindLive, "recognize", err))
		}
	default:
		b.logger.Debug("ignoring live message", slog.String("type", env.Type))
	}
}

func (b *Backend) resultLanguage(native string) string {
	if native != "" {
		if lang, ok := b.registry.LookupNative(language.BackendLive, native); ok {
			return lang.Code
		}
		if code, ok := b.registry.Canonical(native); ok {
			return code
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.language
}

func (b *Backend) write(conn *websocket.Conn, fn func(*websocket.Conn) error) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return fn(conn)
}

func (b *Backend) activeConn() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.listening {
		return nil
	}
	return b.conn
}

// Feed sends one frame. Frames arriving while not listening are dropped.
func (b *Backend) Feed(_ context.Context, frame []float32) error {
	conn := b.activeConn()
	if conn == nil {
		return nil
	}
	payload := audio.Float32ToPCM16(frame)
	err := b.write(conn, func(c *websocket.Conn) error {
		return c.WriteMessage(websocket.BinaryMessage, payload)
	})
	if err != nil {
		return stt.Transient(stt.KindLive, "send audio", err)
	}
	return nil
}

func (b *Backend) StopListening(context.Context) error {
	b.mu.Lock()
	if !b.listening {
		b.mu.Unlock()
		return nil
	}
	conn := b.conn
	cancel := b.listenCancel
	b.listening = false
	b.conn = nil
	b.listenCancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	_ = b.write(conn, func(c *websocket.Conn) error {
		if err := c.WriteJSON(envelope{Type: typeStop}); err != nil {
			return err
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		return c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})
	if err := conn.Close(); err != nil {
		b.logger.Debug("close live connection", slogError(err))
	}
	b.logger.Info("live session stopped")
	return nil
}

func (b *Backend) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

// SetLanguage updates the session language, reconfiguring an open session.
func (b *Backend) SetLanguage(_ context.Context, code string) error {
	canonical, ok := b.registry.Canonical(code)
	if !ok {
		return &stt.LanguageNotSupportedError{Backend: stt.KindLive, Language: code}
	}
	native, ok := b.registry.NativeCode(language.BackendLive, canonical)
	if !ok {
		return &stt.LanguageNotSupportedError{Backend: stt.KindLive, Language: code}
	}
	b.mu.Lock()
	b.language = canonical
	b.mu.Unlock()

	conn := b.activeConn()
	if conn == nil {
		return nil
	}
	err := b.write(conn, func(c *websocket.Conn) error {
		return c.WriteJSON(envelope{Type: typeConfigure, Language: native})
	})
	if err != nil {
		return stt.Transient(stt.KindLive, "configure", err)
	}
	return nil
}

func (b *Backend) SupportsLanguage(code string) bool {
	_, ok := b.registry.NativeCode(language.BackendLive, code)
	return ok
}

func (b *Backend) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		OfflineCapable:         false,
		RealTimeCapable:        true,
		AccuracyTier:           3,
		SupportedLanguageCount: len(b.registry.Supported(language.BackendLive)),
	}
}

func (b *Backend) Dispose(ctx context.Context) error {
	err := b.StopListening(ctx)
	b.mu.Lock()
	b.disposed = true
	b.initialized = false
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
