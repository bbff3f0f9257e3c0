// Package session runs one recognition session: it feeds captured or
// remote audio through the processor into the engine and forwards engine
// events to the bus and the session journal.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/xid"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/protocol"
)

// Publisher sends JSON events to the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Subscriber delivers remote audio frames.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Journal records session history.
type Journal interface {
	StartSession(ctx context.Context, sessionID, language, backend string) error
	EndSession(ctx context.Context, sessionID string) error
	AppendJSON(ctx context.Context, sessionID, eventType, backend string, payload any) error
}

type Config struct {
	NoiseReduction bool
	PublishInterim bool
	// MetricsEvery publishes audio metrics every n captured frames; 0
	// disables them.
	MetricsEvery int
	// ReadyTimeout bounds the wait for a loading model before listening
	// starts. Zero starts immediately, failing while the model loads.
	ReadyTimeout time.Duration
}

type Deps struct {
	Engine    *engine.Engine
	Processor *audio.Processor
	Publisher Publisher
	Journal   Journal
	Logger    *slog.Logger
}

// Session owns the wiring between one engine and its audio source.
type Session struct {
	id        string
	cfg       Config
	engine    *engine.Engine
	processor *audio.Processor
	publisher Publisher
	journal   Journal
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	unsubs  []func()
	remote  *nats.Subscription
	started bool
	frames  uint64
}

func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Engine == nil {
		return nil, errors.New("session requires an engine")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := xid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		cfg:       cfg,
		engine:    deps.Engine,
		processor: deps.Processor,
		publisher: deps.Publisher,
		journal:   deps.Journal,
		logger:    logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.subscribe()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Engine() *engine.Engine { return s.engine }

// Start initializes the engine when needed, begins listening and starts
// capture when a processor is attached.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.engine.State() == engine.StateUninitialized {
		if err := s.engine.Initialize(ctx); err != nil {
			s.setStarted(false)
			return fmt.Errorf("initialize engine: %w", err)
		}
	}
	if s.journal != nil {
		if err := s.journal.StartSession(ctx, s.id, s.engine.Language(), s.engine.ActiveBackend().String()); err != nil {
			s.logger.Warn("journal session start failed", slogError(err))
		}
	}
	if s.cfg.ReadyTimeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
		err := s.engine.WaitReady(waitCtx)
		cancel()
		if err != nil {
			s.setStarted(false)
			return fmt.Errorf("wait for model: %w", err)
		}
	}
	if err := s.engine.StartListening(ctx); err != nil {
		s.setStarted(false)
		return err
	}
	if s.processor != nil {
		if err := s.processor.StartRecording(s.ctx, s.handleFrame); err != nil {
			s.setStarted(false)
			_ = s.engine.StopListening(ctx)
			return fmt.Errorf("start recording: %w", err)
		}
	}
	s.logger.Info("session started",
		slog.String("backend", s.engine.ActiveBackend().String()),
		slog.String("language", s.engine.Language()))
	return nil
}

func (s *Session) setStarted(v bool) {
	s.mu.Lock()
	s.started = v
	s.mu.Unlock()
}

// Capturing reports whether the attached processor still delivers frames.
func (s *Session) Capturing() bool {
	return s.processor != nil && s.processor.Recording()
}

// Stop ends capture and listening. The engine stays initialized.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	remote := s.remote
	s.remote = nil
	s.mu.Unlock()

	var errs []error
	if remote != nil {
		if err := remote.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe remote audio: %w", err))
		}
	}
	if s.processor != nil {
		if err := s.processor.StopRecording(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.engine.StopListening(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.journal != nil {
		if err := s.journal.EndSession(ctx, s.id); err != nil {
			s.logger.Warn("journal session end failed", slogError(err))
		}
	}
	s.logger.Info("session stopped", slog.Uint64("frames", s.frameCount()))
	return errors.Join(errs...)
}

// Close stops the session and releases the engine and processor.
func (s *Session) Close(ctx context.Context) error {
	stopErr := s.Stop(ctx)
	s.cancel()
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	errs := []error{stopErr, s.engine.Dispose(ctx)}
	if s.processor != nil {
		errs = append(errs, s.processor.Close())
	}
	return errors.Join(errs...)
}

// IngestRemote feeds frames published on audio.frame.> into the session.
func (s *Session) IngestRemote(sub Subscriber) error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	nsub, err := sub.Subscribe(subject, s.handleRemote)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.remote = nsub
	s.mu.Unlock()
	s.logger.Info("remote audio ingest enabled", slog.String("subject", subject))
	return nil
}

func (s *Session) handleFrame(f audio.Frame) {
	samples := f.Samples
	if s.cfg.NoiseReduction && s.processor != nil && s.processor.Calibrated() {
		samples = s.processor.ApplyNoiseReduction(samples)
	}
	if err := s.engine.ProcessAudio(s.ctx, samples, f.SampleRate); err != nil {
		s.logger.Debug("process audio failed", slogError(err))
	}
	n := s.countFrame()
	if s.cfg.MetricsEvery > 0 && n%uint64(s.cfg.MetricsEvery) == 0 {
		s.engine.PublishMetrics(f.Metrics)
	}
}

func (s *Session) handleRemote(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	samples, err := audio.PCM16ToFloat32(frame.PCM)
	if err != nil {
		s.logger.Warn("invalid audio frame", slog.String("remote_session", frame.SessionID), slogError(err))
		return
	}
	if frame.Channels > 1 {
		samples = audio.Downmix(samples, frame.Channels)
	}
	if len(samples) > 0 {
		s.handleFrame(audio.Frame{
			Samples:    samples,
			SampleRate: frame.SampleRate,
			Sequence:   uint64(frame.Sequence),
			Captured:   time.Now(),
			Metrics:    s.metricsFor(samples),
		})
	}
	if frame.Final {
		s.logger.Debug("remote stream finished", slog.String("remote_session", frame.SessionID))
	}
}

func (s *Session) metricsFor(samples []float32) audio.Metrics {
	if s.processor != nil {
		return s.processor.AudioMetrics(samples)
	}
	return audio.Metrics{Volume: audio.Level(samples)}
}

func (s *Session) countFrame() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return s.frames
}

func (s *Session) frameCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
