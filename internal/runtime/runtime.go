package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/presence"
	"github.com/loqalabs/loqa-stt/internal/session"
)

// Runtime runs the long-lived recognition daemon: one session fed by the
// configured audio source, the bus, the journal and the HTTP endpoints.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetryClose func(context.Context) error
	metrics        http.Handler
	httpServer     *http.Server
	metricsServer  *http.Server

	journal  *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	presence *presence.Registry
	stack    *Stack
	session  *session.Session

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the runtime up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		r.shutdown()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("session_id", r.session.ID()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metrics

	r.journal, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session journal: %w", err)
	}
	if err := r.journal.Prune(ctx); err != nil {
		r.logger.Warn("journal prune failed", slogError(err))
	}

	if r.cfg.Bus.Enabled {
		r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.bus, err = bus.Connect(r.cfg.Bus, r.nats.ClientURL(), r.logger)
		if err != nil {
			return err
		}
	}

	r.stack, err = NewStack(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	if err := r.stack.InitializeAudio(ctx, r.cfg); err != nil {
		_ = r.stack.Engine.Dispose(ctx)
		return err
	}

	deps := session.Deps{
		Engine:    r.stack.Engine,
		Processor: r.stack.Processor,
		Journal:   r.journal,
		Logger:    r.logger,
	}
	if r.bus != nil {
		deps.Publisher = r.bus
	}
	r.session, err = session.New(session.Config{
		NoiseReduction: r.cfg.Audio.NoiseReduction,
		PublishInterim: r.cfg.Bus.PublishInterim,
		MetricsEvery:   r.cfg.Audio.MetricsInterval,
		ReadyTimeout:   millis(r.cfg.Engine.ReadyTimeoutMS),
	}, deps)
	if err != nil {
		return err
	}
	if err := r.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	if r.cfg.Bus.RemoteAudio && r.bus != nil {
		if err := r.session.IngestRemote(r.bus); err != nil {
			return fmt.Errorf("failed to subscribe to remote audio: %w", err)
		}
	}

	if r.bus != nil {
		r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.bus, presence.EngineSource(r.stack.Engine), r.logger)
		if err != nil {
			return fmt.Errorf("failed to start presence: %w", err)
		}
		r.stack.Engine.Events().BackendSwitched.Subscribe(func(engine.SwitchEvent) {
			if err := r.presence.Announce(); err != nil {
				r.logger.Warn("failed to re-announce node", slogError(err))
			}
		})
	}

	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = r.serve(addr, r.routes())
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = r.serve(bind, mux)
	}
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slogError(err))
		}
	}()
	r.logger.Info("http listener started", slog.String("addr", addr))
	return srv
}

// shutdown releases whatever setup acquired, in reverse order.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.presence != nil {
		r.presence.Close()
	}
	if r.session != nil {
		if err := r.session.Close(ctx); err != nil {
			r.logger.Error("session close error", slogError(err))
		}
	} else if r.stack != nil && r.stack.Processor != nil {
		_ = r.stack.Processor.Close()
	}
	if r.stack != nil {
		r.stack.Close(ctx)
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slogError(err))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
