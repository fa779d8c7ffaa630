// Package daemon assembles the sandboxgate server from configuration.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/sandboxgate/internal/api"
	"github.com/felixgeelhaar/sandboxgate/internal/config"
	"github.com/felixgeelhaar/sandboxgate/internal/observability"
	"github.com/felixgeelhaar/sandboxgate/internal/queue"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/felixgeelhaar/sandboxgate/internal/storage/local"
	"github.com/felixgeelhaar/sandboxgate/internal/storage/postgres"
	"github.com/felixgeelhaar/sandboxgate/internal/storage/sqlite"
)

// Server is the sandboxgate daemon: HTTP gateway plus its background workers.
type Server struct {
	cfg     *config.Config
	server  *http.Server
	handler http.Handler
	manager *sandbox.Manager
	health  *sandbox.HealthMonitor
	tracing *observability.TracerSetup
	metrics *observability.Collector

	consumer *queue.Consumer

	// closers run in reverse order on shutdown.
	closers []func(context.Context) error
}

// ServerConfig holds configuration for creating a new server
type ServerConfig struct {
	Config *config.Config
	// Runtime overrides the Docker runtime. It is still wrapped with the
	// configured resilience policies.
	Runtime sandbox.Runtime
}

type storeSet struct {
	sessions sandbox.Store
	scripts  sandbox.ScriptStore
	ready    func(context.Context) error
}

// NewServer builds every component named in the configuration. On error,
// anything already opened is closed again.
func NewServer(ctx context.Context, cfg ServerConfig) (s *Server, err error) {
	if cfg.Config == nil {
		return nil, errors.New("config is required")
	}
	s = &Server{cfg: cfg.Config}
	defer func() {
		if err != nil {
			s.closeAll(context.Background())
		}
	}()

	stores, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}

	rt, err := s.openRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}

	events, err := s.openEvents(ctx)
	if err != nil {
		return nil, err
	}

	obs := s.cfg.Observability
	var recorder sandbox.Recorder
	if obs.MetricsEnabled {
		s.metrics = observability.NewCollector()
		recorder = s.metrics
	}
	s.tracing, err = observability.NewTracerSetup(ctx, obs.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	if s.tracing != nil {
		s.closers = append(s.closers, s.tracing.Shutdown)
	}

	s.manager = sandbox.NewManager(sandbox.ManagerConfig{
		Store:    stores.sessions,
		Scripts:  stores.scripts,
		Runtime:  rt,
		Events:   events,
		Recorder: recorder,
	})

	if s.cfg.Health.Enabled {
		s.health = sandbox.NewHealthMonitor(s.manager, s.cfg.Health.Schedule, s.cfg.Health.Timeout)
	}

	s.handler = api.NewRouter(api.RouterConfig{
		Manager: s.manager,
		Ready:   stores.ready,
		Metrics: s.metrics,
		Tracer:  s.tracing.Tracer(),
	})
	s.server = &http.Server{
		Addr:              s.cfg.Daemon.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: streams and proxied responses stay open as long
		// as the sandbox keeps producing.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

func (s *Server) openStore(ctx context.Context) (storeSet, error) {
	sc := s.cfg.Store
	switch sc.Driver {
	case "", "memory":
		mem := sandbox.NewMemoryStore()
		return storeSet{sessions: mem, scripts: mem}, nil

	case "file":
		store, err := local.NewSandboxStore(sc.FileDir)
		if err != nil {
			return storeSet{}, err
		}
		slog.Info("using file store", "dir", sc.FileDir)
		return storeSet{sessions: store, scripts: store, ready: store.Ping}, nil

	case "sqlite":
		db, err := sqlite.Open(sc.SQLitePath)
		if err != nil {
			return storeSet{}, err
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })
		if err := db.Migrate(ctx); err != nil {
			return storeSet{}, fmt.Errorf("migrate sqlite: %w", err)
		}
		slog.Info("using sqlite store", "path", sc.SQLitePath)
		return storeSet{
			sessions: sqlite.NewSandboxStore(db),
			scripts:  sqlite.NewScriptStore(db),
			ready:    db.PingContext,
		}, nil

	case "postgres":
		pool, err := postgres.Connect(ctx, sc.PostgresDSN)
		if err != nil {
			return storeSet{}, err
		}
		s.closers = append(s.closers, func(context.Context) error { pool.Close(); return nil })
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return storeSet{}, err
		}
		slog.Info("using postgres store")
		store := postgres.NewSandboxStore(pool)
		return storeSet{sessions: store, scripts: store, ready: pool.Ping}, nil

	default:
		return storeSet{}, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func (s *Server) openRuntime(override sandbox.Runtime) (sandbox.Runtime, error) {
	rc := s.cfg.Runtime
	rt := override
	if rt == nil {
		docker, err := sandbox.NewDockerRuntime(sandbox.DockerConfig{
			Image:       rc.Image,
			MemoryMB:    rc.MemoryMB,
			CPULimit:    rc.CPULimit,
			Network:     rc.Network,
			WorkDir:     rc.WorkDir,
			ServicePort: rc.ServicePort,
			ExecTimeout: rc.ExecTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return docker.Close() })
		rt = docker
	}

	rcfg := sandbox.DefaultResilienceConfig()
	rcfg.EnableCircuitBreaker = rc.Resilience.CircuitBreaker
	rcfg.EnableRetry = rc.Resilience.Retry
	rcfg.EnableBulkhead = rc.Resilience.MaxConcurrent > 0
	if rc.Resilience.MaxConcurrent > 0 {
		rcfg.MaxConcurrent = rc.Resilience.MaxConcurrent
	}
	return sandbox.NewResilientRuntime(rt, rcfg), nil
}

// openEvents picks the event sink. With a broker configured events go to
// RabbitMQ, and the optional consumer copies them into the event log.
// Without one, the event log, if any, is written directly.
func (s *Server) openEvents(ctx context.Context) (sandbox.EventPublisher, error) {
	ec := s.cfg.Events

	var log *postgres.EventLog
	if ec.EventLogDSN != "" {
		var err error
		log, err = postgres.OpenEventLog(ctx, ec.EventLogDSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return log.Close() })
	}

	if ec.AMQPURL == "" {
		if log != nil {
			return eventLogPublisher{log: log}, nil
		}
		return sandbox.NopPublisher{}, nil
	}

	conn, err := queue.NewConnection(ec.AMQPURL, ec.Queue)
	if err != nil {
		return nil, fmt.Errorf("connect event broker: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) error { return conn.Close() })

	if ec.ConsumerEnabled {
		handler := logEvent
		if log != nil {
			handler = log.Record
		}
		s.consumer = queue.NewConsumer(conn, handler, queue.DefaultConsumerConfig())
	}

	return queue.NewPublisher(conn), nil
}

// eventLogPublisher writes events straight to the event log.
type eventLogPublisher struct {
	log *postgres.EventLog
}

func (p eventLogPublisher) Publish(ctx context.Context, e sandbox.Event) error {
	return p.log.Record(ctx, e)
}

func logEvent(_ context.Context, e sandbox.Event) error {
	slog.Info("sandbox event", "type", e.Type, "sandbox_id", e.SandboxID, "event_id", e.ID)
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Manager returns the sandbox manager.
func (s *Server) Manager() *sandbox.Manager {
	return s.manager
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts background workers and then serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.health != nil {
		if err := s.health.Start(); err != nil {
			return fmt.Errorf("start health monitor: %w", err)
		}
	}
	if s.consumer != nil {
		if err := s.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start event consumer: %w", err)
		}
	}

	slog.Info("starting sandboxgate daemon",
		"addr", s.server.Addr,
		"store", s.cfg.Store.Driver,
		"health", s.health != nil,
		"metrics", s.metrics != nil,
		"tracing", s.tracing != nil,
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops HTTP first, then workers, then releases backing resources.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down daemon...")

	err := s.server.Shutdown(ctx)
	if s.health != nil {
		s.health.Stop(ctx)
	}
	if s.consumer != nil {
		s.consumer.Stop()
	}
	return errors.Join(err, s.closeAll(ctx))
}

func (s *Server) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			slog.Warn("failed to close resource", "error", err)
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
