// Package services assembles the engine's runtime dependencies from
// configuration: checkpoint backend, violation audit, event sinks and the
// NATS connection.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/graphd/internal/config"
	graphdhttp "github.com/fyrsmithlabs/graphd/internal/http"
	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/checkpoint/sqlitestore"
	"github.com/fyrsmithlabs/graphd/pkg/dispatch"
	"github.com/fyrsmithlabs/graphd/pkg/engine"
	"github.com/fyrsmithlabs/graphd/pkg/event"
	"github.com/fyrsmithlabs/graphd/pkg/event/natssink"
	"github.com/fyrsmithlabs/graphd/pkg/event/promsink"
	"github.com/fyrsmithlabs/graphd/pkg/guard"
)

// Options adds collaborators that are not described by configuration.
type Options struct {
	// Registerer receives the Prometheus event counters. Defaults to the
	// global registry.
	Registerer prometheus.Registerer

	// Sinks receive events in addition to the configured ones.
	Sinks []event.Sink
}

// Services holds the assembled dependencies. Close releases them.
type Services struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *sqlitestore.Store
	log        checkpoint.Log
	recorder   guard.Recorder
	violations guard.Lister
	metrics    *promsink.Sink
	sink       event.Multi
	nc         *nats.Conn
}

// New builds the services described by cfg.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Services{cfg: cfg, logger: logger}

	if err := s.initCheckpoints(); err != nil {
		return nil, err
	}
	if err := s.initSinks(opts); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("services initialized",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("nats_connected", s.nc != nil),
		zap.Int("sinks", len(s.sink)))
	return s, nil
}

func (s *Services) initCheckpoints() error {
	cp := s.cfg.Checkpoint
	var backend checkpoint.Backend

	switch cp.Backend {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(cp.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		s.store = store
		backend = store
		s.recorder = guard.MultiRecorder{store, guard.NewLogRecorder(s.logger.Named("guard"))}
		s.violations = store
	default:
		backend = checkpoint.NewMemoryBackend()
		mem := guard.NewMemoryRecorder()
		s.recorder = guard.MultiRecorder{mem, guard.NewLogRecorder(s.logger.Named("guard"))}
		s.violations = mem
	}

	s.log = checkpoint.NewService(backend, checkpoint.Options{
		Retry: checkpoint.RetryPolicy{
			MaxTries:        cp.Retry.MaxTries,
			InitialInterval: cp.Retry.InitialInterval.Duration(),
			MaxInterval:     cp.Retry.MaxInterval.Duration(),
			MaxElapsedTime:  cp.Retry.MaxElapsedTime.Duration(),
		},
		PageSize: cp.PageSize,
	}, s.logger.Named("checkpoint"))
	return nil
}

func (s *Services) initSinks(opts Options) error {
	ev := s.cfg.Events

	if ev.Log {
		s.sink = append(s.sink, event.NewLog(s.logger.Named("events")))
	}
	if ev.Prometheus {
		if opts.Registerer != nil {
			s.metrics = promsink.New(opts.Registerer)
		} else {
			s.metrics = promsink.Default()
		}
		s.sink = append(s.sink, s.metrics)
	}
	if ev.NATS.Enabled {
		nc, err := s.connectNATS()
		if err != nil {
			return err
		}
		s.nc = nc
		s.sink = append(s.sink, natssink.New(nc, ev.NATS.SubjectPrefix, s.logger.Named("natssink")))
	}
	s.sink = append(s.sink, opts.Sinks...)
	return nil
}

func (s *Services) connectNATS() (*nats.Conn, error) {
	cfg := s.cfg.Events.NATS
	natsOpts := []nats.Option{
		nats.Name("graphd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}
	if cfg.Timeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(cfg.Timeout.Duration()))
	}
	if cfg.Token.IsSet() {
		natsOpts = append(natsOpts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	s.logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return nc, nil
}

// Checkpoints returns the checkpoint log.
func (s *Services) Checkpoints() checkpoint.Log { return s.log }

// Recorder returns the violation recorder.
func (s *Services) Recorder() guard.Recorder { return s.recorder }

// Violations returns the violation audit trail.
func (s *Services) Violations() guard.Lister { return s.violations }

// Sink returns the configured event sinks.
func (s *Services) Sink() event.Sink { return s.sink }

// Metrics returns the Prometheus sink, or nil when disabled.
func (s *Services) Metrics() *promsink.Sink { return s.metrics }

// NATS returns the connection, or nil when NATS is disabled.
func (s *Services) NATS() *nats.Conn { return s.nc }

// Limit wraps w in the configured worker rate limit. Each call gets its own
// limiter.
func (s *Services) Limit(w dispatch.Worker) dispatch.Worker {
	wc := s.cfg.Workers
	if wc.RateLimit <= 0 {
		return w
	}
	return dispatch.RateLimited(w, rate.NewLimiter(rate.Limit(wc.RateLimit), wc.Burst))
}

// Engine builds an engine over reg using the assembled services. reg is
// sealed.
func (s *Services) Engine(reg *dispatch.Registry, planner engine.Planner) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Registry:        reg,
		Log:             s.log,
		Planner:         planner,
		Roles:           guard.Matrix(s.cfg.Guard.Roles),
		CoordinatorRole: s.cfg.Engine.CoordinatorRole,
		MaxParallel:     s.cfg.Engine.MaxParallel,
		MaxChildDepth:   s.cfg.Engine.MaxChildDepth,
		Recorder:        s.recorder,
		Sink:            s.sink,
	}, s.logger.Named("engine"))
}

// Checks returns health checks for the ops endpoint.
func (s *Services) Checks() map[string]graphdhttp.Check {
	checks := map[string]graphdhttp.Check{}
	if s.store != nil {
		checks["checkpoint"] = s.store.Ping
	}
	if s.nc != nil {
		nc := s.nc
		checks["nats"] = func(context.Context) error {
			if status := nc.Status(); status != nats.CONNECTED {
				return fmt.Errorf("nats %s", status)
			}
			return nil
		}
	}
	return checks
}

// Close drains NATS and closes the store.
func (s *Services) Close() error {
	var errs []error
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
		}
	}
	return errors.Join(errs...)
}
