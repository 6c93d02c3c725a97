package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/graphd/internal/config"
	graphdhttp "github.com/fyrsmithlabs/graphd/internal/http"
	"github.com/fyrsmithlabs/graphd/internal/logging"
	"github.com/fyrsmithlabs/graphd/internal/services"
	"github.com/fyrsmithlabs/graphd/internal/telemetry"
	"github.com/fyrsmithlabs/graphd/pkg/event"
	"github.com/fyrsmithlabs/graphd/pkg/event/natssink"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops daemon",
	Long: `Run the ops daemon. It serves /health and /metrics and, when NATS is
enabled, relays run events published by engines into its metrics.

Health covers the checkpoint store, the NATS connection and telemetry
export.

Examples:
  # Serve with the default config file
  graphd serve

  # Watch a SQLite log and a NATS server
  GRAPHD_EVENTS_NATS_ENABLED=true graphd serve --db /var/lib/graphd/runs.db`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return serve(ctx, cfg)
}

// serve runs the ops daemon until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return err
	}
	logCfg, err := loggingConfig(cfg, false)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	z := logger.Underlying()

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			z.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := services.New(cfg, services.Options{Registerer: reg}, z)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			z.Warn("services close failed", zap.Error(err))
		}
	}()

	if nc := svc.NATS(); nc != nil {
		sub, err := natssink.Relay(nc, cfg.Events.NATS.SubjectPrefix, relaySink(cfg, svc, z), z.Named("relay"))
		if err != nil {
			return fmt.Errorf("failed to relay run events: %w", err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	checks := svc.Checks()
	if telCfg.Enabled {
		checks["telemetry"] = func(context.Context) error {
			if h := tel.Health(); !h.Healthy || h.Degraded {
				return errors.New("telemetry export degraded")
			}
			return nil
		}
	}

	srv, err := graphdhttp.NewServer(z.Named("http"), &graphdhttp.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Gatherer: reg,
		Checks:   checks,
	})
	if err != nil {
		return err
	}

	z.Info("starting graphd",
		zap.String("version", version),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("nats", svc.NATS() != nil),
		zap.Bool("telemetry", telCfg.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	z.Info("graphd stopped")
	return nil
}

// relaySink receives events relayed from NATS. It leaves out the NATS sink
// so relayed events are not published again.
func relaySink(cfg *config.Config, svc *services.Services, logger *zap.Logger) event.Sink {
	var sinks event.Multi
	if cfg.Events.Log {
		sinks = append(sinks, event.NewLog(logger.Named("events")))
	}
	if m := svc.Metrics(); m != nil {
		sinks = append(sinks, m)
	}
	return sinks
}
