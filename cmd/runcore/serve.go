package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/orchestrator"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/telemetry"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run queue consumers, the outbox relay and maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Override with environment variables if set
	if host := os.Getenv("TEMPORAL_HOST"); host != "" {
		cfg.Temporal.Host = host
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, logger)
		if err != nil {
			logger.Warn("failed to initialize telemetry", zap.Error(err))
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					logger.Warn("error shutting down telemetry", zap.Error(err))
				}
			}()
		}
	}

	o, err := orchestrator.New(ctx, cfg, orchestrator.Deps{}, logger, metrics.NewMetrics())
	if err != nil {
		return err
	}
	defer o.Close()

	go func() {
		err := config.Watch(ctx, configPath, time.Second, o.ApplyConfig, func(err error) {
			logger.Warn("config reload failed", zap.Error(err))
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           otelhttp.NewHandler(newMux(o), "runcore-http"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	err = o.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("runcore stopped")
	return err
}

func newMux(o *orchestrator.Orchestrator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := o.Health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
