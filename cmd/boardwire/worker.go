package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/gosuda/boardwire/internal/config"
	"github.com/gosuda/boardwire/internal/metrics"
	"github.com/gosuda/boardwire/internal/worker"
)

func workerCmd() *cli.Command {
	return &cli.Command{
		Name:    "worker",
		Aliases: []string{"w"},
		Usage:   "Consume board events from RabbitMQ and fan them out over Redis",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Address for the worker /metrics listener; empty disables it",
				EnvVars: []string{"BOARDWIRE_WORKER_METRICS_ADDR"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runWorker(c.Context, cfg, c.String("metrics-addr"))
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	promReg := metrics.NewRegistry()
	w := worker.New(worker.Config{
		Broker:            brokerConfig(cfg),
		MaxRetries:        cfg.RabbitMQ.MaxRetries,
		RedisURL:          cfg.Redis.URL,
		ActivityChannel:   cfg.Redis.ActivityChannel,
		IdempotencyPrefix: cfg.Redis.IdempotencyPrefix,
		IdempotencyTTL:    cfg.Redis.IdempotencyTTL,
		Breaker: worker.BreakerConfig{
			ConsecutiveFailures: uint32(cfg.Breaker.Failures), //nolint:gosec // validated >= 1
			OpenTimeout:         cfg.Breaker.OpenTimeout,
		},
		Reconnect: worker.ReconnectConfig{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
		},
	}, metrics.NewWorkerMetrics(promReg))

	if cfg.MetricsEnabled && metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.Handler(promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", metricsAddr).Msg("worker metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("worker metrics server")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Str("queue", cfg.RabbitMQ.Queue).
		Int("max_retries", cfg.RabbitMQ.MaxRetries).
		Msg("worker starting")

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	log.Info().Msg("worker stopped")
	return nil
}
