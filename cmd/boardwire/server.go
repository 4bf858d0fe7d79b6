package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/gosuda/boardwire/internal/broker"
	"github.com/gosuda/boardwire/internal/config"
	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/metrics"
	"github.com/gosuda/boardwire/internal/pipeline"
	"github.com/gosuda/boardwire/internal/realtime"
	"github.com/gosuda/boardwire/internal/server"
)

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the HTTP, WebSocket and SSE server",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(c.Context, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	promReg := metrics.NewRegistry()
	registry := realtime.NewRegistry(metrics.NewRealtimeMetrics(promReg))
	pipelineMetrics := metrics.NewPipelineMetrics(promReg)

	deliver := func(ctx context.Context, ev domain.ActivityEvent) error {
		registry.Broadcast(ctx, ev)
		return nil
	}

	opts := pipeline.Options{
		Transport: cfg.EventTransport,
		Handler:   deliver,
		Metrics:   pipelineMetrics,
	}
	if cfg.EventTransport == config.TransportRabbitMQ {
		opts.Durable = broker.NewPublisher(brokerConfig(cfg))
		opts.Subscriber = pipeline.NewSubscriber(
			pipeline.RedisSource(cfg.Redis.URL, cfg.Redis.ActivityChannel),
			deliver,
			pipeline.SubscriberConfig{
				InitialDelay: cfg.Reconnect.InitialDelay,
				MaxDelay:     cfg.Reconnect.MaxDelay,
			},
			pipelineMetrics,
		)
	}

	events := pipeline.New(opts)
	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("start event pipeline: %w", err)
	}

	var exposed *prometheus.Registry
	if cfg.MetricsEnabled {
		exposed = promReg
	}
	srv := server.New(ctx, cfg, server.Deps{
		Registry: registry,
		Pipeline: events,
		Metrics:  exposed,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(ctx)
	}()

	// Block until shutdown signal or a listener failure.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}
	log.Info().Msg("shutting down")

	// HTTP and the pipeline each get their own shutdown budget.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	pipelineCtx, pipelineCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer pipelineCancel()
	if err := events.Stop(pipelineCtx); err != nil {
		log.Warn().Err(err).Msg("event pipeline shutdown")
	}
	registry.Reset()

	log.Info().Msg("stopped")
	return nil
}

// brokerConfig maps the RabbitMQ settings onto the broker session config.
func brokerConfig(cfg *config.Config) broker.Config {
	mq := cfg.RabbitMQ
	return broker.Config{
		URL: mq.URL,
		Topology: broker.Topology{
			Exchange:        mq.Exchange,
			Queue:           mq.Queue,
			RoutingKey:      mq.RoutingKey,
			RetryExchange:   mq.RetryExchange,
			RetryQueue:      mq.RetryQueue,
			RetryRoutingKey: mq.RetryRoutingKey,
			DLQExchange:     mq.DLQExchange,
			DLQQueue:        mq.DLQQueue,
			DLQRoutingKey:   mq.DLQRoutingKey,
			RetryDelay:      mq.RetryDelay,
		},
		PrefetchCount: mq.PrefetchCount,
	}
}
