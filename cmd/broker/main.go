// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxmail/broker"
	"github.com/absmach/fluxmail/broker/middleware"
	"github.com/absmach/fluxmail/broker/webhook"
	"github.com/absmach/fluxmail/config"
	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/reader"
	"github.com/absmach/fluxmail/router"
	"github.com/absmach/fluxmail/server/health"
	"github.com/absmach/fluxmail/server/otel"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/storage/badger"
	"github.com/absmach/fluxmail/storage/memory"
	"github.com/absmach/fluxmail/store"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/absmach/fluxmail/transport"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	oteltrace "go.opentelemetry.io/otel"
)

const envConfig = "FLUXMAIL_CONFIG"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// A missing .env file is not an error.
	_ = godotenv.Load()
	if *configFile == "" {
		*configFile = os.Getenv(envConfig)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting fluxmail broker",
		"broker_id", cfg.Server.BrokerID,
		"storage", cfg.Storage.Type,
		"websocket", cfg.Server.WSEnabled,
		"nats", cfg.NATS.Enabled)

	var backend storage.Store
	switch cfg.Storage.Type {
	case "memory":
		backend = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		if err := os.MkdirAll(cfg.Storage.BadgerDir, 0o755); err != nil {
			slog.Error("Failed to create storage directory", "error", err)
			os.Exit(1)
		}
		backend, err = badger.New(badger.Config{
			Dir:               cfg.Storage.BadgerDir,
			SyncWrites:        cfg.Storage.BadgerSyncWrites,
			CompressThreshold: cfg.Storage.CompressThreshold,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		slog.Info("Using BadgerDB storage", "dir", cfg.Storage.BadgerDir)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}()

	brokerCfg, err := brokerConfig(cfg)
	if err != nil {
		slog.Error("Invalid permissions", "error", err)
		os.Exit(1)
	}

	otelShutdown, err := otel.InitProvider(cfg.Server, cfg.Server.BrokerID)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}

	var opts []broker.Option
	if cfg.Webhook.Enabled {
		notifier, err := webhook.NewNotifier(cfg.Webhook, cfg.Server.BrokerID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		opts = append(opts, broker.WithNotifier(notifier))
		slog.Info("Webhook notifications enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	// The gauges are only collected after the broker is assigned.
	var b *broker.Broker
	var recorder middleware.Recorder
	if cfg.Server.MetricsEnabled {
		metrics, err := otel.NewMetrics(func() (int, int) {
			snap, err := b.Stats(context.Background())
			if err != nil {
				return 0, 0
			}
			return snap.PendingAcks, snap.PendingWrites
		})
		if err != nil {
			slog.Error("Failed to create OpenTelemetry metrics", "error", err)
			os.Exit(1)
		}
		recorder = metrics
		opts = append(opts, broker.WithObserver(metrics))
	}

	b = broker.New(backend, brokerCfg, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		slog.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}

	var svc broker.Service = b
	svc = middleware.NewMetrics(svc, b.StatsCollector(), recorder)
	svc = middleware.NewLogging(svc, logger)
	if cfg.Server.OtelTracesEnabled {
		svc = middleware.NewTracing(svc, oteltrace.Tracer("fluxmail"))
	}

	var wg sync.WaitGroup

	if cfg.Server.WSEnabled {
		ws := transport.NewWebSocket(cfg.Server.WebSocket, svc, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Listen(ctx); err != nil {
				slog.Error("WebSocket server error", "error", err)
			}
		}()
	}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Server.BrokerID),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					slog.Warn("NATS disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				slog.Info("NATS reconnected", "url", c.ConnectedUrl())
			}))
		if err != nil {
			slog.Error("Failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		control, err := transport.ListenControl(nc, cfg.NATS.Prefix, svc, logger)
		if err != nil {
			slog.Error("Failed to listen for NATS control frames", "error", err)
			os.Exit(1)
		}
		defer control.Close()
		slog.Info("NATS delivery enabled", "url", cfg.NATS.URL, "prefix", cfg.NATS.Prefix)
	}

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(ctx); err != nil {
				slog.Error("Health server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("Received shutdown signal", "signal", sig)
	slog.Info("Initiating graceful shutdown", "timeout", cfg.Server.ShutdownTimeout)

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		slog.Warn("Servers did not stop within the shutdown timeout")
	}

	if err := svc.Close(); err != nil {
		slog.Error("Error during broker shutdown", "error", err)
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			slog.Warn("Failed to drain NATS connection", "error", err)
		}
	}

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	slog.Info("Broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// brokerConfig maps the file configuration onto the broker settings.
func brokerConfig(cfg *config.Config) (broker.Config, error) {
	grants, err := cfg.Permissions.Static()
	if err != nil {
		return broker.Config{}, err
	}

	bc := broker.DefaultConfig()
	bc.BrokerID = cfg.Server.BrokerID
	bc.IncludePayload = cfg.Webhook.IncludePayload
	bc.Grants = grants

	mb := cfg.Mailbox
	bc.Store = store.Config{
		DegradedQueueSize: mb.DegradedQueueSize,
		CriticalReserve:   mb.CriticalReserve,
		FlushInterval:     mb.FlushInterval,
		FlushMaxBackoff:   mb.FlushMaxBackoff,
		BreakerThreshold:  mb.BreakerThreshold,
		BreakerTimeout:    mb.BreakerTimeout,
		DefaultRetention:  mb.DefaultRetention,
	}
	bc.Router = router.Config{MaxPayloadSize: mb.MaxPayloadSize}
	bc.Reader = reader.Config{DefaultLimit: mb.ReadDefaultLimit, MaxLimit: mb.ReadMaxLimit}

	d := cfg.Delivery
	bc.Delivery = delivery.Config{
		AttemptTimeout: d.AttemptTimeout,
		DefaultRetry: message.RetryPolicy{
			MaxAttempts: d.Retry.MaxAttempts,
			BaseDelay:   d.Retry.InitialInterval,
			MaxDelay:    d.Retry.MaxInterval,
			Jitter:      d.Retry.Jitter,
		},
		BreakerThreshold: d.BreakerThreshold,
		BreakerCooldown:  d.BreakerCooldown,
		AckTimeout:       d.AckTimeout,
		AckCheckInterval: d.AckCheckInterval,
	}

	s := cfg.Subscriptions
	bc.Subscriptions = subscriptions.Config{
		HeartbeatTimeout: s.HeartbeatTimeout,
		StaleGrace:       s.StaleGrace,
		SweepInterval:    s.SweepInterval,
		DefaultQueueSize: s.DefaultQueueSize,
		DefaultBatchSize: s.DefaultBatchSize,
	}

	bc.Retention = cfg.Retention
	bc.RateLimit = cfg.RateLimit
	return bc, nil
}
