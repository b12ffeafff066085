// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Leadline Messaging Service
//
// Entry point for the messaging pipeline. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis (or runs on in-memory stores)
//  3. Resolves the provider sender phone numbers
//  4. Starts the queue processor workers
//  5. Serves the provider webhook and the public API
//  6. Rolls metrics into buckets and evaluates alert rules on timers
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/leadline/messaging/internal/alert"
	"github.com/leadline/messaging/internal/api"
	"github.com/leadline/messaging/internal/audit"
	"github.com/leadline/messaging/internal/config"
	"github.com/leadline/messaging/internal/dedup"
	"github.com/leadline/messaging/internal/metrics"
	"github.com/leadline/messaging/internal/processor"
	"github.com/leadline/messaging/internal/provider"
	"github.com/leadline/messaging/internal/queue"
	"github.com/leadline/messaging/internal/ratelimit"
	"github.com/leadline/messaging/internal/relay"
	"github.com/leadline/messaging/internal/webhook"
)

// stores groups the persistence backends selected by configuration.
type stores struct {
	queue   queue.Store
	audit   audit.Store
	metrics metrics.Store
	alerts  alert.Store
}

func main() {
	// A .env file is optional; real deployments set the environment.
	_ = godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	slog.Info("starting messaging service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"storage", cfg.Storage,
		"workers", cfg.Queue.Workers,
		"max_retries", cfg.Queue.MaxRetries,
		"rate_limit", cfg.RateLimit.Limit,
		"rate_window", cfg.RateLimit.Window,
		"bucket_interval", cfg.BucketInterval,
		"alert_rules", len(cfg.Alerts.Rules),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	var pgPool *pgxpool.Pool
	var st stores
	switch cfg.Storage {
	case config.StoragePostgres:
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		st, err = postgresStores(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise stores", "error", err)
			os.Exit(1)
		}
	default:
		slog.Warn("using in-memory storage; state is lost on restart")
		st = stores{
			queue:   queue.NewMemoryStore(),
			audit:   audit.NewMemoryStore(),
			metrics: metrics.NewMemoryStore(),
			alerts:  alert.NewMemoryStore(),
		}
	}

	// --- Connect to Redis ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	}

	// --- Idempotency and rate limiting ---
	// Redis makes both shared across replicas; without it they are
	// process-local and only correct for a single instance.
	var (
		reserver dedup.Reserver
		limiter  ratelimit.Limiter
	)
	rlCfg := ratelimit.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	if rdb != nil {
		reserver = dedup.NewRedisReserver(rdb, cfg.Queue.IdempotencyTTL)
		limiter, err = ratelimit.NewRedisLimiter(rdb, rlCfg)
	} else {
		slog.Warn("no Redis configured; idempotency and rate limits are per process")
		reserver = dedup.NewMemoryReserver(cfg.Queue.IdempotencyTTL)
		limiter, err = ratelimit.NewMemoryLimiter(rlCfg)
	}
	if err != nil {
		slog.Error("failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Audit Logger ---
	auditLogger := audit.NewLogger(audit.LoggerConfig{Store: st.audit})

	// --- Provider Client ---
	httpClient := provider.NewHTTPClient(ctx, provider.AuthConfig{
		AccessToken:  cfg.Provider.AccessToken,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		TokenURL:     cfg.Provider.TokenURL,
	})
	client := provider.NewClient(httpClient, cfg.Provider.BaseURL)

	defaultSender := resolveDefaultSender(ctx, client, cfg.Provider)
	if defaultSender == "" {
		slog.Warn("no default sender configured; enqueue requests must name a sender_id")
	}

	// --- Message Queue ---
	q := queue.New(st.queue, queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		Backoff: queue.Backoff{
			Base:   cfg.Queue.BackoffBase,
			Cap:    cfg.Queue.BackoffCap,
			Jitter: cfg.Queue.BackoffJitter,
		},
		DefaultSenderID: defaultSender,
		Reserver:        reserver,
		Audit:           auditLogger,
	})

	// --- Relay publishers ---
	var inbound relay.Publisher = relay.LogPublisher{}
	if rdb != nil {
		inbound = relay.NewRedisPublisher(rdb, cfg.Relay.InboundQueue, cfg.Relay.TaskName)
	}
	alertSink, closeSink := alertPublisher(cfg, rdb)
	defer closeSink()

	// --- Queue Processor ---
	proc := processor.New(processor.Config{
		Queue:          q,
		Limiter:        limiter,
		Sender:         client,
		Audit:          auditLogger,
		Workers:        cfg.Queue.Workers,
		BatchSize:      cfg.Queue.BatchSize,
		PollInterval:   cfg.Queue.PollInterval,
		SendTimeout:    cfg.Provider.SendTimeout,
		StaleAfter:     cfg.Queue.StaleAfter,
		StorageBackoff: cfg.Queue.StorageBackoff,
		WorkerPrefix:   hostname(),
	})
	proc.Start(ctx)

	// --- Webhook Server ---
	handler := webhook.NewHandler(webhook.Config{
		Queue:         q,
		Audit:         auditLogger,
		Publisher:     inbound,
		AppSecret:     cfg.Webhook.AppSecret,
		VerifyToken:   cfg.Webhook.VerifyToken,
		MaxConcurrent: cfg.Webhook.MaxConcurrent,
	})
	ready, err := webhook.Serve(ctx, cfg.Webhook.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Metrics Aggregator ---
	agg := metrics.NewAggregator(metrics.Config{
		Store:    st.metrics,
		Audit:    auditLogger,
		Depth:    q,
		Interval: cfg.BucketInterval,
	})
	agg.Start(ctx)

	// --- Alert Engine ---
	engine, err := alert.NewEngine(alert.Config{
		Store:          st.alerts,
		Buckets:        st.metrics,
		Publisher:      alertSink,
		Rules:          cfg.Alerts.Rules,
		BucketInterval: cfg.BucketInterval,
		EvalInterval:   cfg.Alerts.EvalInterval,
	})
	if err != nil {
		slog.Error("invalid alert rules", "error", err)
		os.Exit(1)
	}
	engine.Start(ctx)

	// --- API Server ---
	checks := map[string]api.Check{}
	if pgPool != nil {
		checks["postgres"] = pgPool.Ping
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	router := api.NewRouter(api.Config{
		Queue:               q,
		Audit:               auditLogger,
		Metrics:             agg,
		Alerts:              engine,
		Checks:              checks,
		DefaultBucketWindow: time.Hour,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		// Workers finish their in-flight sends before the stores close.
		proc.Stop()
		engine.Stop()
		agg.Stop()
		cancel()
	}()

	slog.Info("messaging API listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	if rdb != nil {
		rdb.Close()
	}
	slog.Info("messaging service stopped")
}

func postgresStores(ctx context.Context, pool *pgxpool.Pool) (stores, error) {
	var (
		st  stores
		err error
	)
	if st.queue, err = queue.NewPostgresStore(ctx, pool); err != nil {
		return st, err
	}
	if st.audit, err = audit.NewPostgresStore(ctx, pool); err != nil {
		return st, err
	}
	if st.metrics, err = metrics.NewPostgresStore(ctx, pool); err != nil {
		return st, err
	}
	if st.alerts, err = alert.NewPostgresStore(ctx, pool); err != nil {
		return st, err
	}
	return st, nil
}

// resolveDefaultSender returns the configured default sender, or the first
// discovered phone number of the business account.
func resolveDefaultSender(ctx context.Context, client *provider.Client, pc config.ProviderConfig) string {
	if pc.BusinessAccountID == "" && len(pc.IncludeSenders) == 0 {
		return pc.DefaultSenderID
	}

	senders, err := client.DiscoverSenders(ctx, pc.BusinessAccountID, pc.IncludeSenders, pc.ExcludeSenders)
	if err != nil {
		slog.Error("sender discovery failed", "error", err)
		return pc.DefaultSenderID
	}
	for _, s := range senders {
		slog.Info("sender available",
			"phone_number_id", s.ID,
			"display_phone_number", s.DisplayPhoneNumber,
			"quality_rating", s.QualityRating,
		)
	}

	if pc.DefaultSenderID != "" || len(senders) == 0 {
		return pc.DefaultSenderID
	}
	return senders[0].ID
}

// alertPublisher builds the configured alert sink and its cleanup.
func alertPublisher(cfg *config.Config, rdb *redis.Client) (relay.Publisher, func()) {
	switch cfg.Alerts.Sink {
	case config.SinkRedis:
		if rdb != nil {
			return relay.NewRedisPublisher(rdb, cfg.Alerts.Queue, cfg.Relay.TaskName), func() {}
		}
	case config.SinkAMQP:
		p := relay.NewAMQPPublisher(cfg.Alerts.AMQPURL, cfg.Alerts.Queue)
		return p, func() {
			if err := p.Close(); err != nil {
				slog.Warn("failed to close AMQP publisher", "error", err)
			}
		}
	}
	return relay.LogPublisher{}, func() {}
}

func logLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
