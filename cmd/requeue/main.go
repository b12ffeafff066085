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

// Leadline Messaging: Dead-Letter Requeue Command
//
// Operator CLI that moves dead-lettered messages back into the send queue
// after the cause (provider outage, bad credentials, exhausted quota) has
// been fixed. Each requeued message becomes a new queued entry linked to
// the original, which stays dead-lettered for the audit trail.
//
// Usage:
//
//	go run ./cmd/requeue/ [--since 24h] [--senders 1100,1200] [--limit 500] [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/leadline/messaging/internal/audit"
	"github.com/leadline/messaging/internal/config"
	"github.com/leadline/messaging/internal/dedup"
	"github.com/leadline/messaging/internal/queue"
	"github.com/leadline/messaging/internal/requeue"
)

func main() {
	_ = godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	sinceFlag := flag.String("since", "24h", "Only requeue entries created within this window (0 = all)")
	sendersFlag := flag.String("senders", "", "Comma-separated sender phone number ids (optional; empty = all senders)")
	limitFlag := flag.Int("limit", 0, "Maximum number of entries to requeue (0 = no limit)")
	dryRunFlag := flag.Bool("dry-run", false, "List matching entries without requeueing them")
	flag.Parse()

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	var senders []string
	for _, s := range strings.Split(*sendersFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			senders = append(senders, s)
		}
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Storage != config.StoragePostgres {
		slog.Error("requeue needs the shared Postgres store", "storage", cfg.Storage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	store, err := queue.NewPostgresStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise queue store", "error", err)
		os.Exit(1)
	}
	auditStore, err := audit.NewPostgresStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise audit store", "error", err)
		os.Exit(1)
	}

	// --- Requeue reservations ---
	// Shared with the API so an operator and this tool cannot both requeue
	// the same entry.
	var reserver dedup.Reserver = dedup.NewMemoryReserver(cfg.Queue.IdempotencyTTL)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		reserver = dedup.NewRedisReserver(rdb, cfg.Queue.IdempotencyTTL)
	}

	q := queue.New(store, queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		Reserver:   reserver,
		Audit:      audit.NewLogger(audit.LoggerConfig{Store: auditStore}),
	})

	// --- Run ---
	runner := requeue.NewRunner(requeue.RunnerConfig{
		Queue:     q,
		PageDelay: 100 * time.Millisecond,
	})

	result, err := runner.Run(ctx, requeue.Request{
		Since:     sinceDuration,
		SenderIDs: senders,
		Limit:     *limitFlag,
		DryRun:    *dryRunFlag,
	})
	if err != nil {
		slog.Error("requeue failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	for _, m := range result.Moves {
		if m.To == "" {
			slog.Info("would requeue", "message_id", m.From)
			continue
		}
		slog.Info("requeued", "message_id", m.From, "new_message_id", m.To)
	}

	if result.Errors > 0 {
		os.Exit(2)
	}
}
