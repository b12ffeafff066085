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

package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadline/messaging/internal/models"
)

// MemoryStore keeps buckets in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[time.Time]models.MetricBucket
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[time.Time]models.MetricBucket)}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, b *models.MetricBucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[b.BucketStart.UTC()] = *b
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, since time.Time, limit int) ([]models.MetricBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.MetricBucket
	for start, b := range m.buckets {
		if !start.Before(since) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresStore persists buckets in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the store and ensures its table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure metrics schema: %w", err)
	}
	slog.Info("metrics store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS metric_buckets (
			id                  TEXT PRIMARY KEY,
			bucket_start        TIMESTAMPTZ NOT NULL UNIQUE,
			bucket_end          TIMESTAMPTZ NOT NULL,
			total_queued        INTEGER NOT NULL DEFAULT 0,
			total_sent          INTEGER NOT NULL DEFAULT 0,
			total_failed        INTEGER NOT NULL DEFAULT 0,
			total_rate_limited  INTEGER NOT NULL DEFAULT 0,
			total_delivered     INTEGER NOT NULL DEFAULT 0,
			total_dead_lettered INTEGER NOT NULL DEFAULT 0,
			queue_depth         INTEGER NOT NULL DEFAULT 0,
			avg_latency_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
			p95_latency_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
			closed              BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, b *models.MetricBucket) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric_buckets
			(id, bucket_start, bucket_end, total_queued, total_sent, total_failed,
			 total_rate_limited, total_delivered, total_dead_lettered, queue_depth,
			 avg_latency_ms, p95_latency_ms, closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (bucket_start) DO UPDATE SET
			bucket_end          = EXCLUDED.bucket_end,
			total_queued        = EXCLUDED.total_queued,
			total_sent          = EXCLUDED.total_sent,
			total_failed        = EXCLUDED.total_failed,
			total_rate_limited  = EXCLUDED.total_rate_limited,
			total_delivered     = EXCLUDED.total_delivered,
			total_dead_lettered = EXCLUDED.total_dead_lettered,
			queue_depth         = EXCLUDED.queue_depth,
			avg_latency_ms      = EXCLUDED.avg_latency_ms,
			p95_latency_ms      = EXCLUDED.p95_latency_ms,
			closed              = EXCLUDED.closed,
			updated_at          = NOW()
	`, b.ID, b.BucketStart, b.BucketEnd, b.TotalQueued, b.TotalSent, b.TotalFailed,
		b.TotalRateLimited, b.TotalDelivered, b.TotalDeadLettered, b.QueueDepth,
		b.AvgLatencyMs, b.P95LatencyMs, b.Closed)
	return err
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, since time.Time, limit int) ([]models.MetricBucket, error) {
	if limit <= 0 {
		limit = 1440
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, bucket_start, bucket_end, total_queued, total_sent, total_failed,
		       total_rate_limited, total_delivered, total_dead_lettered, queue_depth,
		       avg_latency_ms, p95_latency_ms, closed
		FROM metric_buckets
		WHERE bucket_start >= $1
		ORDER BY bucket_start
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBuckets(rows)
}

func collectBuckets(rows pgx.Rows) ([]models.MetricBucket, error) {
	var out []models.MetricBucket
	for rows.Next() {
		var b models.MetricBucket
		if err := rows.Scan(
			&b.ID, &b.BucketStart, &b.BucketEnd, &b.TotalQueued, &b.TotalSent, &b.TotalFailed,
			&b.TotalRateLimited, &b.TotalDelivered, &b.TotalDeadLettered, &b.QueueDepth,
			&b.AvgLatencyMs, &b.P95LatencyMs, &b.Closed,
		); err != nil {
			return nil, err
		}
		b.BucketStart = b.BucketStart.UTC()
		b.BucketEnd = b.BucketEnd.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
