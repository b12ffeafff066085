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

// Package metrics rolls the audit trail up into fixed-interval buckets:
// throughput, failures, rate-limit denials, latency and queue depth.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/leadline/messaging/internal/models"
)

// AuditSource lists audit records in a time range.
type AuditSource interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error)
}

// DepthSource reports the number of non-terminal entries.
type DepthSource interface {
	CountPending(ctx context.Context) (int, error)
}

// Store persists buckets keyed by their start time.
type Store interface {
	// Upsert inserts or fully replaces the bucket with the same start.
	Upsert(ctx context.Context, b *models.MetricBucket) error

	// List returns buckets starting at or after since, oldest first.
	List(ctx context.Context, since time.Time, limit int) ([]models.MetricBucket, error)
}

// Config holds aggregator dependencies.
type Config struct {
	Store    Store
	Audit    AuditSource
	Depth    DepthSource
	Interval time.Duration
	Now      func() time.Time
}

// Aggregator is the MetricsAggregator.
type Aggregator struct {
	store    Store
	audit    AuditSource
	depth    DepthSource
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator. Interval defaults to one minute.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		store:    cfg.Store,
		audit:    cfg.Audit,
		depth:    cfg.Depth,
		interval: cfg.Interval,
		now:      cfg.Now,
	}
}

// Interval returns the bucket width.
func (a *Aggregator) Interval() time.Duration { return a.interval }

// BucketStart returns the start of the bucket containing t.
func (a *Aggregator) BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(a.interval)
}

// Compute aggregates [start, start+interval) without storing it. It is a
// single pass over the audit records of the interval.
func (a *Aggregator) Compute(ctx context.Context, start time.Time) (*models.MetricBucket, error) {
	start = start.UTC()
	end := start.Add(a.interval)

	records, err := a.audit.ListBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}

	b := &models.MetricBucket{
		ID:          models.BucketID(start),
		BucketStart: start,
		BucketEnd:   end,
		Closed:      !a.now().Before(end),
	}

	var latencies []float64
	for i := range records {
		r := &records[i]
		switch r.Action {
		case models.ActionEnqueued:
			b.TotalQueued++
		case models.ActionSendSucceeded:
			b.TotalSent++
			if v, ok := r.DetailFloat(models.DetailLatencyMs); ok {
				latencies = append(latencies, v)
			}
		case models.ActionSendFailed:
			b.TotalFailed++
			if v, ok := r.DetailFloat(models.DetailLatencyMs); ok {
				latencies = append(latencies, v)
			}
			if r.DetailString(models.DetailStatus) == string(models.StatusDeadLettered) {
				b.TotalDeadLettered++
			}
		case models.ActionRateLimited:
			b.TotalRateLimited++
		case models.ActionStatusReconciled:
			switch models.Status(r.DetailString(models.DetailTo)) {
			case models.StatusDelivered:
				b.TotalDelivered++
			case models.StatusDeadLettered:
				b.TotalDeadLettered++
			}
		}
	}

	b.AvgLatencyMs, b.P95LatencyMs = latencyStats(latencies)

	depth, err := a.depth.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending entries: %w", err)
	}
	b.QueueDepth = depth

	return b, nil
}

// latencyStats returns the mean and the nearest-rank 95th percentile.
func latencyStats(values []float64) (avg, p95 float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	avg = sum / float64(len(values))

	rank := int(math.Ceil(0.95 * float64(len(values))))
	if rank < 1 {
		rank = 1
	}
	return avg, values[rank-1]
}

// CloseBucket computes and stores the bucket starting at start. Running it
// again for the same start overwrites the stored counters but keeps the
// queue depth sampled when the bucket was first closed.
func (a *Aggregator) CloseBucket(ctx context.Context, start time.Time) (*models.MetricBucket, error) {
	b, err := a.Compute(ctx, start)
	if err != nil {
		return nil, err
	}
	prev, err := a.store.List(ctx, start, 1)
	if err != nil {
		return nil, fmt.Errorf("load bucket %s: %w", b.ID, err)
	}
	if len(prev) == 1 && prev[0].BucketStart.Equal(b.BucketStart) && prev[0].Closed {
		b.QueueDepth = prev[0].QueueDepth
	}
	if err := a.store.Upsert(ctx, b); err != nil {
		return nil, fmt.Errorf("store bucket %s: %w", b.ID, err)
	}
	slog.Debug("metric bucket closed",
		"bucket", b.ID,
		"sent", b.TotalSent,
		"failed", b.TotalFailed,
		"queue_depth", b.QueueDepth,
	)
	return b, nil
}

// Current computes the open bucket on demand.
func (a *Aggregator) Current(ctx context.Context) (*models.MetricBucket, error) {
	return a.Compute(ctx, a.BucketStart(a.now()))
}

// List returns stored buckets for dashboards.
func (a *Aggregator) List(ctx context.Context, since time.Time, limit int) ([]models.MetricBucket, error) {
	return a.store.List(ctx, since, limit)
}

// Start closes the bucket that ended most recently, so a restart leaves no
// gap, and then closes each bucket as its interval ends.
func (a *Aggregator) Start(ctx context.Context) {
	prev := a.BucketStart(a.now()).Add(-a.interval)
	if _, err := a.CloseBucket(ctx, prev); err != nil {
		slog.Error("failed to backfill previous metric bucket", "bucket", models.BucketID(prev), "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(loopCtx)

	slog.Info("metrics aggregator started", "interval", a.interval)
}

// Stop shuts the aggregation loop down.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	slog.Info("metrics aggregator stopped")
}

func (a *Aggregator) loop(ctx context.Context) {
	defer a.wg.Done()

	for {
		now := a.now()
		boundary := a.BucketStart(now).Add(a.interval)

		timer := time.NewTimer(boundary.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := a.CloseBucket(ctx, boundary.Add(-a.interval)); err != nil {
			slog.Error("failed to close metric bucket", "bucket", models.BucketID(boundary.Add(-a.interval)), "error", err)
		}
	}
}
