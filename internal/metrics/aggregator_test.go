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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadline/messaging/internal/audit"
	"github.com/leadline/messaging/internal/models"
)

type fixedDepth int

func (d fixedDepth) CountPending(context.Context) (int, error) { return int(d), nil }

type varDepth struct{ n int }

func (d *varDepth) CountPending(context.Context) (int, error) { return d.n, nil }

var bucketStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func appendRecord(t *testing.T, s *audit.MemoryStore, at time.Time, action models.Action, detail map[string]any) {
	t.Helper()
	require.NoError(t, s.Append(context.Background(), &models.AuditRecord{
		ID:         at.Format(time.RFC3339Nano) + string(action),
		Action:     action,
		Detail:     detail,
		OccurredAt: at,
	}))
}

func newTestAggregator(audits *audit.MemoryStore, store Store, now time.Time) *Aggregator {
	return NewAggregator(Config{
		Store:    store,
		Audit:    audits,
		Depth:    fixedDepth(7),
		Interval: time.Minute,
		Now:      func() time.Time { return now },
	})
}

func TestCompute_CountsAndLatency(t *testing.T) {
	audits := audit.NewMemoryStore()
	at := func(sec int) time.Time { return bucketStart.Add(time.Duration(sec) * time.Second) }

	appendRecord(t, audits, at(1), models.ActionEnqueued, nil)
	appendRecord(t, audits, at(2), models.ActionEnqueued, nil)
	for i := 1; i <= 18; i++ {
		appendRecord(t, audits, at(2+i), models.ActionSendSucceeded, map[string]any{models.DetailLatencyMs: int64(i)})
	}
	appendRecord(t, audits, at(40), models.ActionSendFailed, map[string]any{
		models.DetailLatencyMs: float64(19),
		models.DetailStatus:    string(models.StatusRetryScheduled),
	})
	appendRecord(t, audits, at(41), models.ActionSendFailed, map[string]any{
		models.DetailLatencyMs: float64(20),
		models.DetailStatus:    string(models.StatusDeadLettered),
	})
	appendRecord(t, audits, at(42), models.ActionRateLimited, nil)
	appendRecord(t, audits, at(43), models.ActionStatusReconciled, map[string]any{models.DetailTo: string(models.StatusDelivered)})
	appendRecord(t, audits, at(44), models.ActionStatusReconciled, map[string]any{models.DetailOrphan: true})

	// Outside the interval.
	appendRecord(t, audits, bucketStart.Add(-time.Second), models.ActionEnqueued, nil)
	appendRecord(t, audits, bucketStart.Add(time.Minute), models.ActionSendSucceeded, nil)

	a := newTestAggregator(audits, NewMemoryStore(), bucketStart.Add(2*time.Minute))
	b, err := a.Compute(context.Background(), bucketStart)
	require.NoError(t, err)

	assert.Equal(t, models.BucketID(bucketStart), b.ID)
	assert.Equal(t, 2, b.TotalQueued)
	assert.Equal(t, 18, b.TotalSent)
	assert.Equal(t, 2, b.TotalFailed)
	assert.Equal(t, 1, b.TotalRateLimited)
	assert.Equal(t, 1, b.TotalDelivered)
	assert.Equal(t, 1, b.TotalDeadLettered)
	assert.Equal(t, 7, b.QueueDepth)
	assert.InDelta(t, 10.5, b.AvgLatencyMs, 1e-9)
	assert.Equal(t, 19.0, b.P95LatencyMs)
	assert.True(t, b.Closed)

	rate, ok := b.SuccessRate()
	assert.True(t, ok)
	assert.InDelta(t, 0.9, rate, 1e-9)
}

func TestCloseBucket_RecomputeOverwrites(t *testing.T) {
	audits := audit.NewMemoryStore()
	store := NewMemoryStore()
	a := newTestAggregator(audits, store, bucketStart.Add(5*time.Minute))
	ctx := context.Background()

	appendRecord(t, audits, bucketStart.Add(time.Second), models.ActionSendSucceeded, nil)

	_, err := a.CloseBucket(ctx, bucketStart)
	require.NoError(t, err)
	_, err = a.CloseBucket(ctx, bucketStart)
	require.NoError(t, err)

	buckets, err := a.List(ctx, bucketStart, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[0].TotalSent, "recomputation must not increment")

	// A late record is picked up by the next recomputation.
	appendRecord(t, audits, bucketStart.Add(2*time.Second), models.ActionSendSucceeded, nil)
	_, err = a.CloseBucket(ctx, bucketStart)
	require.NoError(t, err)
	buckets, _ = a.List(ctx, bucketStart, 0)
	assert.Equal(t, 2, buckets[0].TotalSent)
}

// Recomputing a closed bucket keeps the depth sampled at its close; the
// live depth at recompute time belongs to a later interval.
func TestCloseBucket_RecomputeKeepsQueueDepth(t *testing.T) {
	audits := audit.NewMemoryStore()
	store := NewMemoryStore()
	depth := &varDepth{n: 3}
	a := NewAggregator(Config{
		Store:    store,
		Audit:    audits,
		Depth:    depth,
		Interval: time.Minute,
		Now:      func() time.Time { return bucketStart.Add(5 * time.Minute) },
	})
	ctx := context.Background()

	b, err := a.CloseBucket(ctx, bucketStart)
	require.NoError(t, err)
	assert.Equal(t, 3, b.QueueDepth)

	depth.n = 40
	appendRecord(t, audits, bucketStart.Add(time.Second), models.ActionSendSucceeded, nil)
	b, err = a.CloseBucket(ctx, bucketStart)
	require.NoError(t, err)
	assert.Equal(t, 3, b.QueueDepth)

	buckets, err := a.List(ctx, bucketStart, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 3, buckets[0].QueueDepth)
	assert.Equal(t, 1, buckets[0].TotalSent)

	// A different bucket samples the live depth.
	b, err = a.CloseBucket(ctx, bucketStart.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 40, b.QueueDepth)
}

func TestCurrent_IsOpen(t *testing.T) {
	audits := audit.NewMemoryStore()
	now := bucketStart.Add(30 * time.Second)
	a := newTestAggregator(audits, NewMemoryStore(), now)

	appendRecord(t, audits, bucketStart.Add(10*time.Second), models.ActionEnqueued, nil)

	b, err := a.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bucketStart, b.BucketStart)
	assert.False(t, b.Closed)
	assert.Equal(t, 1, b.TotalQueued)
}

func TestStart_BackfillsPreviousBucket(t *testing.T) {
	audits := audit.NewMemoryStore()
	store := NewMemoryStore()
	now := bucketStart.Add(90 * time.Second)
	a := newTestAggregator(audits, store, now)

	appendRecord(t, audits, bucketStart.Add(5*time.Second), models.ActionRateLimited, nil)

	a.Start(context.Background())
	a.Stop()

	buckets, err := store.List(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, bucketStart, buckets[0].BucketStart)
	assert.Equal(t, 1, buckets[0].TotalRateLimited)
}

func TestLatencyStats(t *testing.T) {
	avg, p95 := latencyStats(nil)
	assert.Zero(t, avg)
	assert.Zero(t, p95)

	avg, p95 = latencyStats([]float64{100})
	assert.Equal(t, 100.0, avg)
	assert.Equal(t, 100.0, p95)

	values := make([]float64, 0, 100)
	for i := 100; i >= 1; i-- {
		values = append(values, float64(i))
	}
	_, p95 = latencyStats(values)
	assert.Equal(t, 95.0, p95)
}
