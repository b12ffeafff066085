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

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadline/messaging/internal/audit"
	"github.com/leadline/messaging/internal/dedup"
	"github.com/leadline/messaging/internal/models"
)

type fixture struct {
	q     *Queue
	store *MemoryStore
	audit *audit.MemoryStore
	now   time.Time
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		audit: audit.NewMemoryStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.q = New(f.store, Config{
		MaxRetries:      maxRetries,
		Backoff:         Backoff{Base: time.Second, Cap: time.Hour},
		DefaultSenderID: "sender-default",
		Reserver:        dedup.NewMemoryReserver(time.Hour),
		Audit:           audit.NewLogger(audit.LoggerConfig{Store: f.audit, Now: clock}),
		Now:             clock,
	})
	return f
}

func textRequest(key string) EnqueueRequest {
	return EnqueueRequest{
		ConversationID:   "conv-1",
		RecipientAddress: "+15550001111",
		Payload:          models.Payload{Type: models.PayloadText, Text: "hello"},
		IdempotencyKey:   key,
	}
}

func (f *fixture) actions(t *testing.T, id string) []models.Action {
	t.Helper()
	recs, err := f.audit.ListByEntry(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.Action, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Action)
	}
	return out
}

// claimOne claims the single eligible entry for worker w1.
func (f *fixture) claimOne(t *testing.T) *models.MessageEntry {
	t.Helper()
	got, err := f.q.ClaimNextBatch(context.Background(), "w1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func TestEnqueue_CreatesQueuedEntry(t *testing.T) {
	f := newFixture(t, 3)

	e, created, err := f.q.Enqueue(context.Background(), textRequest(""))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusQueued, e.Status)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Equal(t, "sender-default", e.SenderID)
	assert.Equal(t, []models.Action{models.ActionEnqueued}, f.actions(t, e.ID))
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	req := textRequest("")
	req.RecipientAddress = " "
	_, _, err := f.q.Enqueue(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = textRequest("")
	req.Payload = models.Payload{Type: models.PayloadTemplate}
	_, _, err = f.q.Enqueue(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = textRequest("")
	req.Payload = models.Payload{Type: "audio"}
	_, _, err = f.q.Enqueue(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEnqueue_IdempotencyKeyDeduplicates(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	first, created, err := f.q.Enqueue(ctx, textRequest("abc"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.q.Enqueue(ctx, textRequest("abc"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, []models.Action{models.ActionEnqueued}, f.actions(t, first.ID))
	n, _ := f.q.CountPending(ctx)
	assert.Equal(t, 1, n)
}

// A key whose holder never inserted its entry is taken over instead of
// failing every retry for the rest of its TTL.
func TestEnqueue_TakesOverAbandonedKey(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	reserver := dedup.NewMemoryReserver(time.Hour)
	f.q.reserver = reserver
	f.q.reservedWait = 20 * time.Millisecond

	_, reserved, err := reserver.Reserve(ctx, "abc", "id-never-inserted")
	require.NoError(t, err)
	require.True(t, reserved)

	first, created, err := f.q.Enqueue(ctx, textRequest("abc"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "id-never-inserted", first.ID)

	second, created, err := f.q.Enqueue(ctx, textRequest("abc"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, _ := f.q.CountPending(ctx)
	assert.Equal(t, 1, n)
}

// The store refuses a second entry for a key even when the reservation was
// bypassed.
func TestEnqueue_StoreRejectsDuplicateKey(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, _, err := f.q.Enqueue(ctx, textRequest("abc"))
	require.NoError(t, err)

	f.q.reserver = nil
	_, _, err = f.q.Enqueue(ctx, textRequest("abc"))
	assert.ErrorIs(t, err, ErrConflict)

	n, _ := f.q.CountPending(ctx)
	assert.Equal(t, 1, n)
}

func TestEnqueue_RequiresSender(t *testing.T) {
	f := newFixture(t, 3)
	f.q.defaultSenderID = ""
	ctx := context.Background()

	_, _, err := f.q.Enqueue(ctx, textRequest("abc"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	n, _ := f.q.CountPending(ctx)
	assert.Zero(t, n)

	// The rejected call must not hold the key.
	req := textRequest("abc")
	req.SenderID = "1055"
	e, created, err := f.q.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "1055", e.SenderID)
}

func TestEnqueue_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t, 3)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := f.q.Enqueue(context.Background(), textRequest("same"))
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			mu.Lock()
			ids[e.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	n, _ := f.q.CountPending(context.Background())
	assert.Equal(t, 1, n)
}

func TestClaim_ConcurrentWorkersNeverShareEntries(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	const total = 60
	for i := 0; i < total; i++ {
		_, _, err := f.q.Enqueue(ctx, textRequest(""))
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]string{}
		dups int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				batch, err := f.q.ClaimNextBatch(ctx, worker, 4)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					if _, ok := seen[e.ID]; ok {
						dups++
					}
					seen[e.ID] = worker
				}
				mu.Unlock()
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()

	assert.Zero(t, dups)
	assert.Len(t, seen, total)
}

// A transient failure on the first attempt schedules a retry after
// base * 2^1 and leaves the entry claimable only once that time passes.
func TestMarkOutcome_TransientSchedulesRetry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	e, _, err := f.q.Enqueue(ctx, textRequest(""))
	require.NoError(t, err)
	claimed := f.claimOne(t)
	require.Equal(t, e.ID, claimed.ID)
	assert.Equal(t, models.StatusProcessing, claimed.Status)

	got, err := f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeTransientFailure, Error: "HTTP 503"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetryScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, f.now.Add(2*time.Second), *got.NextAttemptAt)
	assert.Equal(t, "HTTP 503", got.LastError)

	batch, err := f.q.ClaimNextBatch(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "entry must not be claimable before next_attempt_at")

	f.now = f.now.Add(2 * time.Second)
	again := f.claimOne(t)
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, models.StatusRetryScheduled, again.ClaimedFrom)
}

func TestMarkOutcome_DeadLettersAfterMaxRetries(t *testing.T) {
	const maxRetries = 2
	f := newFixture(t, maxRetries)
	ctx := context.Background()

	e, _, err := f.q.Enqueue(ctx, textRequest(""))
	require.NoError(t, err)

	var last *models.MessageEntry
	for i := 0; i <= maxRetries; i++ {
		f.now = f.now.Add(time.Hour)
		f.claimOne(t)
		last, err = f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeTransientFailure, Error: "timeout"})
		require.NoError(t, err)
	}

	assert.Equal(t, models.StatusDeadLettered, last.Status)
	assert.Equal(t, maxRetries+1, last.AttemptCount)
	assert.Nil(t, last.NextAttemptAt)

	f.now = f.now.Add(time.Hour)
	batch, _ := f.q.ClaimNextBatch(ctx, "w1", 10)
	assert.Empty(t, batch)
}

func TestMarkOutcome_PermanentRejects(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	e, _, _ := f.q.Enqueue(ctx, textRequest(""))
	f.claimOne(t)

	got, err := f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomePermanentFailure, Error: "invalid recipient"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestMarkOutcome_SentKeepsAttemptCount(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	e, _, _ := f.q.Enqueue(ctx, textRequest(""))
	f.claimOne(t)

	got, err := f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeSent, ProviderMessageID: "wamid.1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, 0, got.AttemptCount)

	byProvider, err := f.q.FindByProviderMessageID(ctx, "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byProvider.ID)
}

func TestMarkOutcome_RequiresClaimHolder(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	e, _, _ := f.q.Enqueue(ctx, textRequest(""))
	_, err := f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeSent})
	assert.ErrorIs(t, err, ErrConflict, "unclaimed entry")

	f.claimOne(t)
	_, err = f.q.MarkOutcome(ctx, e.ID, "w2", Outcome{Kind: OutcomeSent})
	assert.ErrorIs(t, err, ErrConflict, "claimed by someone else")

	_, err = f.q.MarkOutcome(ctx, "missing", "w1", Outcome{Kind: OutcomeSent})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelease_ReturnsToClaimedFromWithoutAttempt(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	e, _, _ := f.q.Enqueue(ctx, textRequest(""))
	f.claimOne(t)

	got, err := f.q.Release(ctx, e.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Empty(t, got.ClaimedBy)

	// From retry_scheduled the release keeps the retry schedule.
	f.claimOne(t)
	_, err = f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeTransientFailure})
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	f.claimOne(t)

	got, err = f.q.Release(ctx, e.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetryScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestMarkDelivered(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	e, _, _ := f.q.Enqueue(ctx, textRequest(""))

	_, _, err := f.q.MarkDelivered(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "queued entry cannot be delivered")

	f.claimOne(t)
	_, err = f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeSent, ProviderMessageID: "wamid.2"})
	require.NoError(t, err)

	got, changed, err := f.q.MarkDelivered(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusDelivered, got.Status)

	got, changed, err = f.q.MarkDelivered(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusDelivered, got.Status)
}

func TestTerminalStatesDoNotRegress(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	e, _, _ := f.q.Enqueue(ctx, textRequest(""))
	f.claimOne(t)
	_, err := f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeSent, ProviderMessageID: "wamid.3"})
	require.NoError(t, err)
	_, _, err = f.q.MarkDelivered(ctx, e.ID)
	require.NoError(t, err)

	_, err = f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeTransientFailure})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.q.MarkDeliveryFailed(ctx, e.ID, false, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.q.Requeue(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	cur, _ := f.q.Get(ctx, e.ID)
	assert.Equal(t, models.StatusDelivered, cur.Status)
}

func TestMarkDeliveryFailed(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	send := func() *models.MessageEntry {
		e, _, _ := f.q.Enqueue(ctx, textRequest(""))
		f.claimOne(t)
		_, err := f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeSent, ProviderMessageID: "wamid." + e.ID})
		require.NoError(t, err)
		return e
	}

	transient := send()
	got, err := f.q.MarkDeliveryFailed(ctx, transient.ID, false, "131026")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetryScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "wamid."+transient.ID, got.ProviderMessageID)

	permanent := send()
	got, err = f.q.MarkDeliveryFailed(ctx, permanent.ID, true, "131008")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
}

func TestRequeue(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	e, _, _ := f.q.Enqueue(ctx, textRequest(""))
	f.claimOne(t)
	dl, err := f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeTransientFailure, Error: "down"})
	require.NoError(t, err)
	require.Equal(t, models.StatusDeadLettered, dl.Status)

	fresh, err := f.q.Requeue(ctx, e.ID)
	require.NoError(t, err)
	assert.NotEqual(t, e.ID, fresh.ID)
	assert.Equal(t, models.StatusQueued, fresh.Status)
	assert.Equal(t, e.ID, fresh.RequeuedFrom)
	assert.Equal(t, 0, fresh.AttemptCount)
	assert.Equal(t, e.Payload, fresh.Payload)

	again, err := f.q.Requeue(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, again.ID, "repeated requeue returns the same replacement")

	orig, _ := f.q.Get(ctx, e.ID)
	assert.Equal(t, models.StatusDeadLettered, orig.Status)

	assert.Contains(t, f.actions(t, e.ID), models.ActionRequeued)
	assert.Equal(t, []models.Action{models.ActionEnqueued}, f.actions(t, fresh.ID))

	_, err = f.q.Requeue(ctx, fresh.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	e, _, _ := f.q.Enqueue(ctx, textRequest(""))
	f.claimOne(t)

	n, err := f.q.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claim is not stale")

	f.now = f.now.Add(2 * time.Minute)
	n, err = f.q.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.q.Get(ctx, e.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 0, got.AttemptCount)

	// The original worker lost its claim.
	_, err = f.q.MarkOutcome(ctx, e.ID, "w1", Outcome{Kind: OutcomeSent})
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestBackoff_Next(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}
	assert.Equal(t, 2*time.Second, b.Next(1))
	assert.Equal(t, 8*time.Second, b.Next(3))
	assert.Equal(t, 30*time.Second, b.Next(10))
	assert.Equal(t, 30*time.Second, b.Next(200))

	jittered := Backoff{Base: time.Second, Cap: time.Minute, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := jittered.Next(2)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}

	low := Backoff{Base: time.Second, Cap: time.Minute, Jitter: 0.5, Rand: func() float64 { return 0 }}
	assert.Equal(t, 2*time.Second, low.Next(2))
}
