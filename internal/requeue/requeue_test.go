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

package requeue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadline/messaging/internal/dedup"
	"github.com/leadline/messaging/internal/models"
	"github.com/leadline/messaging/internal/queue"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *queue.MemoryStore
	q      *queue.Queue
	runner *Runner
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	f := &fixture{store: queue.NewMemoryStore()}
	clock := func() time.Time { return now }
	f.q = queue.New(f.store, queue.Config{
		MaxRetries: 3,
		Reserver:   dedup.NewMemoryReserver(time.Hour),
		Now:        clock,
	})
	f.runner = NewRunner(RunnerConfig{Queue: f.q, PageSize: pageSize, Now: clock})
	return f
}

// deadLetter stores a dead-lettered entry created age before now.
func (f *fixture) deadLetter(t *testing.T, id, sender string, age time.Duration) {
	t.Helper()
	created := now.Add(-age)
	require.NoError(t, f.store.Insert(context.Background(), &models.MessageEntry{
		ID:               id,
		ConversationID:   "conv-" + id,
		SenderID:         sender,
		RecipientAddress: "+15550001111",
		Payload:          models.Payload{Type: models.PayloadText, Text: "hi"},
		Status:           models.StatusDeadLettered,
		AttemptCount:     4,
		CreatedAt:        created,
		LastTransitionAt: created,
	}))
}

func (f *fixture) queued(t *testing.T) []*models.MessageEntry {
	t.Helper()
	out, err := f.q.ListByStatus(context.Background(), models.StatusQueued, time.Time{}, 0)
	require.NoError(t, err)
	return out
}

// TestRun_RequeuesWithinWindow verifies only entries inside the lookback
// window are requeued and that originals stay dead-lettered.
func TestRun_RequeuesWithinWindow(t *testing.T) {
	f := newFixture(t, 10)
	f.deadLetter(t, "old", "s1", 48*time.Hour)
	f.deadLetter(t, "m1", "s1", 2*time.Hour)
	f.deadLetter(t, "m2", "s1", time.Hour)

	res, err := f.runner.Run(context.Background(), Request{Since: 24 * time.Hour})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Requeued)
	require.Len(t, res.Moves, 2)
	assert.Equal(t, "m1", res.Moves[0].From)
	assert.Equal(t, "m2", res.Moves[1].From)

	queued := f.queued(t)
	require.Len(t, queued, 2)
	for _, e := range queued {
		assert.Contains(t, []string{"m1", "m2"}, e.RequeuedFrom)
		assert.Equal(t, 0, e.AttemptCount)
	}

	orig, err := f.q.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLettered, orig.Status)
}

// TestRun_DryRun verifies nothing is written on a dry run.
func TestRun_DryRun(t *testing.T) {
	f := newFixture(t, 10)
	f.deadLetter(t, "m1", "s1", time.Hour)

	res, err := f.runner.Run(context.Background(), Request{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 0, res.Requeued)
	assert.Equal(t, []Move{{From: "m1"}}, res.Moves)
	assert.Empty(t, f.queued(t))
}

// TestRun_SenderFilter verifies entries of other senders are skipped.
func TestRun_SenderFilter(t *testing.T) {
	f := newFixture(t, 10)
	f.deadLetter(t, "m1", "s1", 3*time.Hour)
	f.deadLetter(t, "m2", "s2", 2*time.Hour)
	f.deadLetter(t, "m3", "s1", time.Hour)

	res, err := f.runner.Run(context.Background(), Request{SenderIDs: []string{"s1"}})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Requeued)
	assert.Equal(t, 1, res.Skipped)
}

// TestRun_PagesAndLimit verifies paging walks every entry once and that the
// limit stops the run.
func TestRun_PagesAndLimit(t *testing.T) {
	f := newFixture(t, 3)
	for i := 0; i < 10; i++ {
		f.deadLetter(t, fmt.Sprintf("m%02d", i), "s1", time.Duration(10-i)*time.Minute)
	}

	res, err := f.runner.Run(context.Background(), Request{Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Requeued)
	assert.Len(t, f.queued(t), 7)

	// A second run within the dedup window maps to the same replacements.
	res, err = f.runner.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Requeued)
	assert.Len(t, f.queued(t), 10)
}

// TestRun_Cancelled verifies a cancelled context stops between pages.
func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.pageDelay = time.Hour
	f.deadLetter(t, "m1", "s1", 2*time.Hour)
	f.deadLetter(t, "m2", "s1", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.runner.Run(ctx, Request{DryRun: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Matched)
}
