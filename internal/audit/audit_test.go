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

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadline/messaging/internal/models"
)

type failingStore struct{ calls int }

func (f *failingStore) Append(context.Context, *models.AuditRecord) error {
	f.calls++
	return errors.New("audit store down")
}

func (f *failingStore) ListByEntry(context.Context, string) ([]models.AuditRecord, error) {
	return nil, nil
}

func (f *failingStore) ListBetween(context.Context, time.Time, time.Time) ([]models.AuditRecord, error) {
	return nil, nil
}

func TestLogger_RecordOrdersByTimeThenSeq(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLogger(LoggerConfig{Store: store, Now: func() time.Time { return now }})
	ctx := context.Background()

	l.Record(ctx, "m1", models.ActionEnqueued, nil)
	l.Record(ctx, "m1", models.ActionSendAttempted, map[string]any{models.DetailAttempt: 1})
	l.Record(ctx, "m2", models.ActionEnqueued, nil)
	now = now.Add(time.Second)
	l.Record(ctx, "m1", models.ActionSendSucceeded, map[string]any{models.DetailLatencyMs: int64(42)})

	recs, err := l.ListByEntry(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, models.ActionEnqueued, recs[0].Action)
	assert.Equal(t, models.ActionSendAttempted, recs[1].Action)
	assert.Equal(t, models.ActionSendSucceeded, recs[2].Action)
	assert.Less(t, recs[0].Seq, recs[1].Seq)

	lat, ok := recs[2].DetailFloat(models.DetailLatencyMs)
	assert.True(t, ok)
	assert.Equal(t, 42.0, lat)
}

func TestLogger_RecordWithoutEntry(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(LoggerConfig{Store: store})

	l.Record(context.Background(), "", models.ActionWebhookRejected, map[string]any{models.DetailReason: "bad signature"})

	all := store.All()
	require.Len(t, all, 1)
	assert.Nil(t, all[0].MessageEntryID)
	assert.Equal(t, "bad signature", all[0].DetailString(models.DetailReason))
}

func TestLogger_StoreFailureIsSwallowed(t *testing.T) {
	fs := &failingStore{}
	l := NewLogger(LoggerConfig{Store: fs})

	assert.NotPanics(t, func() {
		l.Record(context.Background(), "m1", models.ActionEnqueued, nil)
	})
	assert.Equal(t, 1, fs.calls)
}

func TestLogger_RecordSurvivesCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(LoggerConfig{Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Record(ctx, "m1", models.ActionSendFailed, nil)

	assert.Len(t, store.All(), 1)
}

func TestMemoryStore_ListBetweenIsHalfOpen(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, off := range []time.Duration{-time.Second, 0, 30 * time.Second, time.Minute} {
		require.NoError(t, store.Append(ctx, &models.AuditRecord{
			ID:         string(rune('a' + i)),
			Action:     models.ActionEnqueued,
			OccurredAt: start.Add(off),
		}))
	}

	recs, err := store.ListBetween(ctx, start, start.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, "c", recs[1].ID)
}
