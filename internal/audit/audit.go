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

// Package audit is the append-only compliance trail of the pipeline. Every
// state change and external event is recorded here before metrics are
// derived from it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leadline/messaging/internal/models"
)

// Recorder appends audit records. Recording never fails the caller: an
// unavailable audit store is logged and the pipeline continues.
type Recorder interface {
	Record(ctx context.Context, entryID string, action models.Action, detail map[string]any)
}

type discard struct{}

func (discard) Record(context.Context, string, models.Action, map[string]any) {}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, rec *models.AuditRecord) error

	// ListByEntry returns the records of one entry ordered by
	// (occurred_at, seq).
	ListByEntry(ctx context.Context, entryID string) ([]models.AuditRecord, error)

	// ListBetween returns records with from <= occurred_at < to, ordered.
	ListBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error)
}

// LoggerConfig configures a Logger.
type LoggerConfig struct {
	Store Store

	// Timeout bounds a single append. Defaults to 2s.
	Timeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Logger is the Recorder used in production. It stamps records with an id
// and timestamp and writes them to the Store.
type Logger struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewLogger creates an audit logger.
func NewLogger(cfg LoggerConfig) *Logger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Logger{store: cfg.Store, timeout: cfg.Timeout, now: cfg.Now}
}

// Record implements Recorder. An empty entryID records an event that
// references no entry (orphan receipts, rejected webhooks).
func (l *Logger) Record(ctx context.Context, entryID string, action models.Action, detail map[string]any) {
	rec := &models.AuditRecord{
		ID:         uuid.NewString(),
		Action:     action,
		Detail:     detail,
		OccurredAt: l.now().UTC(),
	}
	if entryID != "" {
		id := entryID
		rec.MessageEntryID = &id
	}

	// The audit write outlives a cancelled request so the trail stays
	// complete for work that already happened.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.store.Append(ctx, rec); err != nil {
		slog.Error("failed to append audit record",
			"action", action,
			"message_id", entryID,
			"error", err,
		)
	}
}

// ListByEntry returns the trail of one entry.
func (l *Logger) ListByEntry(ctx context.Context, entryID string) ([]models.AuditRecord, error) {
	return l.store.ListByEntry(ctx, entryID)
}

// ListBetween returns every record in [from, to).
func (l *Logger) ListBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error) {
	return l.store.ListBetween(ctx, from, to)
}
