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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadline/messaging/internal/models"
)

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresStore is the durable Store. Claims use FOR UPDATE SKIP LOCKED so
// any number of workers, in any number of processes, can poll the same
// table without handing out an entry twice.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the store and ensures its table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	slog.Info("message queue store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS message_entries (
			id                  TEXT PRIMARY KEY,
			conversation_id     TEXT NOT NULL DEFAULT '',
			sender_id           TEXT NOT NULL DEFAULT '',
			recipient_address   TEXT NOT NULL,
			payload             JSONB NOT NULL,
			idempotency_key     TEXT,
			status              TEXT NOT NULL,
			attempt_count       INTEGER NOT NULL DEFAULT 0,
			next_attempt_at     TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL,
			last_transition_at  TIMESTAMPTZ NOT NULL,
			provider_message_id TEXT,
			last_error          TEXT NOT NULL DEFAULT '',
			requeued_from       TEXT,
			claimed_by          TEXT NOT NULL DEFAULT '',
			claimed_from        TEXT NOT NULL DEFAULT '',
			claimed_at          TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_provider_id
			ON message_entries(provider_message_id) WHERE provider_message_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_idempotency_key
			ON message_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_entries_claimable
			ON message_entries(status, next_attempt_at, created_at);
		CREATE INDEX IF NOT EXISTS idx_entries_claimed_at
			ON message_entries(claimed_at) WHERE status = 'processing';
	`)
	return err
}

const entryColumns = `
	id, conversation_id, sender_id, recipient_address, payload,
	idempotency_key, status, attempt_count, next_attempt_at, created_at,
	last_transition_at, provider_message_id, last_error, requeued_from,
	claimed_by, claimed_from, claimed_at`

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, e *models.MessageEntry) error {
	payload, err := models.MarshalPayload(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO message_entries
			(id, conversation_id, sender_id, recipient_address, payload,
			 idempotency_key, status, attempt_count, next_attempt_at,
			 created_at, last_transition_at, requeued_from)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, NULLIF($12, ''))
	`, e.ID, e.ConversationID, e.SenderID, e.RecipientAddress, payload,
		e.IdempotencyKey, string(e.Status), e.AttemptCount, e.NextAttemptAt,
		e.CreatedAt, e.LastTransitionAt, e.RequeuedFrom)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.MessageEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM message_entries WHERE id = $1`, id)
	return scanEntry(row)
}

// FindByProviderMessageID implements Store.
func (s *PostgresStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.MessageEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM message_entries WHERE provider_message_id = $1
	`, providerMessageID)
	return scanEntry(row)
}

// Claim implements Store.
func (s *PostgresStore) Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]*models.MessageEntry, error) {
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM message_entries
			WHERE status = 'queued'
			   OR (status = 'retry_scheduled' AND (next_attempt_at IS NULL OR next_attempt_at <= $2))
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE message_entries m
		SET claimed_from       = m.status,
		    status             = 'processing',
		    claimed_by         = $1,
		    claimed_at         = $2,
		    last_transition_at = $2
		FROM picked
		WHERE m.id = picked.id
		RETURNING `+prefixed("m")+`
	`, workerID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Transition implements Store.
func (s *PostgresStore) Transition(ctx context.Context, id string, cond Condition, upd Update) (*models.MessageEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE message_entries
		SET status              = $4::text,
		    attempt_count       = $5,
		    next_attempt_at     = $6,
		    provider_message_id = COALESCE(NULLIF($7, ''), provider_message_id),
		    last_error          = $8,
		    last_transition_at  = $9,
		    claimed_by          = CASE WHEN $4::text = 'processing' THEN claimed_by ELSE '' END,
		    claimed_from        = CASE WHEN $4::text = 'processing' THEN claimed_from ELSE '' END,
		    claimed_at          = CASE WHEN $4::text = 'processing' THEN claimed_at ELSE NULL END
		WHERE id = $1 AND status = $2 AND ($3::text = '' OR claimed_by = $3::text)
		RETURNING `+entryColumns,
		id, string(cond.Status), cond.ClaimedBy,
		string(upd.Status), upd.AttemptCount, upd.NextAttemptAt,
		upd.ProviderMessageID, upd.LastError, upd.At)

	e, err := scanEntry(row)
	if !errors.Is(err, ErrNotFound) {
		return e, err
	}

	// Zero rows: tell a missing entry apart from a lost race.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM message_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConflict
}

// RecoverStale implements Store.
func (s *PostgresStore) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE message_entries
		SET status             = CASE WHEN claimed_from = 'retry_scheduled' THEN 'retry_scheduled' ELSE 'queued' END,
		    claimed_by         = '',
		    claimed_from       = '',
		    claimed_at         = NULL,
		    last_transition_at = $2
		WHERE status = 'processing' AND claimed_at < $1
	`, claimedBefore, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListByStatus implements Store.
func (s *PostgresStore) ListByStatus(ctx context.Context, status models.Status, since time.Time, limit int) ([]*models.MessageEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM message_entries
		WHERE status = $1 AND created_at >= $2
		ORDER BY created_at
		LIMIT $3
	`, string(status), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// CountPending implements Store.
func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM message_entries
		WHERE status IN ('queued', 'processing', 'retry_scheduled')
	`).Scan(&n)
	return n, err
}

func prefixed(alias string) string {
	return alias + `.id, ` + alias + `.conversation_id, ` + alias + `.sender_id, ` +
		alias + `.recipient_address, ` + alias + `.payload, ` + alias + `.idempotency_key, ` +
		alias + `.status, ` + alias + `.attempt_count, ` + alias + `.next_attempt_at, ` +
		alias + `.created_at, ` + alias + `.last_transition_at, ` + alias + `.provider_message_id, ` +
		alias + `.last_error, ` + alias + `.requeued_from, ` + alias + `.claimed_by, ` +
		alias + `.claimed_from, ` + alias + `.claimed_at`
}

func scanInto(row pgx.Row) (*models.MessageEntry, error) {
	var (
		e                                models.MessageEntry
		payload                          []byte
		status, claimedFrom              string
		idemKey, providerID, requeuedFrm *string
	)
	if err := row.Scan(
		&e.ID, &e.ConversationID, &e.SenderID, &e.RecipientAddress, &payload,
		&idemKey, &status, &e.AttemptCount, &e.NextAttemptAt, &e.CreatedAt,
		&e.LastTransitionAt, &providerID, &e.LastError, &requeuedFrm,
		&e.ClaimedBy, &claimedFrom, &e.ClaimedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}
	e.Status = models.Status(status)
	e.ClaimedFrom = models.Status(claimedFrom)
	e.IdempotencyKey = deref(idemKey)
	e.ProviderMessageID = deref(providerID)
	e.RequeuedFrom = deref(requeuedFrm)
	return &e, nil
}

// scanEntry scans a single row, mapping no rows to ErrNotFound.
func scanEntry(row pgx.Row) (*models.MessageEntry, error) {
	e, err := scanInto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func collectEntries(rows pgx.Rows) ([]*models.MessageEntry, error) {
	var out []*models.MessageEntry
	for rows.Next() {
		e, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
