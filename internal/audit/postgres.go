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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadline/messaging/internal/models"
)

// PostgresStore persists audit records in an append-only table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the store and ensures its table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	slog.Info("audit store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			seq              BIGSERIAL PRIMARY KEY,
			id               TEXT NOT NULL UNIQUE,
			message_entry_id TEXT,
			action           TEXT NOT NULL,
			detail           JSONB NOT NULL DEFAULT '{}'::jsonb,
			occurred_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entry ON audit_records(message_entry_id, occurred_at, seq);
		CREATE INDEX IF NOT EXISTS idx_audit_occurred ON audit_records(occurred_at, seq);
	`)
	return err
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, rec *models.AuditRecord) error {
	detail := rec.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	return s.pool.QueryRow(ctx, `
		INSERT INTO audit_records (id, message_entry_id, action, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, rec.ID, rec.MessageEntryID, string(rec.Action), raw, rec.OccurredAt).Scan(&rec.Seq)
}

// ListByEntry implements Store.
func (s *PostgresStore) ListByEntry(ctx context.Context, entryID string) ([]models.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, message_entry_id, action, detail, occurred_at
		FROM audit_records
		WHERE message_entry_id = $1
		ORDER BY occurred_at, seq
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListBetween implements Store.
func (s *PostgresStore) ListBetween(ctx context.Context, from, to time.Time) ([]models.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, message_entry_id, action, detail, occurred_at
		FROM audit_records
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at, seq
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	for rows.Next() {
		var (
			r      models.AuditRecord
			action string
			raw    []byte
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.MessageEntryID, &action, &raw, &r.OccurredAt); err != nil {
			return nil, err
		}
		r.Action = models.Action(action)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
