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

package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadline/messaging/internal/models"
)

var (
	// ErrOpenExists is returned by Create when the rule already has an
	// open alert.
	ErrOpenExists = errors.New("rule already has an open alert")

	// ErrNotFound is returned when no alert matches.
	ErrNotFound = errors.New("alert not found")
)

// Store persists alerts. At most one alert per rule may be open.
type Store interface {
	Create(ctx context.Context, a *models.Alert) error
	Resolve(ctx context.Context, id string, at time.Time) error
	OpenByRule(ctx context.Context, ruleID string) (*models.Alert, error)

	// List returns alerts newest first.
	List(ctx context.Context, openOnly bool, limit int) ([]models.Alert, error)
}

// MemoryStore keeps alerts in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	alerts []models.Alert
}

// NewMemoryStore creates an empty in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.alerts {
		if existing.RuleID == a.RuleID && existing.IsOpen() {
			return ErrOpenExists
		}
	}
	m.alerts = append(m.alerts, *a)
	return nil
}

// Resolve implements Store.
func (m *MemoryStore) Resolve(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID == id && m.alerts[i].IsOpen() {
			t := at
			m.alerts[i].ResolvedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

// OpenByRule implements Store.
func (m *MemoryStore) OpenByRule(_ context.Context, ruleID string) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.RuleID == ruleID && a.IsOpen() {
			out := a
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, openOnly bool, limit int) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Alert
	for _, a := range m.alerts {
		if openOnly && !a.IsOpen() {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresStore persists alerts. The one-open-alert-per-rule rule is
// enforced by a partial unique index.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the store and ensures its table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure alert schema: %w", err)
	}
	slog.Info("alert store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS alerts (
			id               TEXT PRIMARY KEY,
			metric_bucket_id TEXT NOT NULL,
			rule_id          TEXT NOT NULL,
			severity         TEXT NOT NULL,
			message          TEXT NOT NULL DEFAULT '',
			value            DOUBLE PRECISION NOT NULL DEFAULT 0,
			raised_at        TIMESTAMPTZ NOT NULL,
			resolved_at      TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_rule ON alerts(rule_id) WHERE resolved_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_alerts_raised ON alerts(raised_at DESC);
	`)
	return err
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, a *models.Alert) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, metric_bucket_id, rule_id, severity, message, value, raised_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id) WHERE resolved_at IS NULL DO NOTHING
	`, a.ID, a.MetricBucketID, a.RuleID, string(a.Severity), a.Message, a.Value, a.RaisedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOpenExists
	}
	return nil
}

// Resolve implements Store.
func (s *PostgresStore) Resolve(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenByRule implements Store.
func (s *PostgresStore) OpenByRule(ctx context.Context, ruleID string) (*models.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, metric_bucket_id, rule_id, severity, message, value, raised_at, resolved_at
		FROM alerts
		WHERE rule_id = $1 AND resolved_at IS NULL
	`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts, err := collectAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, ErrNotFound
	}
	return &alerts[0], nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, openOnly bool, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, metric_bucket_id, rule_id, severity, message, value, raised_at, resolved_at
		FROM alerts
		WHERE NOT $1::boolean OR resolved_at IS NULL
		ORDER BY raised_at DESC
		LIMIT $2
	`, openOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func collectAlerts(rows pgx.Rows) ([]models.Alert, error) {
	var out []models.Alert
	for rows.Next() {
		var (
			a        models.Alert
			severity string
		)
		if err := rows.Scan(&a.ID, &a.MetricBucketID, &a.RuleID, &severity, &a.Message, &a.Value, &a.RaisedAt, &a.ResolvedAt); err != nil {
			return nil, err
		}
		a.Severity = models.Severity(severity)
		out = append(out, a)
	}
	return out, rows.Err()
}
