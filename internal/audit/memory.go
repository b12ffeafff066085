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
	"sort"
	"sync"
	"time"

	"github.com/leadline/messaging/internal/models"
)

// MemoryStore keeps audit records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	records []models.AuditRecord
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	r := *rec
	r.Seq = m.seq
	r.Detail = copyDetail(rec.Detail)
	rec.Seq = r.Seq
	m.records = append(m.records, r)
	return nil
}

// ListByEntry implements Store.
func (m *MemoryStore) ListByEntry(_ context.Context, entryID string) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AuditRecord
	for _, r := range m.records {
		if r.EntryID() == entryID {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

// ListBetween implements Store.
func (m *MemoryStore) ListBetween(_ context.Context, from, to time.Time) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AuditRecord
	for _, r := range m.records {
		if !r.OccurredAt.Before(from) && r.OccurredAt.Before(to) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

// All returns every record in append order.
func (m *MemoryStore) All() []models.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditRecord(nil), m.records...)
}

func sortRecords(rs []models.AuditRecord) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].OccurredAt.Equal(rs[j].OccurredAt) {
			return rs[i].OccurredAt.Before(rs[j].OccurredAt)
		}
		return rs[i].Seq < rs[j].Seq
	})
}

func copyDetail(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
