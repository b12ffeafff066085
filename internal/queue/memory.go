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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadline/messaging/internal/models"
)

// MemoryStore is a Store held in process memory. It serialises every
// operation behind one mutex, which makes claims trivially exclusive.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*models.MessageEntry
	byProvider map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*models.MessageEntry),
		byProvider: make(map[string]string),
	}
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, e *models.MessageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.ID]; ok {
		return fmt.Errorf("message entry %s already exists", e.ID)
	}
	if e.IdempotencyKey != "" {
		for _, other := range m.entries {
			if other.IdempotencyKey == e.IdempotencyKey {
				return fmt.Errorf("%w: idempotency key %q already used by %s", ErrConflict, e.IdempotencyKey, other.ID)
			}
		}
	}
	m.entries[e.ID] = e.Clone()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*models.MessageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// FindByProviderMessageID implements Store.
func (m *MemoryStore) FindByProviderMessageID(_ context.Context, providerMessageID string) (*models.MessageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byProvider[providerMessageID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.entries[id].Clone(), nil
}

func eligible(e *models.MessageEntry, now time.Time) bool {
	switch e.Status {
	case models.StatusQueued:
		return true
	case models.StatusRetryScheduled:
		return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
	}
	return false
}

// Claim implements Store. Entries are handed out oldest first.
func (m *MemoryStore) Claim(_ context.Context, workerID string, limit int, now time.Time) ([]*models.MessageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.MessageEntry
	for _, e := range m.entries {
		if eligible(e, now) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*models.MessageEntry, 0, len(candidates))
	for _, e := range candidates {
		at := now
		e.ClaimedFrom = e.Status
		e.Status = models.StatusProcessing
		e.ClaimedBy = workerID
		e.ClaimedAt = &at
		e.LastTransitionAt = now
		out = append(out, e.Clone())
	}
	return out, nil
}

// Transition implements Store.
func (m *MemoryStore) Transition(_ context.Context, id string, cond Condition, upd Update) (*models.MessageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != cond.Status || (cond.ClaimedBy != "" && e.ClaimedBy != cond.ClaimedBy) {
		return nil, ErrConflict
	}

	if upd.ProviderMessageID != "" && upd.ProviderMessageID != e.ProviderMessageID {
		if owner, taken := m.byProvider[upd.ProviderMessageID]; taken && owner != id {
			return nil, fmt.Errorf("provider message id %s already bound to %s", upd.ProviderMessageID, owner)
		}
		m.byProvider[upd.ProviderMessageID] = id
		e.ProviderMessageID = upd.ProviderMessageID
	}

	e.Status = upd.Status
	e.AttemptCount = upd.AttemptCount
	e.NextAttemptAt = upd.NextAttemptAt
	e.LastError = upd.LastError
	e.LastTransitionAt = upd.At
	if e.Status != models.StatusProcessing {
		e.ClaimedBy = ""
		e.ClaimedFrom = ""
		e.ClaimedAt = nil
	}
	return e.Clone(), nil
}

// RecoverStale implements Store.
func (m *MemoryStore) RecoverStale(_ context.Context, claimedBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.Status != models.StatusProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(claimedBefore) {
			continue
		}
		back := e.ClaimedFrom
		if back != models.StatusRetryScheduled {
			back = models.StatusQueued
		}
		e.Status = back
		e.ClaimedBy = ""
		e.ClaimedFrom = ""
		e.ClaimedAt = nil
		e.LastTransitionAt = now
		n++
	}
	return n, nil
}

// ListByStatus implements Store.
func (m *MemoryStore) ListByStatus(_ context.Context, status models.Status, since time.Time, limit int) ([]*models.MessageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.MessageEntry
	for _, e := range m.entries {
		if e.Status == status && !e.CreatedAt.Before(since) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountPending implements Store.
func (m *MemoryStore) CountPending(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.Status.IsPending() {
			n++
		}
	}
	return n, nil
}
