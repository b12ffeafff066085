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

package dedup

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how often Reserve walks the map for expired keys.
const sweepEvery = time.Minute

type binding struct {
	id        string
	expiresAt time.Time
}

// MemoryReserver is a process-local Reserver for single-node deployments
// and tests.
type MemoryReserver struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	keys      map[string]binding
	lastSweep time.Time
}

// NewMemoryReserver creates an in-process reserver.
func NewMemoryReserver(ttl time.Duration) *MemoryReserver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryReserver{
		ttl:  ttl,
		now:  time.Now,
		keys: make(map[string]binding),
	}
}

// Reserve implements Reserver.
func (m *MemoryReserver) Reserve(_ context.Context, key, candidateID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	if b, ok := m.keys[key]; ok && now.Before(b.expiresAt) {
		return b.id, false, nil
	}
	m.keys[key] = binding{id: candidateID, expiresAt: now.Add(m.ttl)}
	return candidateID, true, nil
}

// Release implements Reserver.
func (m *MemoryReserver) Release(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.keys[key]; ok && b.id == id {
		delete(m.keys, key)
	}
	return nil
}

// Rebind implements Reserver.
func (m *MemoryReserver) Rebind(_ context.Context, key, oldID, newID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.keys[key]
	if !ok || b.id != oldID || !now.Before(b.expiresAt) {
		return false, nil
	}
	m.keys[key] = binding{id: newID, expiresAt: now.Add(m.ttl)}
	return true, nil
}

// Len reports how many bindings are held, expired or not.
func (m *MemoryReserver) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// sweep drops expired bindings. Callers hold m.mu.
func (m *MemoryReserver) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepEvery {
		return
	}
	m.lastSweep = now
	for k, b := range m.keys {
		if !now.Before(b.expiresAt) {
			delete(m.keys, k)
		}
	}
}
