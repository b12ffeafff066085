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
	"time"

	"github.com/leadline/messaging/internal/models"
)

var (
	// ErrNotFound is returned when no entry matches the lookup.
	ErrNotFound = errors.New("message entry not found")

	// ErrConflict is returned when a conditional update lost its race: the
	// entry is no longer in the expected status or held by the caller.
	ErrConflict = errors.New("message entry changed concurrently")

	// ErrInvalidTransition is returned when the state machine forbids the
	// requested change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidRequest is returned by Enqueue for unusable input.
	ErrInvalidRequest = errors.New("invalid enqueue request")
)

// Condition guards a Transition. The update applies only while the entry is
// in Status and, when ClaimedBy is set, held by that worker.
type Condition struct {
	Status    models.Status
	ClaimedBy string
}

// Update is the full set of mutable fields written by a Transition.
// Claim bookkeeping is cleared whenever Status leaves processing.
type Update struct {
	Status            models.Status
	AttemptCount      int
	NextAttemptAt     *time.Time
	ProviderMessageID string // kept when empty
	LastError         string
	At                time.Time
}

// Store persists message entries. Every mutation is a conditional write so
// that concurrent workers and webhook handlers never overwrite each other.
type Store interface {
	Insert(ctx context.Context, e *models.MessageEntry) error
	Get(ctx context.Context, id string) (*models.MessageEntry, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.MessageEntry, error)

	// Claim atomically moves up to limit eligible entries (queued, or
	// retry_scheduled with next_attempt_at <= now) to processing.
	Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]*models.MessageEntry, error)

	// Transition applies upd if cond still holds, returning the new state.
	Transition(ctx context.Context, id string, cond Condition, upd Update) (*models.MessageEntry, error)

	// RecoverStale returns processing entries claimed before claimedBefore
	// to the status they were claimed from.
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int, error)

	ListByStatus(ctx context.Context, status models.Status, since time.Time, limit int) ([]*models.MessageEntry, error)
	CountPending(ctx context.Context) (int, error)
}
