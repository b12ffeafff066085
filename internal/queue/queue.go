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

// Package queue is the durable outbound message queue. It owns the status
// state machine of a MessageEntry: enqueue with idempotency, CAS claims for
// workers, outcome recording with exponential backoff, delivery receipt
// reconciliation and operator requeue of dead-lettered entries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadline/messaging/internal/audit"
	"github.com/leadline/messaging/internal/dedup"
	"github.com/leadline/messaging/internal/models"
)

// OutcomeKind classifies the result of one send attempt.
type OutcomeKind int

const (
	OutcomeSent OutcomeKind = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	}
	return "unknown"
}

// Outcome is what a worker reports after calling the provider.
type Outcome struct {
	Kind              OutcomeKind
	ProviderMessageID string
	Error             string
}

// EnqueueRequest is the input of the enqueue API.
type EnqueueRequest struct {
	ConversationID   string
	SenderID         string
	RecipientAddress string
	Payload          models.Payload
	IdempotencyKey   string
}

// Config holds the queue policy.
type Config struct {
	MaxRetries int
	Backoff    Backoff

	// DefaultSenderID is used when a request names no sender.
	DefaultSenderID string

	Reserver dedup.Reserver
	Audit    audit.Recorder

	// Now defaults to time.Now.
	Now func() time.Time
}

// Queue implements the MessageQueue operations on top of a Store.
type Queue struct {
	store           Store
	maxRetries      int
	backoff         Backoff
	defaultSenderID string
	reserver        dedup.Reserver
	audit           audit.Recorder
	now             func() time.Time

	// reservedWait bounds how long Enqueue waits for a concurrent caller
	// holding the same idempotency key to finish its insert.
	reservedWait time.Duration
}

// New creates a queue.
func New(store Store, cfg Config) *Queue {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rec := cfg.Audit
	if rec == nil {
		rec = audit.Discard
	}
	return &Queue{
		store:           store,
		maxRetries:      cfg.MaxRetries,
		backoff:         cfg.Backoff,
		defaultSenderID: cfg.DefaultSenderID,
		reserver:        cfg.Reserver,
		audit:           rec,
		now:             now,
		reservedWait:    500 * time.Millisecond,
	}
}

// MaxRetries returns the configured retry budget.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Enqueue stores a new queued entry. When the idempotency key is already
// bound within the dedup window the existing entry is returned and created
// is false; no second Enqueued audit record is written.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (entry *models.MessageEntry, created bool, err error) {
	if strings.TrimSpace(req.RecipientAddress) == "" {
		return nil, false, fmt.Errorf("%w: recipient address is required", ErrInvalidRequest)
	}
	if err := validatePayload(req.Payload); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	senderID := req.SenderID
	if senderID == "" {
		senderID = q.defaultSenderID
	}
	if senderID == "" {
		return nil, false, fmt.Errorf("%w: sender_id is required", ErrInvalidRequest)
	}

	id := uuid.NewString()

	if req.IdempotencyKey != "" && q.reserver != nil {
		existing, err := q.reserveKey(ctx, req.IdempotencyKey, id)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			slog.Debug("enqueue deduplicated",
				"idempotency_key", req.IdempotencyKey,
				"message_id", existing.ID,
			)
			return existing, false, nil
		}
	}

	now := q.now().UTC()
	e := &models.MessageEntry{
		ID:               id,
		ConversationID:   req.ConversationID,
		SenderID:         senderID,
		RecipientAddress: req.RecipientAddress,
		Payload:          req.Payload,
		IdempotencyKey:   req.IdempotencyKey,
		Status:           models.StatusQueued,
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	if err := q.store.Insert(ctx, e); err != nil {
		if req.IdempotencyKey != "" && q.reserver != nil {
			if relErr := q.reserver.Release(ctx, req.IdempotencyKey, id); relErr != nil {
				slog.Warn("failed to release idempotency key", "key", req.IdempotencyKey, "error", relErr)
			}
		}
		return nil, false, fmt.Errorf("insert message entry: %w", err)
	}

	q.audit.Record(ctx, e.ID, models.ActionEnqueued, map[string]any{
		models.DetailSender: e.SenderID,
		"conversation_id":   e.ConversationID,
		"payload_type":      string(e.Payload.Type),
	})

	return e, true, nil
}

// reserveKey binds key to id. It returns the entry the key already points
// at, or nil when the caller now owns the key. A binding whose entry never
// appears, because its writer died between reserving and inserting, is
// taken over.
func (q *Queue) reserveKey(ctx context.Context, key, id string) (*models.MessageEntry, error) {
	for attempt := 0; attempt < 3; attempt++ {
		bound, reserved, err := q.reserver.Reserve(ctx, key, id)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if reserved {
			return nil, nil
		}

		existing, err := q.awaitEntry(ctx, bound)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("resolve idempotency key %q: %w", key, err)
		}

		took, err := q.reserver.Rebind(ctx, key, bound, id)
		if err != nil {
			return nil, fmt.Errorf("rebind idempotency key: %w", err)
		}
		if took {
			slog.Warn("took over abandoned idempotency key",
				"idempotency_key", key,
				"abandoned_id", bound,
				"message_id", id,
			)
			return nil, nil
		}
		// Someone else moved the binding first; resolve the new holder.
	}
	return nil, fmt.Errorf("%w: idempotency key %q is contended", ErrConflict, key)
}

// awaitEntry resolves an id bound by a concurrent Enqueue whose insert may
// not have landed yet.
func (q *Queue) awaitEntry(ctx context.Context, id string) (*models.MessageEntry, error) {
	const step = 20 * time.Millisecond
	tries := int(q.reservedWait/step) + 1
	for i := 0; ; i++ {
		e, err := q.store.Get(ctx, id)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) || i >= tries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
	}
}

func validatePayload(p models.Payload) error {
	switch p.Type {
	case models.PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("text payload has empty body")
		}
	case models.PayloadTemplate:
		if p.Template == nil || p.Template.Name == "" {
			return fmt.Errorf("template payload has no template name")
		}
	default:
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
	return nil
}

// Get returns the full entry.
func (q *Queue) Get(ctx context.Context, id string) (*models.MessageEntry, error) {
	return q.store.Get(ctx, id)
}

// GetStatus implements the status query API.
func (q *Queue) GetStatus(ctx context.Context, id string) (models.StatusView, error) {
	e, err := q.store.Get(ctx, id)
	if err != nil {
		return models.StatusView{}, err
	}
	return e.View(), nil
}

// FindByProviderMessageID resolves a provider-issued id to its entry.
func (q *Queue) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.MessageEntry, error) {
	return q.store.FindByProviderMessageID(ctx, providerMessageID)
}

// ClaimNextBatch hands up to limit eligible entries to workerID.
func (q *Queue) ClaimNextBatch(ctx context.Context, workerID string, limit int) ([]*models.MessageEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	return q.store.Claim(ctx, workerID, limit, q.now().UTC())
}

// Release returns a claimed entry to the state it was claimed from without
// consuming an attempt. Used when the rate limiter denies a send.
func (q *Queue) Release(ctx context.Context, id, workerID string) (*models.MessageEntry, error) {
	cur, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusProcessing || cur.ClaimedBy != workerID {
		return nil, ErrConflict
	}

	back := cur.ClaimedFrom
	if back != models.StatusRetryScheduled {
		back = models.StatusQueued
	}

	return q.store.Transition(ctx, id, Condition{Status: models.StatusProcessing, ClaimedBy: workerID}, Update{
		Status:        back,
		AttemptCount:  cur.AttemptCount,
		NextAttemptAt: cur.NextAttemptAt,
		LastError:     cur.LastError,
		At:            q.now().UTC(),
	})
}

// MarkOutcome records the result of a send attempt made by workerID.
func (q *Queue) MarkOutcome(ctx context.Context, id, workerID string, outcome Outcome) (*models.MessageEntry, error) {
	cur, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusProcessing || cur.ClaimedBy != workerID {
		return nil, ErrConflict
	}

	now := q.now().UTC()
	var upd Update

	switch outcome.Kind {
	case OutcomeSent:
		upd = Update{
			Status:            models.StatusSent,
			AttemptCount:      cur.AttemptCount,
			ProviderMessageID: outcome.ProviderMessageID,
			At:                now,
		}
	case OutcomeTransientFailure:
		upd = q.failureUpdate(cur, outcome.Error, now)
	case OutcomePermanentFailure:
		upd = Update{
			Status:       models.StatusRejected,
			AttemptCount: cur.AttemptCount + 1,
			LastError:    outcome.Error,
			At:           now,
		}
	default:
		return nil, fmt.Errorf("mark outcome: unknown outcome kind %d", outcome.Kind)
	}

	if err := checkPath(models.StatusProcessing, upd.Status); err != nil {
		return nil, err
	}

	return q.store.Transition(ctx, id, Condition{Status: models.StatusProcessing, ClaimedBy: workerID}, upd)
}

// failureUpdate charges one attempt and schedules a retry, or dead-letters
// the entry once the retry budget is spent.
func (q *Queue) failureUpdate(cur *models.MessageEntry, reason string, now time.Time) Update {
	attempts := cur.AttemptCount + 1
	if attempts > q.maxRetries {
		return Update{
			Status:       models.StatusDeadLettered,
			AttemptCount: attempts,
			LastError:    reason,
			At:           now,
		}
	}

	next := now.Add(q.backoff.Next(attempts))
	return Update{
		Status:        models.StatusRetryScheduled,
		AttemptCount:  attempts,
		NextAttemptAt: &next,
		LastError:     reason,
		At:            now,
	}
}

// checkPath validates from -> to, allowing the transient failed hop.
func checkPath(from, to models.Status) error {
	if models.CanTransition(from, to) {
		return nil
	}
	if models.CanTransition(from, models.StatusFailed) && models.CanTransition(models.StatusFailed, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// MarkDelivered applies a delivery receipt. A receipt for an already
// delivered entry is a no-op and reports changed=false.
func (q *Queue) MarkDelivered(ctx context.Context, id string) (entry *models.MessageEntry, changed bool, err error) {
	cur, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if cur.Status == models.StatusDelivered {
		return cur, false, nil
	}
	if !models.CanTransition(cur.Status, models.StatusDelivered) {
		return cur, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, models.StatusDelivered)
	}

	e, err := q.store.Transition(ctx, id, Condition{Status: models.StatusSent}, Update{
		Status:       models.StatusDelivered,
		AttemptCount: cur.AttemptCount,
		LastError:    cur.LastError,
		At:           q.now().UTC(),
	})
	if errors.Is(err, ErrConflict) {
		// A concurrent receipt won; report the state it left behind.
		latest, getErr := q.store.Get(ctx, id)
		if getErr == nil && latest.Status == models.StatusDelivered {
			return latest, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// MarkDeliveryFailed applies a "failed" delivery receipt for a sent entry.
// Permanent provider errors reject the entry; anything else is charged as a
// failed attempt and retried.
func (q *Queue) MarkDeliveryFailed(ctx context.Context, id string, permanent bool, reason string) (*models.MessageEntry, error) {
	cur, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusSent {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, models.StatusFailed)
	}

	now := q.now().UTC()
	upd := q.failureUpdate(cur, reason, now)
	if permanent {
		upd = Update{
			Status:       models.StatusRejected,
			AttemptCount: cur.AttemptCount + 1,
			LastError:    reason,
			At:           now,
		}
	}
	upd.ProviderMessageID = cur.ProviderMessageID

	return q.store.Transition(ctx, id, Condition{Status: models.StatusSent}, upd)
}

// Requeue is the operator action for a dead-lettered entry. The original
// stays terminal; a fresh queued entry carrying the same content is created
// and linked through RequeuedFrom. Repeating the call within the dedup
// window returns the same replacement.
func (q *Queue) Requeue(ctx context.Context, id string) (*models.MessageEntry, error) {
	cur, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusDeadLettered {
		return nil, fmt.Errorf("%w: only dead-lettered entries can be requeued (status %s)", ErrInvalidTransition, cur.Status)
	}

	newID := uuid.NewString()
	key := "requeue:" + cur.ID
	if q.reserver != nil {
		existing, err := q.reserveKey(ctx, key, newID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := q.now().UTC()
	e := &models.MessageEntry{
		ID:               newID,
		ConversationID:   cur.ConversationID,
		SenderID:         cur.SenderID,
		RecipientAddress: cur.RecipientAddress,
		Payload:          cur.Payload,
		Status:           models.StatusQueued,
		CreatedAt:        now,
		LastTransitionAt: now,
		RequeuedFrom:     cur.ID,
	}
	if err := q.store.Insert(ctx, e); err != nil {
		if q.reserver != nil {
			_ = q.reserver.Release(ctx, key, newID)
		}
		return nil, fmt.Errorf("insert requeued entry: %w", err)
	}

	q.audit.Record(ctx, cur.ID, models.ActionRequeued, map[string]any{
		models.DetailRequeuedTo: e.ID,
	})
	q.audit.Record(ctx, e.ID, models.ActionEnqueued, map[string]any{
		models.DetailSender: e.SenderID,
		"conversation_id":   e.ConversationID,
		"requeued_from":     cur.ID,
	})

	slog.Info("dead-lettered entry requeued", "message_id", cur.ID, "new_message_id", e.ID)
	return e, nil
}

// ListByStatus lists entries in status created at or after since.
func (q *Queue) ListByStatus(ctx context.Context, status models.Status, since time.Time, limit int) ([]*models.MessageEntry, error) {
	return q.store.ListByStatus(ctx, status, since, limit)
}

// RecoverStale releases claims older than lease, for workers that died
// mid-attempt.
func (q *Queue) RecoverStale(ctx context.Context, lease time.Duration) (int, error) {
	now := q.now().UTC()
	return q.store.RecoverStale(ctx, now.Add(-lease), now)
}

// CountPending returns the number of non-terminal entries.
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	return q.store.CountPending(ctx)
}
