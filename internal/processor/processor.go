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

// Package processor runs the worker pool that drains the message queue:
// each worker claims a batch, checks the sender's rate limit, calls the
// provider and records the outcome.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leadline/messaging/internal/audit"
	"github.com/leadline/messaging/internal/models"
	"github.com/leadline/messaging/internal/provider"
	"github.com/leadline/messaging/internal/queue"
	"github.com/leadline/messaging/internal/ratelimit"
)

// maxStorageBackoff caps the pause after repeated storage failures.
const maxStorageBackoff = 30 * time.Second

// Config holds the processor dependencies and tuning.
type Config struct {
	Queue   *queue.Queue
	Limiter ratelimit.Limiter
	Sender  provider.Sender
	Audit   audit.Recorder

	Workers      int
	BatchSize    int
	PollInterval time.Duration
	SendTimeout  time.Duration

	// StaleAfter is how long a claim may stay in processing before the
	// recovery loop returns it to the queue. Zero disables recovery.
	StaleAfter time.Duration

	// StorageBackoff is the first pause after a storage error; it doubles
	// on every consecutive failure up to 30s.
	StorageBackoff time.Duration

	// WorkerPrefix names workers "<prefix>-<n>".
	WorkerPrefix string

	Now func() time.Time
}

// Processor is the QueueProcessor worker pool.
type Processor struct {
	queue   *queue.Queue
	limiter ratelimit.Limiter
	sender  provider.Sender
	audit   audit.Recorder

	workers        int
	batchSize      int
	pollInterval   time.Duration
	sendTimeout    time.Duration
	staleAfter     time.Duration
	storageBackoff time.Duration
	workerPrefix   string
	now            func() time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a processor. Zero tuning values fall back to defaults.
func New(cfg Config) *Processor {
	p := &Processor{
		queue:          cfg.Queue,
		limiter:        cfg.Limiter,
		sender:         cfg.Sender,
		audit:          cfg.Audit,
		workers:        cfg.Workers,
		batchSize:      cfg.BatchSize,
		pollInterval:   cfg.PollInterval,
		sendTimeout:    cfg.SendTimeout,
		staleAfter:     cfg.StaleAfter,
		storageBackoff: cfg.StorageBackoff,
		workerPrefix:   cfg.WorkerPrefix,
		now:            cfg.Now,
	}
	if p.audit == nil {
		p.audit = audit.Discard
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.batchSize <= 0 {
		p.batchSize = 10
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.sendTimeout <= 0 {
		p.sendTimeout = 15 * time.Second
	}
	if p.storageBackoff <= 0 {
		p.storageBackoff = 500 * time.Millisecond
	}
	if p.workerPrefix == "" {
		p.workerPrefix = "worker"
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Start launches the workers and the stale-claim recovery loop.
func (p *Processor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(loopCtx)
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.workerPrefix, i)
		g.Go(func() error {
			p.workerLoop(gctx, workerID)
			return nil
		})
	}
	if p.staleAfter > 0 {
		g.Go(func() error {
			p.recoveryLoop(gctx)
			return nil
		})
	}
	p.group = g

	slog.Info("queue processor started",
		"workers", p.workers,
		"batch_size", p.batchSize,
		"poll_interval", p.pollInterval,
	)
}

// Stop cancels the loops and waits for in-flight sends to be recorded.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}
	slog.Info("queue processor stopped")
}

func (p *Processor) workerLoop(ctx context.Context, workerID string) {
	var backoff time.Duration

	for {
		n, err := p.ProcessOnce(ctx, workerID)

		wait := p.pollInterval
		switch {
		case err != nil && ctx.Err() == nil:
			backoff = nextBackoff(backoff, p.storageBackoff)
			wait = backoff
			slog.Error("worker iteration failed, backing off",
				"worker", workerID,
				"backoff", backoff,
				"error", err,
			)
		case err == nil:
			backoff = 0
			if n >= p.batchSize {
				// A full batch means more work is probably waiting.
				wait = 0
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func nextBackoff(cur, initial time.Duration) time.Duration {
	if cur <= 0 {
		return initial
	}
	cur *= 2
	if cur > maxStorageBackoff {
		cur = maxStorageBackoff
	}
	return cur
}

func (p *Processor) recoveryLoop(ctx context.Context) {
	interval := p.staleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RecoverStale(ctx, p.staleAfter)
			if err != nil {
				slog.Error("failed to recover stale claims", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("recovered stale claims", "count", n)
			}
		}
	}
}

// ProcessOnce claims one batch for workerID and handles every entry in it.
// It returns the number of entries that reached the provider; entries
// deferred by the rate limiter or handed back are not counted. A non-nil
// error means storage was unavailable.
//
// Once a sender is denied, its remaining entries in the batch are released
// without consulting the limiter again.
func (p *Processor) ProcessOnce(ctx context.Context, workerID string) (int, error) {
	entries, err := p.queue.ClaimNextBatch(ctx, workerID, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}

	attempted := 0
	deferred := make(map[string]bool)
	for i, e := range entries {
		if ctx.Err() != nil {
			p.releaseAll(workerID, entries[i:])
			return attempted, nil
		}
		if deferred[e.SenderID] {
			if _, err := p.queue.Release(ctx, e.ID, workerID); ignoreConflict(err) != nil {
				p.releaseAll(workerID, entries[i+1:])
				return attempted, fmt.Errorf("release %s: %w", e.ID, err)
			}
			continue
		}
		sent, err := p.processEntry(ctx, workerID, e)
		if err != nil {
			p.releaseAll(workerID, entries[i+1:])
			return attempted, err
		}
		if sent {
			attempted++
		} else {
			deferred[e.SenderID] = true
		}
	}
	return attempted, nil
}

// releaseAll hands back claimed entries that will not be attempted.
func (p *Processor) releaseAll(workerID string, entries []*models.MessageEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range entries {
		if _, err := p.queue.Release(ctx, e.ID, workerID); err != nil {
			slog.Warn("failed to release unprocessed entry", "message_id", e.ID, "error", err)
		}
	}
}

// processEntry reports whether a send was attempted for e. A false result
// with a nil error means the entry went back to the queue.
func (p *Processor) processEntry(ctx context.Context, workerID string, e *models.MessageEntry) (bool, error) {
	allowed, err := p.limiter.TryAcquire(ctx, e.SenderID, p.now())
	if err != nil {
		slog.Warn("rate limiter unavailable, releasing entry",
			"message_id", e.ID,
			"sender_id", e.SenderID,
			"error", err,
		)
		_, relErr := p.queue.Release(ctx, e.ID, workerID)
		return false, ignoreConflict(relErr)
	}
	if !allowed {
		if _, err := p.queue.Release(ctx, e.ID, workerID); err != nil {
			return false, ignoreConflict(err)
		}
		p.audit.Record(ctx, e.ID, models.ActionRateLimited, map[string]any{
			models.DetailSender: e.SenderID,
		})
		slog.Debug("send deferred by rate limit", "message_id", e.ID, "sender_id", e.SenderID)
		return false, nil
	}

	attempt := e.AttemptCount + 1
	p.audit.Record(ctx, e.ID, models.ActionSendAttempted, map[string]any{
		models.DetailAttempt: attempt,
		models.DetailSender:  e.SenderID,
	})

	// The send and its bookkeeping run to completion even during shutdown;
	// only the send timeout bounds them.
	workCtx := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(workCtx, p.sendTimeout)
	start := time.Now()
	res, sendErr := p.sender.Send(sendCtx, provider.SendRequest{
		SenderID: e.SenderID,
		To:       e.RecipientAddress,
		Payload:  e.Payload,
	})
	latency := time.Since(start)
	cancel()

	outcome := classify(res, sendErr)
	updated, err := p.queue.MarkOutcome(workCtx, e.ID, workerID, outcome)
	if err != nil {
		if errors.Is(err, queue.ErrConflict) {
			slog.Warn("claim lost before outcome was recorded",
				"message_id", e.ID,
				"worker", workerID,
				"outcome", outcome.Kind.String(),
			)
			return true, nil
		}
		return true, fmt.Errorf("mark outcome for %s: %w", e.ID, err)
	}

	detail := map[string]any{
		models.DetailLatencyMs: latency.Milliseconds(),
		models.DetailAttempt:   attempt,
		models.DetailStatus:    string(updated.Status),
	}
	if outcome.Kind == queue.OutcomeSent {
		detail[models.DetailProviderID] = outcome.ProviderMessageID
		p.audit.Record(workCtx, e.ID, models.ActionSendSucceeded, detail)
		slog.Debug("message sent", "message_id", e.ID, "provider_message_id", outcome.ProviderMessageID)
		return true, nil
	}

	detail[models.DetailError] = outcome.Error
	detail[models.DetailErrorKind] = outcome.Kind.String()
	p.audit.Record(workCtx, e.ID, models.ActionSendFailed, detail)
	slog.Info("send failed",
		"message_id", e.ID,
		"worker", workerID,
		"status", updated.Status,
		"attempts", updated.AttemptCount,
		"error", outcome.Error,
	)
	return true, nil
}

// classify maps a provider result onto a queue outcome. Anything that is
// not explicitly permanent is retried.
func classify(res provider.SendResult, err error) queue.Outcome {
	if err == nil {
		return queue.Outcome{Kind: queue.OutcomeSent, ProviderMessageID: res.ProviderMessageID}
	}
	if provider.IsPermanent(err) {
		return queue.Outcome{Kind: queue.OutcomePermanentFailure, Error: err.Error()}
	}
	return queue.Outcome{Kind: queue.OutcomeTransientFailure, Error: err.Error()}
}

func ignoreConflict(err error) error {
	if err == nil || errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	return err
}
