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

// Package alert evaluates closed metric buckets against threshold rules,
// raising at most one open alert per rule and resolving it once the
// condition has stayed clear for the rule's cool-down.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadline/messaging/internal/models"
	"github.com/leadline/messaging/internal/relay"
)

// BucketSource lists stored metric buckets, oldest first.
type BucketSource interface {
	List(ctx context.Context, since time.Time, limit int) ([]models.MetricBucket, error)
}

// Config holds engine dependencies.
type Config struct {
	Store     Store
	Buckets   BucketSource
	Publisher relay.Publisher
	Rules     []Rule

	// BucketInterval is the metric bucket width, used to convert rule
	// durations to bucket counts.
	BucketInterval time.Duration

	// EvalInterval is how often the engine looks for new buckets.
	EvalInterval time.Duration

	Now func() time.Time
}

// ruleState is the in-memory progress of one rule. It is rebuilt from the
// bucket history after a restart, except for a streak that began before
// the lookback window.
type ruleState struct {
	streak     int
	clearSince *time.Time
}

// Engine is the AlertEngine.
type Engine struct {
	store          Store
	buckets        BucketSource
	publisher      relay.Publisher
	rules          []Rule
	bucketInterval time.Duration
	evalInterval   time.Duration
	now            func() time.Time

	mu            sync.Mutex
	state         map[string]*ruleState
	lastEvaluated time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine validates the rules and creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.BucketInterval <= 0 {
		cfg.BucketInterval = time.Minute
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = cfg.BucketInterval
	}
	if cfg.Publisher == nil {
		cfg.Publisher = relay.LogPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	seen := make(map[string]bool, len(cfg.Rules))
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if err := r.normalize(cfg.BucketInterval); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate alert rule id %q", r.ID)
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}

	e := &Engine{
		store:          cfg.Store,
		buckets:        cfg.Buckets,
		publisher:      cfg.Publisher,
		rules:          rules,
		bucketInterval: cfg.BucketInterval,
		evalInterval:   cfg.EvalInterval,
		now:            cfg.Now,
		state:          make(map[string]*ruleState, len(rules)),
	}
	for _, r := range rules {
		e.state[r.ID] = &ruleState{}
	}
	return e, nil
}

// Rules returns the normalised rule set.
func (e *Engine) Rules() []Rule { return append([]Rule(nil), e.rules...) }

// lookback is how far back the first evaluation reads so that a streak in
// progress at startup is seen in full.
func (e *Engine) lookback() time.Duration {
	maxBuckets := 1
	for _, r := range e.rules {
		if r.Consecutive > maxBuckets {
			maxBuckets = r.Consecutive
		}
	}
	return time.Duration(maxBuckets+1) * e.bucketInterval
}

// Evaluate processes every closed bucket not seen yet, in order, then
// resolves alerts whose cool-down has elapsed on the wall clock.
func (e *Engine) Evaluate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	since := e.lastEvaluated.Add(time.Nanosecond)
	if e.lastEvaluated.IsZero() {
		since = e.now().Add(-e.lookback())
	}

	buckets, err := e.buckets.List(ctx, since, 0)
	if err != nil {
		return fmt.Errorf("list metric buckets: %w", err)
	}

	// A bucket is never evaluated twice, even when storing its outcome
	// failed: the streak would be counted again. A missed raise or resolve
	// is retried by the next bucket that still meets the condition.
	var errs []error
	for i := range buckets {
		b := &buckets[i]
		if !b.Closed {
			// Later buckets cannot be closed either.
			break
		}
		if err := e.evaluateBucket(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("bucket %s: %w", b.ID, err))
		}
		e.lastEvaluated = b.BucketStart
	}

	if err := e.resolveElapsed(ctx, e.now()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) evaluateBucket(ctx context.Context, b *models.MetricBucket) error {
	var errs []error
	for i := range e.rules {
		rule := &e.rules[i]
		st := e.state[rule.ID]

		breached, value := rule.check(b)
		if breached {
			st.streak++
			st.clearSince = nil
			if st.streak >= rule.Consecutive {
				if err := e.raise(ctx, rule, b, value); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}

		st.streak = 0
		if st.clearSince == nil {
			start := b.BucketStart
			st.clearSince = &start
		}
		if b.BucketEnd.Sub(*st.clearSince) >= rule.Cooldown {
			if err := e.resolve(ctx, rule, b.BucketEnd); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) raise(ctx context.Context, rule *Rule, b *models.MetricBucket, value float64) error {
	a := &models.Alert{
		ID:             uuid.NewString(),
		MetricBucketID: b.ID,
		RuleID:         rule.ID,
		Severity:       rule.Severity,
		Message:        rule.describe(value),
		Value:          value,
		RaisedAt:       e.now().UTC(),
	}

	err := e.store.Create(ctx, a)
	if errors.Is(err, ErrOpenExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create alert for %s: %w", rule.ID, err)
	}

	slog.Warn("alert raised",
		"alert_id", a.ID,
		"rule", rule.ID,
		"severity", a.Severity,
		"bucket", b.ID,
		"value", value,
	)
	e.notify(ctx, relay.EventAlertRaised, a)
	return nil
}

func (e *Engine) resolve(ctx context.Context, rule *Rule, at time.Time) error {
	open, err := e.store.OpenByRule(ctx, rule.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find open alert for %s: %w", rule.ID, err)
	}

	if err := e.store.Resolve(ctx, open.ID, at); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("resolve alert %s: %w", open.ID, err)
	}
	resolved := at
	open.ResolvedAt = &resolved

	slog.Info("alert resolved", "alert_id", open.ID, "rule", rule.ID)
	e.notify(ctx, relay.EventAlertResolved, open)
	return nil
}

// resolveElapsed covers quiet periods in which no new bucket arrives to
// advance the cool-down.
func (e *Engine) resolveElapsed(ctx context.Context, now time.Time) error {
	for i := range e.rules {
		rule := &e.rules[i]
		st := e.state[rule.ID]
		if st.clearSince == nil || now.Sub(*st.clearSince) < rule.Cooldown {
			continue
		}
		if err := e.resolve(ctx, rule, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, eventType string, a *models.Alert) {
	if err := e.publisher.Publish(ctx, relay.NewEvent(eventType, e.now(), a)); err != nil {
		slog.Error("failed to publish alert event", "alert_id", a.ID, "type", eventType, "error", err)
	}
}

// List returns stored alerts, newest first.
func (e *Engine) List(ctx context.Context, openOnly bool, limit int) ([]models.Alert, error) {
	return e.store.List(ctx, openOnly, limit)
}

// Start runs Evaluate on its own ticker.
func (e *Engine) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.loop(loopCtx)

	slog.Info("alert engine started", "rules", len(e.rules), "interval", e.evalInterval)
}

// Stop shuts the evaluation loop down.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	slog.Info("alert engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Evaluate(ctx); err != nil {
				slog.Error("alert evaluation failed", "error", err)
			}
		}
	}
}
