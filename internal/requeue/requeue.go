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

// Package requeue moves dead-lettered messages back into the send queue in
// bulk, for use after a provider outage or a configuration fix.
package requeue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadline/messaging/internal/models"
	"github.com/leadline/messaging/internal/queue"
)

// Request defines the scope of a requeue run.
type Request struct {
	Since     time.Duration // only entries created within this window
	SenderIDs []string      // empty = every sender
	Limit     int           // 0 = no limit
	DryRun    bool
}

// Result summarises a completed run.
type Result struct {
	Matched  int
	Requeued int
	Skipped  int
	Errors   int
	Moves    []Move
	Elapsed  time.Duration
}

// Move links a dead-lettered entry to its replacement. To is empty on a dry
// run.
type Move struct {
	From string
	To   string
}

// Runner performs bulk requeues.
type Runner struct {
	queue     *queue.Queue
	pageSize  int
	pageDelay time.Duration
	now       func() time.Time
}

// RunnerConfig holds dependencies for the runner.
type RunnerConfig struct {
	Queue     *queue.Queue
	PageSize  int
	PageDelay time.Duration
	Now       func() time.Time
}

// NewRunner creates a requeue runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		queue:     cfg.Queue,
		pageSize:  cfg.PageSize,
		pageDelay: cfg.PageDelay,
		now:       cfg.Now,
	}
}

// Run requeues every dead-lettered entry matching req, oldest first.
// Failures on single entries are counted and do not stop the run.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := r.now()
	since := time.Time{}
	if req.Since > 0 {
		since = start.UTC().Add(-req.Since)
	}

	senders := make(map[string]bool, len(req.SenderIDs))
	for _, s := range req.SenderIDs {
		senders[s] = true
	}

	slog.Info("starting dead-letter requeue",
		"since", since,
		"senders", req.SenderIDs,
		"limit", req.Limit,
		"dry_run", req.DryRun,
	)

	result := &Result{}
	seen := make(map[string]bool)
	cursor := since

	for page := 0; ; page++ {
		if page > 0 && r.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(r.pageDelay):
			}
		}

		entries, err := r.queue.ListByStatus(ctx, models.StatusDeadLettered, cursor, r.pageSize)
		if err != nil {
			return result, fmt.Errorf("list dead-lettered entries (page %d): %w", page, err)
		}

		fresh := 0
		for _, e := range entries {
			// Pages overlap on the cursor timestamp.
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			fresh++

			if len(senders) > 0 && !senders[e.SenderID] {
				result.Skipped++
				continue
			}
			if req.Limit > 0 && result.Matched >= req.Limit {
				return r.finish(result, start), nil
			}
			result.Matched++

			if req.DryRun {
				result.Moves = append(result.Moves, Move{From: e.ID})
				continue
			}

			replacement, err := r.queue.Requeue(ctx, e.ID)
			if err != nil {
				slog.Warn("requeue failed", "message_id", e.ID, "error", err)
				result.Errors++
				continue
			}
			result.Requeued++
			result.Moves = append(result.Moves, Move{From: e.ID, To: replacement.ID})
		}

		if len(entries) < r.pageSize || fresh == 0 {
			break
		}
		cursor = entries[len(entries)-1].CreatedAt
	}

	return r.finish(result, start), nil
}

func (r *Runner) finish(result *Result, start time.Time) *Result {
	result.Elapsed = r.now().Sub(start)
	slog.Info("dead-letter requeue complete",
		"matched", result.Matched,
		"requeued", result.Requeued,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	return result
}
