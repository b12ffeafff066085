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

// Package ratelimit enforces a per-sender sliding-window send quota: no
// sender may be granted more than Limit sends in any interval of length
// Window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter grants or denies one send for a sender at time now.
type Limiter interface {
	TryAcquire(ctx context.Context, senderID string, now time.Time) (bool, error)
}

// Config is the quota applied to every sender.
type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate window must be positive, got %s", c.Window)
	}
	return nil
}

// slidingLog atomically trims grants older than the window, then records a
// new grant only while the sender is under its limit.
var slidingLog = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return 1
end
return 0
`)

const keyPrefix = "msgpipe:rate:"

// RedisLimiter shares quotas across every worker process through Redis.
type RedisLimiter struct {
	rdb redis.UniversalClient
	cfg Config
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(rdb redis.UniversalClient, cfg Config) (*RedisLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg}, nil
}

// TryAcquire implements Limiter.
func (l *RedisLimiter) TryAcquire(ctx context.Context, senderID string, now time.Time) (bool, error) {
	res, err := slidingLog.Run(ctx, l.rdb,
		[]string{keyPrefix + senderID},
		now.UnixMilli(),
		l.cfg.Window.Milliseconds(),
		l.cfg.Limit,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", senderID, err)
	}
	return res == 1, nil
}

// MemoryLimiter keeps the sliding log in process memory. Each sender has
// its own lock so busy senders do not serialise unrelated ones.
type MemoryLimiter struct {
	cfg Config

	mu      sync.Mutex
	senders map[string]*senderLog
}

type senderLog struct {
	mu     sync.Mutex
	grants []time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) (*MemoryLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &MemoryLimiter{cfg: cfg, senders: make(map[string]*senderLog)}, nil
}

func (l *MemoryLimiter) log(senderID string) *senderLog {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.senders[senderID]
	if !ok {
		s = &senderLog{}
		l.senders[senderID] = s
	}
	return s
}

// TryAcquire implements Limiter.
func (l *MemoryLimiter) TryAcquire(_ context.Context, senderID string, now time.Time) (bool, error) {
	s := l.log(senderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-l.cfg.Window)
	kept := s.grants[:0]
	for _, g := range s.grants {
		if g.After(cutoff) {
			kept = append(kept, g)
		}
	}
	s.grants = kept

	if len(s.grants) >= l.cfg.Limit {
		return false, nil
	}
	s.grants = append(s.grants, now)
	return true, nil
}
