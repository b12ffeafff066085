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

// Package dedup reserves caller-supplied idempotency keys so that repeated
// enqueue calls within the dedup window resolve to the same message entry.
// The reservation lives in Redis (SET NX with TTL) so it holds across every
// API replica.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long an idempotency key stays bound to an entry.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces idempotency keys in Redis.
	keyPrefix = "msgpipe:idem:"
)

// Reserver binds idempotency keys to entry ids.
type Reserver interface {
	// Reserve binds key to candidateID unless the key is already bound.
	// It returns the id the key is bound to and whether this call created
	// the binding.
	Reserve(ctx context.Context, key, candidateID string) (boundID string, reserved bool, err error)

	// Release drops the binding, but only if it still points at id.
	Release(ctx context.Context, key, id string) error

	// Rebind moves the binding from oldID to newID and restarts its TTL.
	// It reports false when the key no longer points at oldID.
	Rebind(ctx context.Context, key, oldID, newID string) (bool, error)
}

// releaseScript deletes the key only when it still holds the caller's id.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// rebindScript swaps the bound id only when it still holds ARGV[1].
var rebindScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// RedisReserver stores key bindings in Redis.
type RedisReserver struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisReserver creates a reserver backed by Redis. A zero ttl falls back
// to DefaultTTL.
func NewRedisReserver(rdb redis.UniversalClient, ttl time.Duration) *RedisReserver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisReserver{
		rdb: rdb,
		ttl: ttl,
	}
}

// Reserve implements Reserver using SET NX = set only if key does not exist.
func (r *RedisReserver) Reserve(ctx context.Context, key, candidateID string) (string, bool, error) {
	redisKey := keyPrefix + key

	set, err := r.rdb.SetNX(ctx, redisKey, candidateID, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency SETNX: %w", err)
	}
	if set {
		return candidateID, true, nil
	}

	bound, err := r.rdb.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		set, err = r.rdb.SetNX(ctx, redisKey, candidateID, r.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("idempotency SETNX retry: %w", err)
		}
		if set {
			return candidateID, true, nil
		}
		bound, err = r.rdb.Get(ctx, redisKey).Result()
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency GET: %w", err)
	}
	return bound, false, nil
}

// Release implements Reserver.
func (r *RedisReserver) Release(ctx context.Context, key, id string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{keyPrefix + key}, id).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

// Rebind implements Reserver.
func (r *RedisReserver) Rebind(ctx context.Context, key, oldID, newID string) (bool, error) {
	n, err := rebindScript.Run(ctx, r.rdb, []string{keyPrefix + key}, oldID, newID, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency rebind: %w", err)
	}
	return n == 1, nil
}
