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

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes events onto a Redis list as Celery-compatible tasks,
// so Python workers can consume them with `celery worker -Q <list>`.
type RedisPublisher struct {
	rdb       redis.UniversalClient
	queueName string
	taskName  string
}

// NewRedisPublisher creates a publisher targeting the given list. taskName
// is the Celery task the consumer registers.
func NewRedisPublisher(rdb redis.UniversalClient, queueName, taskName string) *RedisPublisher {
	return &RedisPublisher{
		rdb:       rdb,
		queueName: queueName,
		taskName:  taskName,
	}
}

// celeryTask represents a Celery-compatible task message.
type celeryTask struct {
	ID      string         `json:"id"`
	Task    string         `json:"task"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Retries int            `json:"retries"`
	ETA     *string        `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string         `json:"body"`
	ContentEncoding string         `json:"content-encoding"`
	ContentType     string         `json:"content-type"`
	Headers         map[string]any `json:"headers"`
	Properties      map[string]any `json:"properties"`
}

// encodeTask builds the Celery envelope for ev. The task id is the event id
// so consumers can drop redeliveries.
func encodeTask(ev Event, queueName, taskName string) ([]byte, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	taskBody, err := json.Marshal(celeryTask{
		ID:     ev.ID,
		Task:   taskName,
		Args:   []any{string(eventJSON)},
		Kwargs: map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal celery task: %w", err)
	}

	return json.Marshal(celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]any{
			"lang":    "py",
			"task":    taskName,
			"id":      ev.ID,
			"retries": 0,
		},
		Properties: map[string]any{
			"correlation_id": ev.ID,
			"delivery_mode":  2,
			"delivery_tag":   ev.ID,
			"body_encoding":  "utf-8",
			"exchange":       queueName,
			"routing_key":    queueName,
			"delivery_info": map[string]string{
				"exchange":    queueName,
				"routing_key": queueName,
			},
		},
	})
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := encodeTask(ev, p.queueName, p.taskName)
	if err != nil {
		return err
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published relay event",
		"event_id", ev.ID,
		"type", ev.Type,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
