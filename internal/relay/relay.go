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

// Package relay hands pipeline events to systems outside the pipeline:
// inbound customer messages go to the conversation service and alert
// transitions go to the on-call channel.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types published by the pipeline.
const (
	EventInboundMessage = "inbound_message"
	EventAlertRaised    = "alert_raised"
	EventAlertResolved  = "alert_resolved"
)

// Event is the envelope every publisher carries.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(eventType string, at time.Time, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: at.UTC(),
		Data:       data,
	}
}

// Publisher delivers events to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the structured log. Used when no broker is
// configured.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, ev Event) error {
	slog.Info("relay event",
		"event_id", ev.ID,
		"type", ev.Type,
		"data", ev.Data,
	)
	return nil
}
