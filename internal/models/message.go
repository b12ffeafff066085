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

// Package models defines the data structures shared across the messaging
// pipeline: queued message entries and their status state machine, audit
// records, metric buckets and alerts.
package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a MessageEntry.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusSent           Status = "sent"
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusDeadLettered   Status = "dead_lettered"
	StatusRejected       Status = "rejected"
)

// transitions lists every legal edge of the state machine.
//
// processing -> queued / retry_scheduled is a release: the entry goes back
// to the state it was claimed from without consuming an attempt (rate-limit
// denial, stale claim recovery). failed is transient and is always resolved
// into one of its successors in the same write.
var transitions = map[Status][]Status{
	StatusQueued:         {StatusProcessing},
	StatusRetryScheduled: {StatusProcessing},
	StatusProcessing:     {StatusSent, StatusFailed, StatusRejected, StatusQueued, StatusRetryScheduled},
	StatusSent:           {StatusDelivered, StatusFailed},
	StatusFailed:         {StatusRetryScheduled, StatusDeadLettered, StatusRejected},
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusDeadLettered, StatusRejected:
		return true
	}
	return false
}

// IsPending reports whether the entry still counts towards queue depth.
func (s Status) IsPending() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusRetryScheduled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSent, StatusDelivered,
		StatusFailed, StatusRetryScheduled, StatusDeadLettered, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PayloadType distinguishes free-form text from pre-approved templates.
type PayloadType string

const (
	PayloadText     PayloadType = "text"
	PayloadTemplate PayloadType = "template"
)

// Template references a provider-approved message template.
type Template struct {
	Name       string   `json:"name"`
	Language   string   `json:"language"`
	Parameters []string `json:"parameters,omitempty"`
}

// Payload is the message content handed to the provider.
type Payload struct {
	Type     PayloadType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Template *Template   `json:"template,omitempty"`
}

// MessageEntry is one outbound message and its delivery bookkeeping.
//
// Entries are never deleted. Terminal entries stay for audit and metrics.
type MessageEntry struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	SenderID          string     `json:"sender_id"`
	RecipientAddress  string     `json:"recipient_address"`
	Payload           Payload    `json:"payload"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty"`
	Status            Status     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastTransitionAt  time.Time  `json:"last_transition_at"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	RequeuedFrom      string     `json:"requeued_from,omitempty"`

	// Claim bookkeeping, only meaningful while Status == processing.
	ClaimedBy   string     `json:"-"`
	ClaimedFrom Status     `json:"-"`
	ClaimedAt   *time.Time `json:"-"`
}

// StatusView is the public projection returned by the status query API.
type StatusView struct {
	ID                string     `json:"id"`
	Status            Status     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	LastTransitionAt  time.Time  `json:"last_transition_at"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// View projects the entry for status queries.
func (e *MessageEntry) View() StatusView {
	return StatusView{
		ID:                e.ID,
		Status:            e.Status,
		AttemptCount:      e.AttemptCount,
		LastTransitionAt:  e.LastTransitionAt,
		NextAttemptAt:     e.NextAttemptAt,
		ProviderMessageID: e.ProviderMessageID,
		LastError:         e.LastError,
	}
}

// Clone returns a deep copy so stores can hand out entries without sharing
// mutable state with callers.
func (e *MessageEntry) Clone() *MessageEntry {
	c := *e
	if e.NextAttemptAt != nil {
		t := *e.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	if e.Payload.Template != nil {
		tpl := *e.Payload.Template
		tpl.Parameters = append([]string(nil), e.Payload.Template.Parameters...)
		c.Payload.Template = &tpl
	}
	return &c
}

// MarshalPayload encodes the payload for storage.
func MarshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}
