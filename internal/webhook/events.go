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

package webhook

import (
	"encoding/json"
	"fmt"
)

// Receipt statuses reported by the provider.
const (
	ReceiptSent      = "sent"
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
	ReceiptFailed    = "failed"
)

// Event is one item of a webhook call: a DeliveryReceipt, an
// InboundMessage or an UnknownEvent.
type Event interface {
	Kind() string
}

// ReceiptError is a provider error attached to a failed receipt.
type ReceiptError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// DeliveryReceipt reports the fate of an outbound message.
type DeliveryReceipt struct {
	ProviderMessageID string
	Status            string
	RecipientID       string
	Timestamp         string
	PhoneNumberID     string
	Errors            []ReceiptError
}

func (DeliveryReceipt) Kind() string { return "delivery_receipt" }

// InboundMessage is a message sent by a customer to one of our numbers.
type InboundMessage struct {
	ID            string `json:"id"`
	From          string `json:"from"`
	Type          string `json:"type"`
	Text          string `json:"text,omitempty"`
	Timestamp     string `json:"timestamp"`
	PhoneNumberID string `json:"phone_number_id"`
}

func (InboundMessage) Kind() string { return "inbound_message" }

// UnknownEvent is a change the pipeline does not act on.
type UnknownEvent struct {
	Field string
}

func (UnknownEvent) Kind() string { return "unknown" }

type notification struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Statuses []struct {
		ID          string         `json:"id"`
		Status      string         `json:"status"`
		Timestamp   string         `json:"timestamp"`
		RecipientID string         `json:"recipient_id"`
		Errors      []ReceiptError `json:"errors"`
	} `json:"statuses"`
	Messages []struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      *struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
}

// parseEvents decodes a webhook body into events, in payload order.
func parseEvents(body []byte) ([]Event, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	var events []Event
	for _, entry := range n.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				events = append(events, UnknownEvent{Field: change.Field})
				continue
			}
			v := change.Value
			for _, s := range v.Statuses {
				events = append(events, DeliveryReceipt{
					ProviderMessageID: s.ID,
					Status:            s.Status,
					RecipientID:       s.RecipientID,
					Timestamp:         s.Timestamp,
					PhoneNumberID:     v.Metadata.PhoneNumberID,
					Errors:            s.Errors,
				})
			}
			for _, m := range v.Messages {
				msg := InboundMessage{
					ID:            m.ID,
					From:          m.From,
					Type:          m.Type,
					Timestamp:     m.Timestamp,
					PhoneNumberID: v.Metadata.PhoneNumberID,
				}
				if m.Text != nil {
					msg.Text = m.Text.Body
				}
				events = append(events, msg)
			}
			if len(v.Statuses) == 0 && len(v.Messages) == 0 {
				events = append(events, UnknownEvent{Field: change.Field})
			}
		}
	}
	return events, nil
}
