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

package models

import "time"

// Action identifies what an AuditRecord describes.
type Action string

const (
	ActionEnqueued         Action = "enqueued"
	ActionSendAttempted    Action = "send_attempted"
	ActionSendSucceeded    Action = "send_succeeded"
	ActionSendFailed       Action = "send_failed"
	ActionRateLimited      Action = "rate_limited"
	ActionWebhookReceived  Action = "webhook_received"
	ActionStatusReconciled Action = "status_reconciled"
	ActionWebhookRejected  Action = "webhook_rejected"
	ActionRequeued         Action = "requeued"
)

// Detail keys used across the pipeline.
const (
	DetailLatencyMs   = "latency_ms"
	DetailStatus      = "status"
	DetailAttempt     = "attempt"
	DetailError       = "error"
	DetailOrphan      = "orphan"
	DetailDuplicate   = "duplicate"
	DetailFrom        = "from"
	DetailTo          = "to"
	DetailProviderID  = "provider_message_id"
	DetailSender      = "sender_id"
	DetailReason      = "reason"
	DetailRemoteAddr  = "remote_addr"
	DetailEventKind   = "event_kind"
	DetailRequeuedTo  = "requeued_to"
	DetailErrorKind   = "error_kind"
	DetailReceiptType = "receipt_status"
)

// AuditRecord is one immutable entry of the compliance trail.
//
// Records for the same entry are ordered by (OccurredAt, Seq).
type AuditRecord struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	MessageEntryID *string        `json:"message_entry_id,omitempty"`
	Action         Action         `json:"action"`
	Detail         map[string]any `json:"detail,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// EntryID returns the referenced entry id or "".
func (r *AuditRecord) EntryID() string {
	if r.MessageEntryID == nil {
		return ""
	}
	return *r.MessageEntryID
}

// DetailFloat reads a numeric detail value regardless of how it was decoded.
func (r *AuditRecord) DetailFloat(key string) (float64, bool) {
	v, ok := r.Detail[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// DetailString reads a string detail value.
func (r *AuditRecord) DetailString(key string) string {
	s, _ := r.Detail[key].(string)
	return s
}
