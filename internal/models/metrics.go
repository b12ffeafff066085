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

// MetricBucket aggregates pipeline activity over [BucketStart, BucketEnd).
type MetricBucket struct {
	ID                string    `json:"id"`
	BucketStart       time.Time `json:"bucket_start"`
	BucketEnd         time.Time `json:"bucket_end"`
	TotalQueued       int       `json:"total_queued"`
	TotalSent         int       `json:"total_sent"`
	TotalFailed       int       `json:"total_failed"`
	TotalRateLimited  int       `json:"total_rate_limited"`
	TotalDelivered    int       `json:"total_delivered"`
	TotalDeadLettered int       `json:"total_dead_lettered"`
	QueueDepth        int       `json:"queue_depth"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
	P95LatencyMs      float64   `json:"p95_latency_ms"`
	Closed            bool      `json:"closed"`
}

// BucketID derives the stable id of the bucket starting at start.
func BucketID(start time.Time) string {
	return start.UTC().Format(time.RFC3339)
}

// SuccessRate returns sent/(sent+failed). ok is false when the bucket saw no
// send attempts at all.
func (b *MetricBucket) SuccessRate() (rate float64, ok bool) {
	total := b.TotalSent + b.TotalFailed
	if total == 0 {
		return 0, false
	}
	return float64(b.TotalSent) / float64(total), true
}

// Severity of an alert rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a raised threshold condition. It is open while ResolvedAt is nil.
type Alert struct {
	ID             string     `json:"id"`
	MetricBucketID string     `json:"metric_bucket_id"`
	RuleID         string     `json:"rule_id"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	RaisedAt       time.Time  `json:"raised_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the alert has not been resolved yet.
func (a *Alert) IsOpen() bool { return a.ResolvedAt == nil }
