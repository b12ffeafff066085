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

package alert

import (
	"fmt"
	"math"
	"time"

	"github.com/leadline/messaging/internal/models"
)

// RuleKind selects the bucket statistic a rule watches.
type RuleKind string

const (
	KindSuccessRateBelow RuleKind = "success_rate_below"
	KindQueueDepthAbove  RuleKind = "queue_depth_above"
	KindRateLimitedAbove RuleKind = "rate_limited_above"
)

// Rule is one threshold condition.
type Rule struct {
	ID        string          `yaml:"id"`
	Kind      RuleKind        `yaml:"kind"`
	Threshold float64         `yaml:"threshold"`
	Severity  models.Severity `yaml:"severity"`

	// Consecutive is the number of breaching buckets in a row that raise
	// the alert. For may be given instead and is rounded up to buckets.
	Consecutive int           `yaml:"consecutive"`
	For         time.Duration `yaml:"for"`

	// Cooldown is how long the condition must stay clear before the open
	// alert is resolved.
	Cooldown time.Duration `yaml:"cooldown"`
}

// normalize validates the rule and converts For into Consecutive.
func (r *Rule) normalize(bucketInterval time.Duration) error {
	if r.ID == "" {
		return fmt.Errorf("alert rule without id")
	}
	switch r.Kind {
	case KindSuccessRateBelow, KindQueueDepthAbove, KindRateLimitedAbove:
	default:
		return fmt.Errorf("alert rule %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.Consecutive <= 0 && r.For > 0 && bucketInterval > 0 {
		r.Consecutive = int(math.Ceil(float64(r.For) / float64(bucketInterval)))
	}
	if r.Consecutive <= 0 {
		r.Consecutive = 1
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("alert rule %s: negative cooldown", r.ID)
	}
	if r.Severity == "" {
		r.Severity = models.SeverityWarning
	}
	return nil
}

// check reports whether b breaches the rule and the observed value. A
// success-rate rule ignores buckets without any send attempt.
func (r *Rule) check(b *models.MetricBucket) (breached bool, value float64) {
	switch r.Kind {
	case KindSuccessRateBelow:
		rate, ok := b.SuccessRate()
		if !ok {
			return false, 0
		}
		return rate < r.Threshold, rate
	case KindQueueDepthAbove:
		v := float64(b.QueueDepth)
		return v > r.Threshold, v
	case KindRateLimitedAbove:
		v := float64(b.TotalRateLimited)
		return v > r.Threshold, v
	}
	return false, 0
}

func (r *Rule) describe(value float64) string {
	switch r.Kind {
	case KindSuccessRateBelow:
		return fmt.Sprintf("success rate %.2f below %.2f for %d consecutive buckets", value, r.Threshold, r.Consecutive)
	case KindQueueDepthAbove:
		return fmt.Sprintf("queue depth %.0f above %.0f for %d consecutive buckets", value, r.Threshold, r.Consecutive)
	case KindRateLimitedAbove:
		return fmt.Sprintf("%.0f rate-limited sends above %.0f for %d consecutive buckets", value, r.Threshold, r.Consecutive)
	}
	return string(r.Kind)
}
