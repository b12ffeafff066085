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

package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base * 2^attempt, capped at Cap, then
// scaled by a random factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Next returns the delay before the given attempt number (1-based count of
// failures so far).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Cap
	if attempt < 62 {
		if scaled := b.Base << uint(attempt); scaled > 0 && scaled < b.Cap {
			d = scaled
		}
	}

	if b.Jitter <= 0 {
		return d
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	factor := 1 + b.Jitter*(2*rnd()-1)
	return time.Duration(float64(d) * factor)
}
