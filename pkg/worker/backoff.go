// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"math"
	"math/rand"
	"time"
)

// SlowRetryFloor is the minimum delay before retrying a rate-limited call.
const SlowRetryFloor = 60 * time.Second

// Backoff computes retry delays: Base grown by Multiplier per prior
// attempt, capped at Max, with +-10% jitter. Slow retries wait at least
// Floor before the jitter is applied.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Floor      time.Duration

	// jitter overrides the random jitter factor, for tests. Must return a
	// value in [-1, 1].
	jitter func() float64
}

// Delay returns the wait before retry number retryCount+1.
func (b *Backoff) Delay(retryCount int, slow bool) time.Duration {
	d := time.Duration(float64(b.Base) * math.Pow(b.Multiplier, float64(retryCount)))
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	if slow && d < b.Floor {
		d = b.Floor
	}

	j := b.jitter
	if j == nil {
		j = func() float64 { return rand.Float64()*2 - 1 } //nolint:gosec // Jitter needs no crypto
	}
	d += time.Duration(float64(d) * 0.1 * j())
	return d
}
