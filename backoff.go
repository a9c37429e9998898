// Copyright 2026 The Autovisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package autovisor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// restartBackoff yields the delay before each successive restart of an
// instance: base, 2*base, 4*base, ... never exceeding max.  There is no
// jitter, so the sequence is exactly reproducible.
type restartBackoff struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

func newRestartBackoff(base, max time.Duration) *restartBackoff {
	if max < base {
		max = base
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return &restartBackoff{b: b, max: max}
}

// Next returns the next delay, and advances the schedule.
func (r *restartBackoff) Next() time.Duration {
	d := r.b.NextBackOff()
	if d == backoff.Stop || d > r.max {
		return r.max
	}
	return d
}

// Reset starts the schedule over from base.
func (r *restartBackoff) Reset() {
	r.b.Reset()
}
