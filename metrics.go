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
)

// MetricsCollector receives measurements from the supervisor.  Methods
// are called from many goroutines and must not block.
type MetricsCollector interface {
	// StateTransition records an instance changing state.
	StateTransition(id string, from, to State)

	// Restart records a restart, and the backoff delay chosen for it.
	Restart(id string, delay time.Duration)

	// HealthCheck records the outcome and duration of a probe.
	HealthCheck(id string, healthy bool, duration time.Duration)

	// LaunchFailure records a launch that left the instance Crashed.
	LaunchFailure(id string)

	// Instances records the number of supervised instances.
	Instances(n int)
}

type noopMetrics struct{}

func (noopMetrics) StateTransition(string, State, State)    {}
func (noopMetrics) Restart(string, time.Duration)           {}
func (noopMetrics) HealthCheck(string, bool, time.Duration) {}
func (noopMetrics) LaunchFailure(string)                    {}
func (noopMetrics) Instances(int)                           {}

// NewNoopMetrics returns a collector that discards everything.
func NewNoopMetrics() MetricsCollector {
	return noopMetrics{}
}
