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
	"io"
)

// Option configures a Manager.
type Option func(*Manager)

// RestartGate is consulted before every automatic restart.  Returning
// false leaves the instance as it is (Crashed or Unhealthy); it will be
// offered again on the next cycle.  This is where a quarantine policy
// belongs.
type RestartGate func(InstanceStatus) bool

// WithLogWriter sends the supervisor's console log to w instead of
// standard error.  The in-memory log is always kept.
func WithLogWriter(w io.Writer) Option {
	return func(m *Manager) {
		m.logOut = w
	}
}

// WithProber replaces the standard health probe.
func WithProber(p Prober) Option {
	return func(m *Manager) {
		m.prober = p
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = mc
	}
}

// WithSink adds a snapshot consumer.  May be given more than once.
func WithSink(s Sink) Option {
	return func(m *Manager) {
		m.sinks = append(m.sinks, s)
	}
}

// WithRestartGate installs a restart gate.  By default every restart is
// allowed.
func WithRestartGate(g RestartGate) Option {
	return func(m *Manager) {
		m.gate = g
	}
}
