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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics is a MetricsCollector backed by Prometheus.  It uses
// its own registry, so that several managers (or tests) can coexist in a
// process.
type PrometheusMetrics struct {
	transitions   *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	backoff       *prometheus.HistogramVec
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	instances     prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates the collector.  Metric names are prefixed
// with namespace, which defaults to "autovisor".
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "autovisor"
	}
	pm := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	pm.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_state_transitions_total",
			Help:      "Total number of instance state transitions",
		},
		[]string{"instance", "from_state", "to_state"},
	)
	pm.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_restarts_total",
			Help:      "Total number of instance restarts",
		},
		[]string{"instance"},
	)
	pm.backoff = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_backoff_seconds",
			Help:      "Backoff delay applied before each restart",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"instance"},
	)
	pm.checks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health checks by outcome",
		},
		[]string{"instance", "result"},
	)
	pm.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_duration_seconds",
			Help:      "Duration of health checks",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance"},
	)
	pm.failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Total number of failed launches",
		},
		[]string{"instance"},
	)
	pm.instances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Number of supervised instances",
		},
	)

	pm.registry.MustRegister(
		pm.transitions,
		pm.restarts,
		pm.backoff,
		pm.checks,
		pm.checkDuration,
		pm.failures,
		pm.instances,
	)
	return pm
}

func (pm *PrometheusMetrics) StateTransition(id string, from, to State) {
	pm.transitions.WithLabelValues(id, from.String(), to.String()).Inc()
}

func (pm *PrometheusMetrics) Restart(id string, delay time.Duration) {
	pm.restarts.WithLabelValues(id).Inc()
	pm.backoff.WithLabelValues(id).Observe(delay.Seconds())
}

func (pm *PrometheusMetrics) HealthCheck(id string, healthy bool, d time.Duration) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	pm.checks.WithLabelValues(id, result).Inc()
	pm.checkDuration.WithLabelValues(id).Observe(d.Seconds())
}

func (pm *PrometheusMetrics) LaunchFailure(id string) {
	pm.failures.WithLabelValues(id).Inc()
}

func (pm *PrometheusMetrics) Instances(n int) {
	pm.instances.Set(float64(n))
}

func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}
