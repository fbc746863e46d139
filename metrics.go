// Copyright 2026 The llamadyn Authors
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

package llamadyn

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlienKevin/llamadyn/lib/refresh"
)

var (
	tokensSampledOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llamadyn",
			Subsystem: "engine",
			Name:      "tokens_sampled_total",
			Help:      "The total number of tokens sampled.",
		},
	)

	sessionStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llamadyn",
			Subsystem: "engine",
			Name:      "session_stops_total",
			Help:      "The total number of sessions ended by a stop heuristic.",
		},
		[]string{"reason"}, // sentinel, repetition
	)

	grammarRefreshOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llamadyn",
			Subsystem: "engine",
			Name:      "grammar_refresh_ops_total",
			Help:      "The total number of grammar refresh service calls.",
		},
		[]string{"status"}, // ok, error
	)

	refreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "llamadyn",
			Subsystem: "engine",
			Name:      "grammar_refresh_duration_seconds",
			Help:      "Time taken by one grammar refresh service call.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	stepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "llamadyn",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Time taken by one sampling step.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llamadyn",
			Subsystem: "engine",
			Name:      "active_sessions",
			Help:      "Number of sessions currently registered.",
		},
	)
)

func init() {
	prometheus.MustRegister(tokensSampledOps)
	prometheus.MustRegister(sessionStops)
	prometheus.MustRegister(grammarRefreshOps)
	prometheus.MustRegister(refreshDuration)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(activeSessions)
}

// RecordTokenSampled increments the sampled-token counter
func RecordTokenSampled() {
	tokensSampledOps.Inc()
}

// RecordSessionStop increments the stop counter for a heuristic
func RecordSessionStop(reason string) {
	sessionStops.WithLabelValues(reason).Inc()
}

// RecordGrammarRefresh increments the refresh counter with an outcome status
func RecordGrammarRefresh(status string) {
	grammarRefreshOps.WithLabelValues(status).Inc()
}

// RecordRefreshDuration records how long a refresh service call took
func RecordRefreshDuration(seconds float64) {
	refreshDuration.Observe(seconds)
}

// RecordStepDuration records how long a sampling step took
func RecordStepDuration(seconds float64) {
	stepDuration.Observe(seconds)
}

// SetActiveSessions updates the registered-session gauge
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// InstrumentedRefresher wraps a refresher with call counters and latency
// observation.
type InstrumentedRefresher struct {
	inner refresh.Refresher
}

// InstrumentRefresher wraps inner with metrics recording.
func InstrumentRefresher(inner refresh.Refresher) *InstrumentedRefresher {
	return &InstrumentedRefresher{inner: inner}
}

// Refresh delegates to the wrapped refresher, recording outcome and latency.
func (ir *InstrumentedRefresher) Refresh(ctx context.Context, req refresh.Request) (refresh.Result, error) {
	start := time.Now()
	res, err := ir.inner.Refresh(ctx, req)
	RecordRefreshDuration(time.Since(start).Seconds())
	if err != nil {
		RecordGrammarRefresh("error")
	} else {
		RecordGrammarRefresh("ok")
	}
	return res, err
}
