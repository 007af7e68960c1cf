// Copyright 2025 Arion Yau
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

// Package metrics exposes gateway collectors on a private prometheus registry.
// A nil *Metrics is valid and records nothing, so components can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hubgate"

// Metrics holds the gateway collectors
type Metrics struct {
	registry *prometheus.Registry

	invocations    *prometheus.CounterVec
	invokeDuration prometheus.Histogram
	hubFrames      *prometheus.CounterVec
	staleReplies   prometheus.Counter
	channelsActive prometheus.Gauge
	pushFailures   prometheus.Counter
}

// New creates the collectors and registers them with Go runtime metrics
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Device command invocations by outcome",
		}, []string{"outcome"}),
		invokeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoke_duration_seconds",
			Help:      "Time from command dispatch to completion",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		hubFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_frames_total",
			Help:      "Inbound hub frames by kind",
		}, []string{"kind"}),
		staleReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_replies_total",
			Help:      "Replies that matched no pending call",
		}),
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Open hub channels",
		}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_failures_total",
			Help:      "Push notifications that could not be delivered",
		}),
	}

	m.registry.MustRegister(
		m.invocations,
		m.invokeDuration,
		m.hubFrames,
		m.staleReplies,
		m.channelsActive,
		m.pushFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterPendingGauge exposes the pending call count through fn
func (m *Metrics) RegisterPendingGauge(fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_calls",
		Help:      "Commands awaiting a device reply",
	}, fn))
}

// ObserveInvocation records one finished invocation
func (m *Metrics) ObserveInvocation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(outcome).Inc()
	m.invokeDuration.Observe(elapsed.Seconds())
}

// ObserveFrame counts an inbound hub frame
func (m *Metrics) ObserveFrame(kind string) {
	if m == nil {
		return
	}
	m.hubFrames.WithLabelValues(kind).Inc()
}

// IncStaleReplies counts a discarded reply
func (m *Metrics) IncStaleReplies() {
	if m == nil {
		return
	}
	m.staleReplies.Inc()
}

// SetChannelsActive sets the open channel gauge
func (m *Metrics) SetChannelsActive(n int) {
	if m == nil {
		return
	}
	m.channelsActive.Set(float64(n))
}

// IncPushFailures counts a failed push delivery
func (m *Metrics) IncPushFailures() {
	if m == nil {
		return
	}
	m.pushFailures.Inc()
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
