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

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collector set served on /metrics. Each instance owns its
// registry so tests never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	// EventsReceived counts accepted webhook deliveries by provider and
	// event type.
	EventsReceived *prometheus.CounterVec

	// EventsDuplicate counts deduplicated deliveries by level, "delivery"
	// for delivery-ID hits and "content" for window hits.
	EventsDuplicate *prometheus.CounterVec

	// EventsRejected counts refused deliveries by reason.
	EventsRejected *prometheus.CounterVec

	// DispatchRequests counts downstream calls by path and outcome.
	DispatchRequests *prometheus.CounterVec

	// RetriesScheduled counts rescheduled entries by error kind.
	RetriesScheduled *prometheus.CounterVec

	// DeadLetters counts entries that exhausted their retries.
	DeadLetters prometheus.Counter

	// Workflows counts workflow transitions, "started" and "completed".
	Workflows *prometheus.CounterVec
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_received_total",
			Help: "Accepted webhook deliveries.",
		}, []string{"provider", "event_type"}),
		EventsDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_duplicate_total",
			Help: "Deliveries suppressed by deduplication.",
		}, []string{"level"}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_rejected_total",
			Help: "Deliveries refused before ingestion.",
		}, []string{"reason"}),
		DispatchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Downstream AgentAPI calls.",
		}, []string{"path", "outcome"}),
		RetriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_retries_scheduled_total",
			Help: "Queue entries rescheduled after a retryable failure.",
		}, []string{"kind"}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "queue_dead_letters_total",
			Help: "Queue entries moved to the dead-letter state.",
		}),
		Workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflows_total",
			Help: "Workflow lifecycle transitions.",
		}, []string{"transition"}),
	}
}

// WatchQueueDepth registers a gauge that reports the queue depth through
// the given callback on every scrape.
func (m *Metrics) WatchQueueDepth(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Entries admitted to the in-memory queue and not yet claimed.",
	}, func() float64 { return float64(depth()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
