// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all metrics for the deals pacing subsystem.
type Metrics struct {
	registry *prometheus.Registry

	// Planner metrics
	PlansFetched    prometheus.Counter
	PlanFetchErrors prometheus.Counter
	LineItemsActive prometheus.Gauge
	TokensGranted   prometheus.Counter

	// Delivery metrics
	EventsRecorded *prometheus.CounterVec

	// Reporting metrics
	ReportsSent   prometheus.Counter
	ReportsFailed prometheus.Counter
	ReportsLost   prometheus.Counter

	// Validation metrics
	BidsRejected *prometheus.CounterVec
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		PlansFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "planner_plans_fetched_total",
			Help:      "Total number of successful plan fetches",
		}),
		PlanFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "planner_fetch_errors_total",
			Help:      "Total number of failed plan fetches",
		}),
		LineItemsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deals",
			Name:      "line_items_active",
			Help:      "Number of line items currently active",
		}),
		TokensGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "pacing_tokens_granted_total",
			Help:      "Total pacing tokens granted across all line items",
		}),
		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "delivery_events_recorded_total",
			Help:      "Total delivery events recorded by kind",
		}, []string{"kind"}),
		ReportsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "reports_sent_total",
			Help:      "Total delivery progress reports delivered to the collector",
		}),
		ReportsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "reports_failed_total",
			Help:      "Total report push attempts that failed",
		}),
		ReportsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "reports_lost_total",
			Help:      "Total reports dropped after exhausting push retries",
		}),
		BidsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "bids_rejected_total",
			Help:      "Total bids rejected by deal conformance validation",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.PlansFetched,
		m.PlanFetchErrors,
		m.LineItemsActive,
		m.TokensGranted,
		m.EventsRecorded,
		m.ReportsSent,
		m.ReportsFailed,
		m.ReportsLost,
		m.BidsRejected,
	)

	return m
}

// Gatherer returns the prometheus gatherer for metrics export.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Registerer returns the prometheus registerer.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}
