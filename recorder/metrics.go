// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "votecounter"

// Collector is a prometheus.Collector that collects metrics about the
// aggregation protocol.
type Collector struct {
	recorded   *prometheus.CounterVec
	duplicates prometheus.Counter
	fallbacks  prometheus.Counter
	suppressed prometheus.Counter
	failures   prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		recorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "votes_recorded_total",
				Help:      "Vote events durably recorded, by kind and direction.",
			}, []string{"kind", "direction"},
		),
		duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "votes_duplicate_total",
				Help:      "Resubmitted event ids absorbed by the idempotence check.",
			},
		),
		fallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "votes_fallback_total",
				Help:      "Events committed through the degraded sequential path.",
			},
		),
		suppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decrements_suppressed_total",
				Help:      "Per-node decrements suppressed by the non-negative floor.",
			},
		),
		failures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "votes_failed_total",
				Help:      "Record calls that applied nothing.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.recorded.Describe(ch)
	c.duplicates.Describe(ch)
	c.fallbacks.Describe(ch)
	c.suppressed.Describe(ch)
	c.failures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.recorded.Collect(ch)
	c.duplicates.Collect(ch)
	c.fallbacks.Collect(ch)
	c.suppressed.Collect(ch)
	c.failures.Collect(ch)
}
