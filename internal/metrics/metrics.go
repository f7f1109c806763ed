// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exports helper activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/ssdphelper/internal/ssdp"
)

const namespace = "ssdp_helper"

// Metrics holds the helper's Prometheus metrics. It implements
// ssdp.Observer.
type Metrics struct {
	// Packets counts inspected packets by verdict.
	Packets *prometheus.CounterVec

	// Outcomes counts packets by the state they ended in.
	Outcomes *prometheus.CounterVec

	// Expectations counts expectation attempts by result.
	Expectations *prometheus.CounterVec

	// ResolveFailures counts subnet lookups that failed, by reason.
	ResolveFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ ssdp.Observer = (*Metrics)(nil)

// New creates the metrics and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets inspected by the helper, by verdict",
		}, []string{"verdict"}),

		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Packets inspected by the helper, by outcome",
		}, []string{"outcome"}),

		Expectations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expectations_total",
			Help:      "Expectation attempts, by result",
		}, []string{"result"}),

		ResolveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_failures_total",
			Help:      "Failed netmask lookups for M-SEARCH sources, by reason",
		}, []string{"reason"}),

		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.Packets, m.Outcomes, m.Expectations, m.ResolveFailures)
	return m
}

// Observe records one packet outcome.
func (m *Metrics) Observe(o ssdp.Outcome) {
	m.Packets.WithLabelValues(o.Verdict().String()).Inc()
	m.Outcomes.WithLabelValues(o.String()).Inc()

	switch o {
	case ssdp.OutcomeNoAddresses, ssdp.OutcomeAddressNotFound:
		m.ResolveFailures.WithLabelValues(o.String()).Inc()
	case ssdp.OutcomeDegenerateMask, ssdp.OutcomeAllocFailed, ssdp.OutcomeRegisterFailed, ssdp.OutcomeInstalled:
		m.Expectations.WithLabelValues(o.String()).Inc()
	}
}

// AddCounterFunc exports a counter maintained elsewhere, such as engine
// statistics.
func (m *Metrics) AddCounterFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
