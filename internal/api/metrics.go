package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the control-plane Prometheus collectors, exported at
// /metrics.
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	JournalSize     prometheus.Gauge
	AttemptOutcomes *prometheus.CounterVec
	TicksTotal      *prometheus.CounterVec
}

// NewMetrics registers the collectors on the given registerer; pass
// prometheus.DefaultRegisterer in main.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leviathan",
			Name:      "events_ingested_total",
			Help:      "Events accepted into the journal, by event type.",
		}, []string{"event_type"}),
		JournalSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leviathan",
			Name:      "journal_events",
			Help:      "Number of events in the journal at last rebuild.",
		}),
		AttemptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leviathan",
			Name:      "attempt_outcomes_total",
			Help:      "Terminal attempt outcomes, by status and failure type.",
		}, []string{"status", "failure_type"}),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leviathan",
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.EventsIngested, m.JournalSize, m.AttemptOutcomes, m.TicksTotal)
	return m
}
