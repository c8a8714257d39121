// Package metrics holds the Prometheus collectors for one threatline process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threatline"

// Metrics is a per-process registry plus the counters the engine updates.
type Metrics struct {
	Registry *prometheus.Registry

	EventsIngested   *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	EventsProcessed  prometheus.Counter
	EventsMalformed  prometheus.Counter
	ProcessingErrors prometheus.Counter
	BatchDuration    prometheus.Histogram

	AlertsGenerated  *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	RuleErrors       *prometheus.CounterVec
	RulesLoaded      prometheus.Gauge

	IncidentsCreated prometheus.Counter

	DispatchResults *prometheus.CounterVec

	EgressDropped   *prometheus.CounterVec
	EgressDelivered *prometheus.CounterVec
}

// New creates a fresh registry with Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events appended to the event store, by transport.",
		}, []string{"transport"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Ingress records that could not be decoded or stored, by transport.",
		}, []string{"transport"}),
		EventsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events marked processed by the processing loop.",
		}),
		EventsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_malformed_total",
			Help:      "Events excluded from rule evaluation as malformed.",
		}),
		ProcessingErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_errors_total",
			Help:      "Events left claimed after a processing failure.",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one claimed batch.",
			Buckets:   prometheus.DefBuckets,
		}),

		AlertsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_generated_total",
			Help:      "Alerts persisted for the first time, by severity.",
		}, []string{"severity"}),
		AlertsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Temporal matches suppressed by a recent alert, by rule.",
		}, []string{"rule"}),
		RuleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule evaluations that failed, by rule.",
		}, []string{"rule"}),
		RulesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_loaded",
			Help:      "Rules in the active catalog snapshot.",
		}),

		IncidentsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_created_total",
			Help:      "Incidents created by the correlator.",
		}),

		DispatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_results_total",
			Help:      "Response hook invocations, by hook and outcome.",
		}, []string{"hook", "outcome"}),

		EgressDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_dropped_total",
			Help:      "Envelopes dropped because the egress buffer was full, by kind.",
		}, []string{"kind"}),
		EgressDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_delivered_total",
			Help:      "Sink deliveries, by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
}

// RegisterThreatLevel exports a gauge that reads the current threat level.
func (m *Metrics) RegisterThreatLevel(read func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "threat_level",
		Help:      "Process-wide threat level in [0,10].",
	}, read))
}

// RegisterGauge exports an arbitrary read-through gauge, such as a queue depth.
func (m *Metrics) RegisterGauge(name, help string, read func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, read))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
