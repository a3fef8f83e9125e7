// Package gatewaymetrics provides the Prometheus collectors shared by every
// authorization-gateway component.
package gatewaymetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	DecisionDuration  *prometheus.HistogramVec
	CacheHitsTotal    *prometheus.CounterVec
	CacheStaleTotal   prometheus.Counter
	PolicyEvalTotal   *prometheus.CounterVec
	PolicyEvalErrors  *prometheus.CounterVec

	AuditWritesTotal  *prometheus.CounterVec
	AuditQueueDepth   prometheus.Gauge

	SIEMShipmentsTotal *prometheus.CounterVec
	SIEMBatchSize      prometheus.Histogram
	SIEMCircuitState   *prometheus.GaugeVec
	SIEMDeadLetterSize prometheus.Gauge

	SessionsActive        prometheus.Gauge
	RefreshRotationsTotal  prometheus.Counter
	RefreshReplayDetected  prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers every collector against registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "pipeline",
			Name:      "decisions_total",
			Help:      "Total authorization decisions by outcome.",
		}, []string{"decision", "sensitivity"}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "authgateway",
			Subsystem: "pipeline",
			Name:      "decision_duration_seconds",
			Help:      "End-to-end authorization decision latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"cache_state"}),
		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Decision cache lookups by outcome (hit, miss, stale).",
		}, []string{"outcome"}),
		CacheStaleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "cache",
			Name:      "stale_served_total",
			Help:      "Decisions served stale while revalidating in the background.",
		}),
		PolicyEvalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "policy",
			Name:      "evaluations_total",
			Help:      "Policy rule evaluations by kind and effect.",
		}, []string{"kind", "effect"}),
		PolicyEvalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "policy",
			Name:      "evaluation_errors_total",
			Help:      "Policy rule evaluation errors by kind.",
		}, []string{"kind"}),
		AuditWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Audit records written by outcome.",
		}, []string{"outcome"}),
		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "authgateway",
			Subsystem: "audit",
			Name:      "queue_depth",
			Help:      "Pending audit records not yet durably recorded.",
		}),
		SIEMShipmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "siem",
			Name:      "shipments_total",
			Help:      "SIEM batch shipments by sink and outcome.",
		}, []string{"sink", "outcome"}),
		SIEMBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authgateway",
			Subsystem: "siem",
			Name:      "batch_size",
			Help:      "Number of audit records per SIEM batch shipment.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		SIEMCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "authgateway",
			Subsystem: "siem",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per sink (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),
		SIEMDeadLetterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "authgateway",
			Subsystem: "siem",
			Name:      "dead_letter_size",
			Help:      "Records currently parked in the SIEM dead-letter queue.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "authgateway",
			Subsystem: "session",
			Name:      "active",
			Help:      "Currently active sessions.",
		}),
		RefreshRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "session",
			Name:      "refresh_rotations_total",
			Help:      "Successful refresh-token rotations.",
		}),
		RefreshReplayDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "session",
			Name:      "refresh_replay_detected_total",
			Help:      "Refresh-token reuse detections resulting in family revocation.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the gateway's API surface.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "authgateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
	}

	collectors := []prometheus.Collector{
		m.DecisionsTotal, m.DecisionDuration, m.CacheHitsTotal, m.CacheStaleTotal,
		m.PolicyEvalTotal, m.PolicyEvalErrors, m.AuditWritesTotal, m.AuditQueueDepth,
		m.SIEMShipmentsTotal, m.SIEMBatchSize, m.SIEMCircuitState, m.SIEMDeadLetterSize,
		m.SessionsActive, m.RefreshRotationsTotal, m.RefreshReplayDetected,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
	}
	for _, c := range collectors {
		registerer.MustRegister(c)
	}
	return m
}
