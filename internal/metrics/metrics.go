// Package metrics exposes Prometheus metrics for the detection pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	EventsTotal         prometheus.Counter
	EventsInvalidTotal  prometheus.Counter
	EventsDroppedTotal  prometheus.Counter
	FindingsTotal       *prometheus.CounterVec
	DetectorErrorsTotal *prometheus.CounterVec
	StoreErrorsTotal    prometheus.Counter
	RecordsLostTotal    prometheus.Counter
	IncidentsFired      prometheus.Counter
	IncidentsClosed     prometheus.Counter
	AlertsSuppressed    prometheus.Counter
	DispatchTotal       *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	OpenIncidents       prometheus.Gauge
}

// NewMetrics registers all engine metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "decoynet_events_total",
			Help: "Total number of events accepted into the pipeline",
		}),
		EventsInvalidTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "decoynet_events_invalid_total",
			Help: "Total number of events rejected by validation",
		}),
		EventsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "decoynet_events_dropped_total",
			Help: "Total number of events rejected because the queue was full",
		}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decoynet_findings_total",
			Help: "Total number of findings by detector",
		}, []string{"detector"}),
		DetectorErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decoynet_detector_errors_total",
			Help: "Total number of isolated detector failures by detector",
		}, []string{"detector"}),
		StoreErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "decoynet_store_errors_total",
			Help: "Total number of failed alert store appends",
		}),
		RecordsLostTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "decoynet_records_lost_total",
			Help: "Total number of records dropped because their store append failed",
		}),
		IncidentsFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "decoynet_incidents_fired_total",
			Help: "Total number of incidents that crossed the firing threshold",
		}),
		IncidentsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "decoynet_incidents_closed_total",
			Help: "Total number of incidents closed",
		}),
		AlertsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "decoynet_alerts_suppressed_total",
			Help: "Total number of alerts skipped by duplicate suppression",
		}),
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decoynet_dispatch_total",
			Help: "Total number of sink delivery cycles by sink and outcome",
		}, []string{"sink", "outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "decoynet_queue_depth",
			Help: "Current number of events waiting in the ingest queue",
		}),
		OpenIncidents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "decoynet_open_incidents",
			Help: "Current number of open incidents",
		}),
	}
}
