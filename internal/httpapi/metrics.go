package httpapi

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's Prometheus instruments.
type Metrics struct {
	WebhooksReceived *prometheus.CounterVec
	WebhooksRejected *prometheus.CounterVec
	WebhooksDropped  *prometheus.CounterVec
	EventsProcessed  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

// NewMetrics registers the daemon's metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autodev_webhooks_received_total",
			Help: "Webhook deliveries accepted for processing, by source.",
		}, []string{"source"}),
		WebhooksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autodev_webhooks_rejected_total",
			Help: "Webhook deliveries rejected before processing, by source and reason.",
		}, []string{"source", "reason"}),
		WebhooksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autodev_webhooks_dropped_total",
			Help: "Webhook deliveries dropped because the processing queue was full, by source.",
		}, []string{"source"}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autodev_events_processed_total",
			Help: "Digested events handed to the engine, by type and outcome.",
		}, []string{"type", "outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autodev_webhook_queue_depth",
			Help: "Events waiting in the webhook processing queue.",
		}),
	}
}

// phaseCollector exports per-phase task counts read from the store at
// scrape time.
type phaseCollector struct {
	counts PhaseCounter
	desc   *prometheus.Desc
}

func newPhaseCollector(counts PhaseCounter) *phaseCollector {
	return &phaseCollector{
		counts: counts,
		desc: prometheus.NewDesc("autodev_tasks",
			"Tracked tasks by lifecycle phase.", []string{"phase"}, nil),
	}
}

func (c *phaseCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *phaseCollector) Collect(ch chan<- prometheus.Metric) {
	byPhase, err := c.counts.CountByPhase(context.Background())
	if err != nil {
		return
	}
	for phase, n := range byPhase {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(phase))
	}
}
