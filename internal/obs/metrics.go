// Package obs provides observability functionality including metrics and HTTP endpoints
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	QueueDepth           prometheus.Gauge
	EventsPublishedTotal *prometheus.CounterVec
	PublishErrorsTotal   prometheus.Counter
	EventsDeliveredTotal prometheus.Counter
	EventsAckedTotal     prometheus.Counter
	EventsNackedTotal    prometheus.Counter
	EventsReclaimedTotal prometheus.Counter
	DeadLetteredTotal    *prometheus.CounterVec
	ReplaysTotal         prometheus.Counter
	HandlerErrorsTotal   *prometheus.CounterVec
}

// NewMetrics creates and initializes a new Metrics instance
// All metrics are registered with the Prometheus default registry
func NewMetrics(serviceName string) *Metrics {
	constLabels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "queue_depth",
			Help:        "Current depth of the internal delivery queue",
			ConstLabels: constLabels,
		}),
		EventsPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "events_published_total",
			Help:        "Total number of envelopes appended to the stream store",
			ConstLabels: constLabels,
		}, []string{"event_type"}),
		PublishErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "publish_errors_total",
			Help:        "Total number of failed publish attempts",
			ConstLabels: constLabels,
		}),
		EventsDeliveredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "events_delivered_total",
			Help:        "Total number of deliveries read by this consumer",
			ConstLabels: constLabels,
		}),
		EventsAckedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "events_acked_total",
			Help:        "Total number of deliveries acknowledged",
			ConstLabels: constLabels,
		}),
		EventsNackedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "events_nacked_total",
			Help:        "Total number of deliveries released for redelivery",
			ConstLabels: constLabels,
		}),
		EventsReclaimedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "events_reclaimed_total",
			Help:        "Total number of expired claims taken over by this consumer",
			ConstLabels: constLabels,
		}),
		DeadLetteredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "dead_lettered_total",
			Help:        "Total number of envelopes captured by the dead-letter sink",
			ConstLabels: constLabels,
		}, []string{"event_type"}),
		ReplaysTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "replays_total",
			Help:        "Total number of dead-letter records replayed",
			ConstLabels: constLabels,
		}),
		HandlerErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "handler_errors_total",
			Help:        "Total number of handler retry outcomes, per event type",
			ConstLabels: constLabels,
		}, []string{"event_type"}),
	}
}

// IncrementPublished increments the published counter for an event type.
func (m *Metrics) IncrementPublished(eventType string) {
	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// IncrementPublishErrors increments the publish error counter by 1
func (m *Metrics) IncrementPublishErrors() {
	m.PublishErrorsTotal.Inc()
}

// IncrementDelivered increments the delivered counter by 1
func (m *Metrics) IncrementDelivered() {
	m.EventsDeliveredTotal.Inc()
}

// IncrementAcked increments the acked counter by 1
func (m *Metrics) IncrementAcked() {
	m.EventsAckedTotal.Inc()
}

// IncrementNacked increments the nacked counter by 1
func (m *Metrics) IncrementNacked() {
	m.EventsNackedTotal.Inc()
}

// IncrementReclaimed increments the reclaimed counter by 1
func (m *Metrics) IncrementReclaimed() {
	m.EventsReclaimedTotal.Inc()
}

// IncrementDeadLettered increments the dead-letter counter for an event type.
func (m *Metrics) IncrementDeadLettered(eventType string) {
	m.DeadLetteredTotal.WithLabelValues(eventType).Inc()
}

// IncrementReplays increments the replay counter by 1
func (m *Metrics) IncrementReplays() {
	m.ReplaysTotal.Inc()
}

// IncrementHandlerErrors increments the handler error counter for an event type.
func (m *Metrics) IncrementHandlerErrors(eventType string) {
	m.HandlerErrorsTotal.WithLabelValues(eventType).Inc()
}

// IncrementQueueDepth increments the queue depth gauge metric by 1
func (m *Metrics) IncrementQueueDepth() {
	m.QueueDepth.Inc()
}

// DecrementQueueDepth decrements the queue depth gauge metric by 1
func (m *Metrics) DecrementQueueDepth() {
	m.QueueDepth.Dec()
}

// NullifyQueueDepth sets the queue depth gauge metric to 0
func (m *Metrics) NullifyQueueDepth() {
	m.QueueDepth.Set(0)
}
