// Package obs provides observability functionality including metrics and HTTP endpoints
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bus.
// Failures surface here and in the dead-letter log, never as process crashes.
type Metrics struct {
	QueueDepth              prometheus.Gauge
	AppendsTotal            prometheus.Counter
	AppendRetriesTotal      prometheus.Counter
	MessagesDeliveredTotal  prometheus.Counter
	AcksTotal               prometheus.Counter
	SignatureRejectsTotal   prometheus.Counter
	EnvelopeMismatchesTotal prometheus.Counter
	ReclaimsTotal           prometheus.Counter
	DeadLetterWritesTotal   prometheus.Counter
}

// NewMetrics creates and initializes a new Metrics instance
// All metrics are registered with the Prometheus default registry
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	return &Metrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "delivery_queue_depth",
			Help:        "Current depth of the internal delivery queue",
			ConstLabels: labels,
		}),
		AppendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "stream_appends_total",
			Help:        "Total number of physical entries appended to the log store",
			ConstLabels: labels,
		}),
		AppendRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "stream_append_retries_total",
			Help:        "Total number of failed append attempts that were requeued for retry",
			ConstLabels: labels,
		}),
		MessagesDeliveredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "messages_delivered_total",
			Help:        "Total number of logical messages delivered to this consumer",
			ConstLabels: labels,
		}),
		AcksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "messages_acked_total",
			Help:        "Total number of entries acknowledged with the store",
			ConstLabels: labels,
		}),
		SignatureRejectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "signature_rejects_total",
			Help:        "Total number of messages dropped due to a missing or invalid signature",
			ConstLabels: labels,
		}),
		EnvelopeMismatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "envelope_mismatches_total",
			Help:        "Total number of batch envelopes whose declared count disagreed with the actual message array",
			ConstLabels: labels,
		}),
		ReclaimsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "pending_reclaims_total",
			Help:        "Total number of orphaned pending entries reclaimed by the recovery scanner",
			ConstLabels: labels,
		}),
		DeadLetterWritesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "dead_letter_writes_total",
			Help:        "Total number of entries recorded in the dead-letter sink",
			ConstLabels: labels,
		}),
	}
}

// IncrementQueueDepth increments the delivery queue depth gauge by 1
func (m *Metrics) IncrementQueueDepth() {
	m.QueueDepth.Inc()
}

// DecrementQueueDepth decrements the delivery queue depth gauge by 1
func (m *Metrics) DecrementQueueDepth() {
	m.QueueDepth.Dec()
}

// NullifyQueueDepth sets the delivery queue depth gauge to 0
func (m *Metrics) NullifyQueueDepth() {
	m.QueueDepth.Set(0)
}

// IncrementAppends increments the appends counter by 1
func (m *Metrics) IncrementAppends() {
	m.AppendsTotal.Inc()
}

// IncrementAppendRetries increments the append retries counter by 1
func (m *Metrics) IncrementAppendRetries() {
	m.AppendRetriesTotal.Inc()
}

// IncrementMessagesDelivered increments the delivered messages counter by n
func (m *Metrics) IncrementMessagesDelivered(n int) {
	m.MessagesDeliveredTotal.Add(float64(n))
}

// IncrementAcks increments the acknowledgement counter by 1
func (m *Metrics) IncrementAcks() {
	m.AcksTotal.Inc()
}

// IncrementSignatureRejects increments the signature reject counter by 1
func (m *Metrics) IncrementSignatureRejects() {
	m.SignatureRejectsTotal.Inc()
}

// IncrementEnvelopeMismatches increments the envelope mismatch counter by 1
func (m *Metrics) IncrementEnvelopeMismatches() {
	m.EnvelopeMismatchesTotal.Inc()
}

// IncrementReclaims increments the reclaim counter by 1
func (m *Metrics) IncrementReclaims() {
	m.ReclaimsTotal.Inc()
}

// IncrementDeadLetterWrites increments the dead-letter write counter by 1
func (m *Metrics) IncrementDeadLetterWrites() {
	m.DeadLetterWritesTotal.Inc()
}
