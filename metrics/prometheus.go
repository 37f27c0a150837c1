// Package metrics exports messaging client and broker metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p2pmq"

// PrometheusCollector implements messaging.MetricsCollector
type PrometheusCollector struct {
	sent            *prometheus.CounterVec
	sendFailures    *prometheus.CounterVec
	sentBytes       *prometheus.CounterVec
	sendDuration    *prometheus.HistogramVec
	received        *prometheus.CounterVec
	redelivered     *prometheus.CounterVec
	handled         *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
}

// NewPrometheusCollector creates the client metrics and registers them with reg.
// The legal name is attached as a constant label so several nodes can share reg.
func NewPrometheusCollector(reg prometheus.Registerer, legalName string) (*PrometheusCollector, error) {
	labels := prometheus.Labels{"node": legalName}

	c := &PrometheusCollector{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "messages_sent_total",
			Help:        "Total messages published",
			ConstLabels: labels,
		}, []string{"topic"}),

		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "send_failures_total",
			Help:        "Total publishes that failed",
			ConstLabels: labels,
		}, []string{"topic"}),

		sentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "sent_bytes_total",
			Help:        "Payload bytes published",
			ConstLabels: labels,
		}, []string{"topic"}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "send_duration_seconds",
			Help:        "Time to publish a message",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"topic"}),

		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "messages_received_total",
			Help:        "Total deliveries taken from the inbox",
			ConstLabels: labels,
		}, []string{"topic"}),

		redelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "redeliveries_total",
			Help:        "Deliveries with an attempt above 1",
			ConstLabels: labels,
		}, []string{"topic"}),

		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "messages_handled_total",
			Help:        "Deliveries every handler accepted",
			ConstLabels: labels,
		}, []string{"topic"}),

		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "handler_failures_total",
			Help:        "Deliveries where a handler failed",
			ConstLabels: labels,
		}, []string{"topic"}),

		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "dispatch_duration_seconds",
			Help:        "Time spent running handlers for a delivery",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"topic"}),

		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "dead_letters_total",
			Help:        "Deliveries moved to the dead letter store",
			ConstLabels: labels,
		}, []string{"topic", "reason"}),
	}

	for _, collector := range []prometheus.Collector{
		c.sent, c.sendFailures, c.sentBytes, c.sendDuration,
		c.received, c.redelivered,
		c.handled, c.handlerFailures, c.handleDuration,
		c.deadLetters,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordSend implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordSend(topic string, size int, duration time.Duration, success bool) {
	c.sendDuration.WithLabelValues(topic).Observe(duration.Seconds())
	if !success {
		c.sendFailures.WithLabelValues(topic).Inc()
		return
	}
	c.sent.WithLabelValues(topic).Inc()
	c.sentBytes.WithLabelValues(topic).Add(float64(size))
}

// RecordReceive implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordReceive(topic string, attempt int) {
	c.received.WithLabelValues(topic).Inc()
	if attempt > 1 {
		c.redelivered.WithLabelValues(topic).Inc()
	}
}

// RecordHandled implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordHandled(topic string, duration time.Duration, success bool) {
	c.handleDuration.WithLabelValues(topic).Observe(duration.Seconds())
	if success {
		c.handled.WithLabelValues(topic).Inc()
	} else {
		c.handlerFailures.WithLabelValues(topic).Inc()
	}
}

// RecordDeadLetter implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDeadLetter(topic, reason string) {
	c.deadLetters.WithLabelValues(topic, reason).Inc()
}

// BrokerStats is what the broker gauges read
type BrokerStats interface {
	Running() bool
	NumClients() int
}

// RegisterBrokerGauges exports the connection count and liveness of a broker
func RegisterBrokerGauges(reg prometheus.Registerer, legalName string, broker BrokerStats) error {
	labels := prometheus.Labels{"node": legalName}

	clients := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "broker",
		Name:        "clients",
		Help:        "Connections open on the broker",
		ConstLabels: labels,
	}, func() float64 {
		return float64(broker.NumClients())
	})

	up := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "broker",
		Name:        "up",
		Help:        "Whether the broker is accepting connections (1) or not (0)",
		ConstLabels: labels,
	}, func() float64 {
		if broker.Running() {
			return 1
		}
		return 0
	})

	for _, collector := range []prometheus.Collector{clients, up} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
