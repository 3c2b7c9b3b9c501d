package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "inboxflow"

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	registry            *prometheus.Registry
	webhookEvents       *prometheus.CounterVec
	paymentTransitions  *prometheus.CounterVec
	automationMatches   prometheus.Counter
	gatewayAuthRequests *prometheus.CounterVec
	outboundSends       *prometheus.CounterVec
	gatewayLatency      *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics, registered with runtime collectors.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics()
		defaultMetrics.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return defaultMetrics
}

// NewMetrics builds an isolated set of collectors; tests use it to avoid shared state.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook deliveries by platform and outcome.",
		}, []string{"platform", "outcome"}),
		paymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Applied payment status transitions.",
		}, []string{"status"}),
		automationMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_matches_total",
			Help:      "Inbound messages answered by an automation rule.",
		}),
		gatewayAuthRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_auth_requests_total",
			Help:      "Payment gateway authentication calls by result.",
		}, []string{"result"}),
		outboundSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Messages sent to messaging platforms by platform and result.",
		}, []string{"platform", "result"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway call latency by step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
	}
	m.registry.MustRegister(
		m.webhookEvents,
		m.paymentTransitions,
		m.automationMatches,
		m.gatewayAuthRequests,
		m.outboundSends,
		m.gatewayLatency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordWebhookEvent(platform, outcome string) {
	m.webhookEvents.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) RecordPaymentTransition(status string) {
	m.paymentTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordAutomationMatch() {
	m.automationMatches.Inc()
}

func (m *Metrics) RecordGatewayAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.gatewayAuthRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordOutboundSend(platform string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.outboundSends.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) ObserveGatewayStep(step string, started time.Time) {
	m.gatewayLatency.WithLabelValues(step).Observe(time.Since(started).Seconds())
}
