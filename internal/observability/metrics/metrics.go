package metrics

import "github.com/prometheus/client_golang/prometheus"

// CampaignMetrics exposes counters/histograms for campaign delivery flows.
type CampaignMetrics struct {
	outboundTotal  *prometheus.CounterVec
	blockedTotal   *prometheus.CounterVec
	retryTotal     prometheus.Counter
	inboundTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	enrollExits    *prometheus.CounterVec
}

func NewCampaignMetrics(reg prometheus.Registerer) *CampaignMetrics {
	m := &CampaignMetrics{
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreachly",
			Subsystem: "campaigns",
			Name:      "outbound_total",
			Help:      "Total outbound sends by final dispatch status",
		}, []string{"status"}),
		blockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreachly",
			Subsystem: "campaigns",
			Name:      "blocked_total",
			Help:      "Sends blocked by the compliance gate, by reason",
		}, []string{"reason"}),
		retryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "outreachly",
			Subsystem: "campaigns",
			Name:      "send_retries_total",
			Help:      "Provider send attempts that were rescheduled",
		}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreachly",
			Subsystem: "campaigns",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound provider webhooks",
		}, []string{"event_type", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outreachly",
			Subsystem: "campaigns",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of provider webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		enrollExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outreachly",
			Subsystem: "campaigns",
			Name:      "enrollment_exits_total",
			Help:      "Sequence enrollments that ended, by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.outboundTotal, m.blockedTotal, m.retryTotal, m.inboundTotal, m.webhookLatency, m.enrollExits)
	return m
}

func (m *CampaignMetrics) ObserveOutbound(status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(status).Inc()
}

func (m *CampaignMetrics) ObserveBlocked(reason string) {
	if m == nil {
		return
	}
	m.blockedTotal.WithLabelValues(reason).Inc()
}

func (m *CampaignMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retryTotal.Inc()
}

func (m *CampaignMetrics) ObserveInbound(eventType, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType, status).Inc()
}

func (m *CampaignMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}

func (m *CampaignMetrics) ObserveEnrollmentExit(outcome string) {
	if m == nil {
		return
	}
	m.enrollExits.WithLabelValues(outcome).Inc()
}
