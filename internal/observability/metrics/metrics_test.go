package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCampaignMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCampaignMetrics(reg)

	m.ObserveOutbound("sent")
	m.ObserveOutbound("sent")
	m.ObserveBlocked("QUIET_HOURS")
	m.ObserveRetry()
	m.ObserveInbound("message.finalized", "applied")
	m.ObserveWebhookLatency("message.finalized", 0.02)
	m.ObserveEnrollmentExit("OPT_OUT")

	require.Equal(t, float64(2), testutil.ToFloat64(m.outboundTotal.WithLabelValues("sent")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.blockedTotal.WithLabelValues("QUIET_HOURS")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.retryTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(m.enrollExits.WithLabelValues("OPT_OUT")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *CampaignMetrics
	m.ObserveOutbound("sent")
	m.ObserveBlocked("SUPPRESSED")
	m.ObserveRetry()
	m.ObserveInbound("x", "y")
	m.ObserveWebhookLatency("x", 1)
	m.ObserveEnrollmentExit("COMPLETED")
}
