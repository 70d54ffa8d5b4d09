package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mikaelmello/pingwatch/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m.RequestsSent)
	assert.NotNil(t, m.Results)
	assert.NotNil(t, m.RoundTrip)
	assert.NotNil(t, m.Up)
}

func TestObserveSuccess(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.Observe(nil, &core.Result{Outcome: core.Success, Seq: 1, RoundTrip: 12 * time.Millisecond})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Results.WithLabelValues("success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Results.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Up))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RoundTrip))
}

func TestObserveTimeout(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.Observe(nil, &core.Result{Outcome: core.Success, Seq: 1, RoundTrip: time.Millisecond})
	m.Observe(nil, &core.Result{Outcome: core.Timeout})
	m.Observe(nil, &core.Result{Outcome: core.Timeout})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Results.WithLabelValues("timeout")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Up))
}

func TestObserveSend(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	for seq := uint16(1); seq <= 3; seq++ {
		m.ObserveSend(nil, seq)
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(m.RequestsSent))
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveSend(nil, 1)
	m.Observe(nil, &core.Result{Outcome: core.Success, Seq: 1, RoundTrip: 3 * time.Millisecond})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "pingwatch_echo_requests_total 1"))
	assert.True(t, strings.Contains(text, `pingwatch_results_total{outcome="success"} 1`))
	assert.True(t, strings.Contains(text, "pingwatch_round_trip_seconds_count 1"))
	assert.True(t, strings.Contains(text, "pingwatch_destination_up 1"))
}
