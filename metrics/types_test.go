package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func find(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestMetricName(t *testing.T) {
	cases := map[[2]string]string{
		{"net.tcp", "conn_total"}: "net_tcp_conn_total",
		{"", "plain"}:             "plain",
		{"net-udp", "a.b"}:        "net_udp_a_b",
	}
	for in, want := range cases {
		assert.Equal(t, want, metricName(in[0], in[1]))
	}
}

func TestCounter(t *testing.T) {
	IncrCounterWithGroup("test.counter", "hits_total", 1)
	IncrCounterWithGroup("test.counter", "hits_total", 2)
	// 负数不能加到计数器上
	IncrCounterWithGroup("test.counter", "hits_total", -5)

	f := find(t, "test_counter_hits_total")
	require.NotNil(t, f)
	assert.Equal(t, 3.0, f.GetMetric()[0].GetCounter().GetValue())
}

func TestCounterWithDimensions(t *testing.T) {
	IncrCounterWithDimGroup("test.dim", "drop_total", 1, Dimension{"reason": "full"})
	IncrCounterWithDimGroup("test.dim", "drop_total", 1, Dimension{"reason": "closed"})
	IncrCounterWithDimGroup("test.dim", "drop_total", 1, Dimension{"reason": "full"})

	f := find(t, "test_dim_drop_total")
	require.NotNil(t, f)
	got := map[string]float64{}
	for _, m := range f.GetMetric() {
		got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"full": 2, "closed": 1}, got)
}

func TestGaugeAndStopwatch(t *testing.T) {
	UpdateGaugeWithGroup("test.gauge", "conns", 10)
	UpdateGaugeWithGroup("test.gauge", "conns", 4)
	f := find(t, "test_gauge_conns")
	require.NotNil(t, f)
	assert.Equal(t, 4.0, f.GetMetric()[0].GetGauge().GetValue())

	RecordStopwatchWithGroup("test.sw", "tick_seconds", time.Now().Add(-time.Millisecond))
	f = find(t, "test_sw_tick_seconds")
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestConflictingLabelsAreRejected(t *testing.T) {
	IncrCounterWithGroup("test.conflict", "x_total", 1)
	before := find(t, "metrics_register_rejected_total").GetMetric()[0].GetCounter().GetValue()

	IncrCounterWithDimGroup("test.conflict", "x_total", 1, Dimension{"k": "v"})

	after := find(t, "metrics_register_rejected_total").GetMetric()[0].GetCounter().GetValue()
	assert.Equal(t, before+1, after)
}

func TestHandler(t *testing.T) {
	IncrCounterWithGroup("test.http", "served_total", 1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_http_served_total 1")
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "counter", PolicySum.String())
	assert.Equal(t, "gauge", PolicySet.String())
	assert.Equal(t, "none", PolicyNone.String())
}
