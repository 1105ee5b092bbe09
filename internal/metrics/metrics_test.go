package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.KeyIssued("manual")
		m.KeyRevoked()
		m.KeyRotated()
		m.RotationFailed()
		m.RemoteRevokeFailed()
		m.EventAppendFailed()
		m.SweepFinished(time.Now(), "ok")
		m.Notification("discord", "ok")
		m.WatchTokenRefreshes(func() uint64 { return 1 })
		m.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.KeyIssued("manual")
	m.KeyIssued("rotation")
	m.KeyIssued("rotation")
	m.KeyRotated()
	m.Notification("queue", "dropped")
	m.SweepFinished(time.Now().Add(-time.Second), "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeysIssued.WithLabelValues("manual")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeysIssued.WithLabelValues("rotation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeysRotated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("queue", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepsTotal.WithLabelValues("ok")))
	assert.Greater(t, testutil.ToFloat64(m.LastSweep), 0.0)
}

func TestWatchTokenRefreshes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	var n uint64 = 3
	m.WatchTokenRefreshes(func() uint64 { return n })

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "keyfleet_controlplane_token_refreshes_total" {
			found = true
			assert.Equal(t, 3.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("POST", "/api/v1/keys", 201, 40*time.Millisecond)
	m.ObserveRequest("POST", "/api/v1/keys", 201, 10*time.Millisecond)
	m.ObserveRequest("GET", "/api/v1/keys/{keyId}", 404, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/api/v1/keys", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/v1/keys/{keyId}", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.HTTPDuration))
}
