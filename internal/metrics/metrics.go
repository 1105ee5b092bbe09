// Package metrics holds the Prometheus collectors for keyfleet. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keyfleet"

// Metrics groups every collector the service records to.
type Metrics struct {
	KeysIssued           *prometheus.CounterVec
	KeysRevoked          prometheus.Counter
	KeysRotated          prometheus.Counter
	RotationFailures     prometheus.Counter
	RemoteRevokeFailures prometheus.Counter
	EventAppendFailures  prometheus.Counter
	SweepDuration        prometheus.Histogram
	SweepsTotal          *prometheus.CounterVec
	LastSweep            prometheus.Gauge
	Notifications        *prometheus.CounterVec
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec

	reg prometheus.Registerer
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		KeysIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "issued_total",
			Help:      "Auth keys issued, by reason",
		}, []string{"reason"}),
		KeysRevoked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "revoked_total",
			Help:      "Auth keys explicitly revoked",
		}),
		KeysRotated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "rotated_total",
			Help:      "Auth keys replaced by the rotation sweep",
		}),
		RotationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "failures_total",
			Help:      "Keys the rotation sweep failed to replace",
		}),
		RemoteRevokeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "remote_revoke_failures_total",
			Help:      "Superseded keys whose remote revoke failed",
		}),
		EventAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "append_failures_total",
			Help:      "Audit events that could not be written",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "sweep_duration_seconds",
			Help:      "Rotation sweep duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		SweepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "sweeps_total",
			Help:      "Rotation sweeps, by result",
		}, []string{"result"}),
		LastSweep: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time of the last completed rotation sweep",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Notification deliveries, by provider and result",
		}, []string{"provider", "result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by method, route pattern and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		reg: reg,
	}
}

// WatchTokenRefreshes exports a counter read from fn on every scrape.
func (m *Metrics) WatchTokenRefreshes(fn func() uint64) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "controlplane",
		Name:      "token_refreshes_total",
		Help:      "Access tokens fetched from the control plane",
	}, func() float64 { return float64(fn()) })
}

func (m *Metrics) KeyIssued(reason string) {
	if m == nil {
		return
	}
	m.KeysIssued.WithLabelValues(reason).Inc()
}

func (m *Metrics) KeyRevoked() {
	if m == nil {
		return
	}
	m.KeysRevoked.Inc()
}

func (m *Metrics) KeyRotated() {
	if m == nil {
		return
	}
	m.KeysRotated.Inc()
}

func (m *Metrics) RotationFailed() {
	if m == nil {
		return
	}
	m.RotationFailures.Inc()
}

func (m *Metrics) RemoteRevokeFailed() {
	if m == nil {
		return
	}
	m.RemoteRevokeFailures.Inc()
}

func (m *Metrics) EventAppendFailed() {
	if m == nil {
		return
	}
	m.EventAppendFailures.Inc()
}

// SweepFinished records one sweep run. result is "ok" or "error".
func (m *Metrics) SweepFinished(started time.Time, result string) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(time.Since(started).Seconds())
	m.SweepsTotal.WithLabelValues(result).Inc()
	m.LastSweep.SetToCurrentTime()
}

// Notification records one delivery attempt. result is "ok", "error" or
// "dropped".
func (m *Metrics) Notification(provider, result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(provider, result).Inc()
}

// ObserveRequest records one served HTTP request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
