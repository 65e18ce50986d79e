package ota

import (
	"sync"

	"github.com/backkem/espota/pkg/update"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts sessions for Prometheus and forwards every event to the
// wrapped Events.
type Metrics struct {
	next Events

	sessions     *prometheus.CounterVec
	bytes        prometheus.Counter
	errors       *prometheus.CounterVec
	authFailures prometheus.Counter

	mu   sync.Mutex
	last uint32
}

// NewMetrics registers the session collectors with reg and wraps next,
// which may be nil.
func NewMetrics(reg prometheus.Registerer, next Events) (*Metrics, error) {
	if next == nil {
		next = nopEvents{}
	}
	m := &Metrics{
		next: next,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "espota_sessions_total",
			Help: "Update sessions by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "espota_bytes_received_total",
			Help: "Image bytes written to flash.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "espota_errors_total",
			Help: "Session failures by kind.",
		}, []string{"kind"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "espota_auth_failures_total",
			Help: "Rejected challenge responses.",
		}),
	}
	for _, c := range []prometheus.Collector{m.sessions, m.bytes, m.errors, m.authFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnStart implements Events.
func (m *Metrics) OnStart(cmd update.Command) {
	m.mu.Lock()
	m.last = 0
	m.mu.Unlock()
	m.next.OnStart(cmd)
}

// OnProgress implements Events.
func (m *Metrics) OnProgress(done, total uint32) {
	m.mu.Lock()
	if done > m.last {
		m.bytes.Add(float64(done - m.last))
		m.last = done
	}
	m.mu.Unlock()
	m.next.OnProgress(done, total)
}

// OnEnd implements Events.
func (m *Metrics) OnEnd() {
	m.sessions.WithLabelValues("success").Inc()
	m.next.OnEnd()
}

// OnError implements Events.
func (m *Metrics) OnError(err *Error) {
	m.sessions.WithLabelValues("error").Inc()
	m.errors.WithLabelValues(err.Kind.label()).Inc()
	if err.Kind == AuthError {
		m.authFailures.Inc()
	}
	m.next.OnError(err)
}
