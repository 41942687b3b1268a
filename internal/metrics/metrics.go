// Package metrics exposes execution counters in the Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/kernel"
)

var allStates = []event.State{
	event.StateStarting,
	event.StateIdle,
	event.StateBusy,
	event.StateInterrupting,
	event.StateFaulted,
	event.StateTerminated,
}

// Metrics records controller activity. It implements execution.Observer and
// its Dropped method is used as the relay overflow hook.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	sessionStarts *prometheus.CounterVec
	sessionEnds   *prometheus.CounterVec
	state         *prometheus.GaugeVec
	dropped       prometheus.Counter
}

// New creates Metrics backed by a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minipy_runs_total",
				Help: "Execution requests by terminal status.",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minipy_run_duration_seconds",
				Help:    "Wall time from submit to terminal event.",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60, 300},
			},
			[]string{"status"},
		),
		sessionStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minipy_session_starts_total",
				Help: "Interpreter sessions that became ready, by backend.",
			},
			[]string{"backend"},
		),
		sessionEnds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minipy_session_ends_total",
				Help: "Interpreter sessions that ended, by reason.",
			},
			[]string{"reason"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "minipy_state",
				Help: "1 for the current controller state, 0 otherwise.",
			},
			[]string{"state"},
		),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minipy_relay_dropped_events_total",
			Help: "Events discarded because the display fell behind.",
		}),
	}
	m.registry.MustRegister(m.runs, m.runDuration, m.sessionStarts, m.sessionEnds, m.state, m.dropped)
	for _, s := range allStates {
		m.state.WithLabelValues(string(s)).Set(0)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Dropped counts events the relay discarded.
func (m *Metrics) Dropped(n int) {
	m.dropped.Add(float64(n))
}

func (m *Metrics) StateChanged(prev, next event.State) {
	if prev != "" {
		m.state.WithLabelValues(string(prev)).Set(0)
	}
	m.state.WithLabelValues(string(next)).Set(1)
}

func (m *Metrics) SessionStarted(sess kernel.Session) {
	m.sessionStarts.WithLabelValues(sess.Backend).Inc()
}

func (m *Metrics) SessionEnded(_ kernel.Session, reason string) {
	m.sessionEnds.WithLabelValues(reason).Inc()
}

func (m *Metrics) RunStarted(kernel.Request) {}

func (m *Metrics) RunFinished(_ kernel.Request, status event.Status, _ int, elapsed time.Duration) {
	m.runs.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}
