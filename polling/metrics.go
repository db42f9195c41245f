package polling

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the engine. All metrics are global-cardinality only:
// no per-product labels, since a large catalog would blow up the series
// count.
type Metrics struct {
	activeSessions  prometheus.Gauge
	outcomes        *prometheus.CounterVec
	attempts        prometheus.Counter
	sessionAttempts prometheus.Histogram
}

// NewMetrics creates the engine metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "margin_polling_active_sessions",
			Help: "Number of recalculation polling sessions currently running",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_polling_sessions_total",
			Help: "Finished polling sessions by terminal outcome (outcome=cancelled for sessions cancelled before a terminal state)",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "margin_polling_attempts_total",
			Help: "Completed status-check cycles across all sessions",
		}),
		sessionAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_polling_session_attempts",
			Help:    "Completed status-check cycles per finished session",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		}),
	}
	reg.MustRegister(m.activeSessions, m.outcomes, m.attempts, m.sessionAttempts)
	return m
}

func (m *Metrics) sessionStarted() { m.activeSessions.Inc() }

func (m *Metrics) sessionEnded(terminal SessionStatus, attempts int) {
	m.activeSessions.Dec()
	outcome := string(terminal)
	if outcome == "" {
		outcome = "cancelled"
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.sessionAttempts.Observe(float64(attempts))
}

func (m *Metrics) attemptMade() { m.attempts.Inc() }
