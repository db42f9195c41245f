package polling

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_SessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.sessionStarted()
	m.sessionStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.activeSessions))

	m.attemptMade()
	m.attemptMade()
	m.attemptMade()
	assert.Equal(t, float64(3), testutil.ToFloat64(m.attempts))

	m.sessionEnded(StatusSucceeded, 2)
	m.sessionEnded("", 1) // cancelled before any terminal state
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("cancelled")))

	// Everything is registered and gatherable, and the per-session attempts
	// histogram saw one observation per ended session.
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
	for _, fam := range families {
		if fam.GetName() == "margin_polling_session_attempts" {
			require.Len(t, fam.GetMetric(), 1)
			assert.Equal(t, uint64(2), fam.GetMetric()[0].GetHistogram().GetSampleCount())
			assert.Equal(t, float64(3), fam.GetMetric()[0].GetHistogram().GetSampleSum())
		}
	}
}
