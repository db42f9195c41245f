package recalc

import (
	"time"

	"github.com/warp/margin-engine/calendar"
)

// =============================================================================
// STRATEGY - Concrete poll schedule for one recalculation session
// =============================================================================

// Strategy is the poll schedule chosen for one session. Immutable once
// selected.
type Strategy struct {
	// Interval between status checks.
	Interval time.Duration

	// MaxAttempts bounds completed check cycles before the session times out.
	MaxAttempts int

	// EstimatedDuration is the human-facing expectation shown while polling.
	// Always within [5s, 60s]; exactly 60s for batch strategies.
	EstimatedDuration time.Duration
}

// Preset schedules. Near-term changes recompute fast and are polled tightly;
// changes reaching back across closed periods touch more precomputed
// aggregates and are polled more patiently; batch operations amortize many
// products and always get the most generous budget.
var (
	currentPeriodStrategy = Strategy{Interval: 3 * time.Second, MaxAttempts: 10, EstimatedDuration: 10 * time.Second}
	batchStrategy         = Strategy{Interval: 5 * time.Second, MaxAttempts: 20, EstimatedDuration: 60 * time.Second}
)

// SelectStrategy chooses the poll schedule for a change effective from
// effectiveFrom, as of now. Pure: the same inputs always yield the same
// strategy.
func SelectStrategy(cfg calendar.Config, effectiveFrom, now time.Time, isBatch bool) Strategy {
	if isBatch {
		return batchStrategy
	}

	periods := AffectedPeriods(cfg, effectiveFrom, now)
	if len(periods) > 1 {
		// Historical change reaching back across more than one closed period.
		return Strategy{
			Interval:          5 * time.Second,
			MaxAttempts:       10,
			EstimatedDuration: EstimateDuration(periods),
		}
	}
	return currentPeriodStrategy
}
