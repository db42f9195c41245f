/*
Package recalc estimates recalculation workload and selects poll schedules.

PURPOSE:
  When a seller assigns a COGS value effective from some date, the backend
  recomputes margin for every closed accounting period the change reaches.
  The client cannot know how long that takes, but it can bound it: the work
  grows with the number of affected periods. This package turns an
  effective-from date into (a) the ordered set of affected periods and (b) a
  concrete polling strategy sized to that workload.

DESIGN:
  - Pure functions throughout. Same inputs, same outputs: the strategy for
    a given (effectiveFrom, now, isBatch) triple never varies.
  - Durations are clamped: even a trivial recompute has scheduling latency
    (5s floor), and estimates beyond a minute are not actionable (60s cap).

SEE ALSO:
  - calendar/calendar.go: period arithmetic
  - polling/engine.go: consumes the selected Strategy
*/
package recalc

import (
	"time"

	"github.com/warp/margin-engine/calendar"
)

// Per-period recompute estimate and its clamp bounds.
const (
	perPeriodEstimate = 5 * time.Second
	minEstimate       = 5 * time.Second
	maxEstimate       = 60 * time.Second
)

// AffectedPeriods returns, in chronological order, every closed period a
// change effective from effectiveFrom reaches: the period containing
// effectiveFrom through the last closed period as of now, inclusive.
//
// The result is empty when effectiveFrom falls after the last closed
// period's end: the change only concerns weeks that are not closed yet, so
// there is nothing to recompute.
func AffectedPeriods(cfg calendar.Config, effectiveFrom, now time.Time) []calendar.Period {
	last := cfg.LastClosedPeriod(now)
	if effectiveFrom.After(last.End()) {
		return nil
	}

	var periods []calendar.Period
	for p := calendar.PeriodOf(effectiveFrom); !p.After(last); p = p.Next() {
		periods = append(periods, p)
	}
	return periods
}

// EstimateDuration converts an affected-period count into an expected
// recompute duration: perPeriodEstimate per period, clamped to
// [minEstimate, maxEstimate]. The empty list still yields the floor.
func EstimateDuration(periods []calendar.Period) time.Duration {
	d := time.Duration(len(periods)) * perPeriodEstimate
	if d < minEstimate {
		return minEstimate
	}
	if d > maxEstimate {
		return maxEstimate
	}
	return d
}
