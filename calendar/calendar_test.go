package calendar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/margin-engine/calendar"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// The week of Monday 2026-03-02 anchors most cases below.
func date(day int, hour int) time.Time {
	return time.Date(2026, time.March, day, hour, 0, 0, 0, time.UTC)
}

// =============================================================================
// PERIOD MAPPING
// =============================================================================

func TestPeriodOf_Deterministic(t *testing.T) {
	d := date(4, 10) // Wednesday
	assert.True(t, calendar.PeriodOf(d).Equal(calendar.PeriodOf(d)))
}

func TestPeriodOf_WholeWeekMapsToSamePeriod(t *testing.T) {
	// GIVEN: Monday 2026-03-02 through Sunday 2026-03-08
	// THEN: every day maps to the week of 03-02
	want := calendar.PeriodOf(date(2, 0))
	require.Equal(t, time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC), want.Start())

	for day := 2; day <= 8; day++ {
		got := calendar.PeriodOf(date(day, 23))
		assert.True(t, got.Equal(want), "day %d should map to week of 03-02", day)
	}

	// AND: the next Monday starts a new period
	assert.True(t, calendar.PeriodOf(date(9, 0)).After(want))
}

func TestPeriodOf_Monotonic(t *testing.T) {
	// Later dates never map to earlier periods.
	prev := calendar.PeriodOf(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC))
	for i := 1; i < 120; i++ {
		d := time.Date(2026, time.January, 1+i, 0, 0, 0, 0, time.UTC)
		cur := calendar.PeriodOf(d)
		assert.False(t, cur.Before(prev), "period regressed at %s", d)
		prev = cur
	}
}

func TestPeriod_EndAndMidpoint(t *testing.T) {
	// GIVEN: the week of Monday 2026-03-02
	p := calendar.PeriodOf(date(4, 0))

	// THEN: it ends at the last instant of Sunday 03-08
	end := p.End()
	assert.Equal(t, time.March, end.Month())
	assert.Equal(t, 8, end.Day())
	assert.Equal(t, 23, end.Hour())

	// AND: its midpoint is three days earlier, Thursday 03-05 end of day
	mid := p.Midpoint()
	assert.Equal(t, 5, mid.Day())
	assert.Equal(t, 23, mid.Hour())
	assert.True(t, mid.Before(end))
}

func TestPeriod_NextPrevRoundTrip(t *testing.T) {
	p := calendar.PeriodOf(date(2, 0))
	assert.True(t, p.Next().Prev().Equal(p))
	assert.True(t, p.Next().After(p))
	assert.True(t, p.Prev().Before(p))
}

func TestPeriod_Contains(t *testing.T) {
	p := calendar.PeriodOf(date(2, 0))
	assert.True(t, p.Contains(date(2, 0)))
	assert.True(t, p.Contains(date(8, 23)))
	assert.False(t, p.Contains(date(9, 0)))
	assert.False(t, p.Contains(date(1, 23)))
}

// =============================================================================
// LAST CLOSED PERIOD
// =============================================================================

func TestLastClosedPeriod_MondayIsConservative(t *testing.T) {
	// GIVEN: now is Monday 2026-03-02 10:00 (first day of its period)
	// THEN: the last closed period is two weeks back, the week of 02-16
	cfg := calendar.DefaultConfig()
	last := cfg.LastClosedPeriod(date(2, 10))
	assert.Equal(t, time.Date(2026, time.February, 16, 0, 0, 0, 0, time.UTC), last.Start())
}

func TestLastClosedPeriod_TuesdayBeforeCutoff(t *testing.T) {
	// GIVEN: now is Tuesday 10:00, before the 12:00 cutoff
	// THEN: still two weeks back
	cfg := calendar.DefaultConfig()
	last := cfg.LastClosedPeriod(date(3, 10))
	assert.Equal(t, time.Date(2026, time.February, 16, 0, 0, 0, 0, time.UTC), last.Start())
}

func TestLastClosedPeriod_TuesdayAfterCutoff(t *testing.T) {
	// GIVEN: now is Tuesday 13:00, past the cutoff
	// THEN: one week back, the week of 02-23
	cfg := calendar.DefaultConfig()
	last := cfg.LastClosedPeriod(date(3, 13))
	assert.Equal(t, time.Date(2026, time.February, 23, 0, 0, 0, 0, time.UTC), last.Start())
}

func TestLastClosedPeriod_MidweekIsOneBack(t *testing.T) {
	// GIVEN: now is Wednesday 2026-03-04 10:00
	// THEN: one week back
	cfg := calendar.DefaultConfig()
	last := cfg.LastClosedPeriod(date(4, 10))
	assert.Equal(t, time.Date(2026, time.February, 23, 0, 0, 0, 0, time.UTC), last.Start())
}

func TestLastClosedPeriod_CutoffHourIsConfigurable(t *testing.T) {
	// GIVEN: a 9:00 cutoff
	// THEN: Tuesday 10:00 already counts the previous week as closed
	cfg := calendar.Config{CutoffHour: 9}
	last := cfg.LastClosedPeriod(date(3, 10))
	assert.Equal(t, time.Date(2026, time.February, 23, 0, 0, 0, 0, time.UTC), last.Start())
}

// =============================================================================
// MIDPOINT RULE
// =============================================================================

func TestIsAfterLastClosedPeriodMidpoint(t *testing.T) {
	// GIVEN: now is Wednesday 2026-03-04; last closed week is 02-23, whose
	// midpoint is Thursday 02-26 end of day
	cfg := calendar.DefaultConfig()
	now := date(4, 10)

	// Effective dates up to the midpoint still reach the closed week.
	assert.False(t, cfg.IsAfterLastClosedPeriodMidpoint(
		time.Date(2026, time.February, 26, 0, 0, 0, 0, time.UTC), now))

	// Dates past it will not retroactively apply.
	assert.True(t, cfg.IsAfterLastClosedPeriodMidpoint(
		time.Date(2026, time.February, 27, 0, 0, 0, 0, time.UTC), now))
	assert.True(t, cfg.IsAfterLastClosedPeriodMidpoint(date(4, 0), now))
}
