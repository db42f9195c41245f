/*
Package calendar provides accounting-period date arithmetic.

PURPOSE:
  Margin figures are aggregated per accounting period (a Monday-to-Sunday
  week). Every decision the recalculation poller makes (how many periods a
  COGS change reaches back into, whether a change can still affect the most
  recent finalized week) reduces to arithmetic on these periods.

KEY CONCEPTS:
  - Period: an opaque week identifier, canonically the UTC date of its Monday.
    Comparable, orderable, never constructed by callers directly.
  - Closed period: the most recent period whose upstream sales data is
    considered final. Source feeds for a just-ended week keep trickling in
    until partway through the following week, so "closed" lags "ended".
  - Midpoint rule: the backend applies a COGS change to a period only if the
    change's effective date is no later than that period's midpoint instant
    (Thursday end of day).

USAGE:
  cfg := calendar.DefaultConfig()
  p := calendar.PeriodOf(effectiveFrom)
  last := cfg.LastClosedPeriod(time.Now())
  if cfg.IsAfterLastClosedPeriodMidpoint(effectiveFrom, time.Now()) {
      // warn: change will not retroactively affect the last closed week
  }

SEE ALSO:
  - recalc/estimator.go: maps effective dates onto affected periods
*/
package calendar

import "time"

// =============================================================================
// PERIOD - Opaque accounting-week identifier
// =============================================================================

// Period identifies one accounting week. The zero value is not a valid
// period; obtain periods via PeriodOf or the navigation methods.
type Period struct {
	// start is the UTC midnight of the period's Monday.
	start time.Time
}

// PeriodOf returns the period containing t. Deterministic: the same date
// always maps to the same period, and later dates never map to earlier
// periods.
func PeriodOf(t time.Time) Period {
	d := normalizeDay(t)
	// time.Weekday counts Sunday as 0; shift so Monday is day 0 of the week.
	offset := (int(d.Weekday()) + 6) % 7
	return Period{start: d.AddDate(0, 0, -offset)}
}

// Start returns the first instant of the period (Monday, 00:00 UTC).
func (p Period) Start() time.Time { return p.start }

// End returns the last instant of the period (Sunday, end of day).
func (p Period) End() time.Time {
	return p.start.AddDate(0, 0, 7).Add(-time.Nanosecond)
}

// Midpoint returns the instant three days before End, at end of day
// (Thursday end of day). A value change only retroactively affects this
// period if its effective date is no later than this instant.
func (p Period) Midpoint() time.Time {
	return p.End().AddDate(0, 0, -3)
}

// Next returns the following period.
func (p Period) Next() Period { return Period{start: p.start.AddDate(0, 0, 7)} }

// Prev returns the preceding period.
func (p Period) Prev() Period { return Period{start: p.start.AddDate(0, 0, -7)} }

// Before reports whether p is strictly earlier than other.
func (p Period) Before(other Period) bool { return p.start.Before(other.start) }

// After reports whether p is strictly later than other.
func (p Period) After(other Period) bool { return p.start.After(other.start) }

// Equal reports whether p and other identify the same week.
func (p Period) Equal(other Period) bool { return p.start.Equal(other.start) }

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.start) && !t.After(p.End())
}

// IsZero reports whether p is the invalid zero value.
func (p Period) IsZero() bool { return p.start.IsZero() }

func (p Period) String() string { return "week of " + p.start.Format("2006-01-02") }

// normalizeDay truncates t to UTC midnight of its calendar day.
func normalizeDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// CONFIG - Business policy for when a period counts as closed
// =============================================================================

// DefaultCutoffHour is the hour (UTC) on the second day of a period before
// which the previous period's upstream data is still considered incomplete.
const DefaultCutoffHour = 12

// Config carries the business-policy knobs for closed-period determination.
// The cutoff hour is policy, not physics: upstream feeds finish loading the
// prior week sometime on Tuesday, and operations picks the hour.
type Config struct {
	// CutoffHour is the UTC hour on the second day of a period at which the
	// immediately preceding period becomes trustworthy. Range [0, 24).
	CutoffHour int
}

// DefaultConfig returns a Config with the standard cutoff hour.
func DefaultConfig() Config {
	return Config{CutoffHour: DefaultCutoffHour}
}

// LastClosedPeriod returns the most recent period whose data is considered
// final as of now.
//
// Rule: early in a period (its first day, or its second day before the
// cutoff hour) the previous period's source data may still be loading, so
// the answer conservatively skips back two periods. From the second day's
// cutoff onward, one period back is safe.
func (c Config) LastClosedPeriod(now time.Time) Period {
	current := PeriodOf(now)
	u := now.UTC()
	dayIndex := int(normalizeDay(u).Sub(current.Start()).Hours() / 24)

	if dayIndex == 0 || (dayIndex == 1 && u.Hour() < c.CutoffHour) {
		return current.Prev().Prev()
	}
	return current.Prev()
}

// IsAfterLastClosedPeriodMidpoint reports whether date falls after the last
// closed period's midpoint. When true, a value effective from that date will
// not retroactively change the most recent closed week; callers typically
// surface this as a warning before the mutation is submitted.
func (c Config) IsAfterLastClosedPeriodMidpoint(date, now time.Time) bool {
	return date.After(c.LastClosedPeriod(now).Midpoint())
}
