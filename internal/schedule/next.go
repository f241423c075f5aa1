package schedule

import "time"

// NextOccurrence computes the first instant on the schedule's anchor grid
// that has not yet passed. Anchoring to the original instant (rather than
// "now + interval") is what keeps a daily 09:00 schedule pinned to 09:00
// forever, regardless of how late past firings ran.
//
// Non-recurring schedules are stepped as daily, purely to size the single
// future instant; they never repeat past it.
func NextOccurrence(s Schedule, now time.Time) time.Time {
	loc := now.Location()
	anchor := s.AnchorAt(loc)

	// The anchor's day-of-month is the fixed reference for monthly stepping:
	// anchored on the 31st, a 30-day month lands on the 30th, and the next
	// cycle re-clamps from 31 instead of drifting to 30 permanently.
	origDay := anchor.Day()

	freq := s.Frequency
	if !s.Recurring {
		freq = Daily
	}

	anchor = fastForward(s, freq, anchor, origDay, now)

	// Exact stepping. The fast-forward above intentionally undershoots by at
	// least one cycle, so this loop runs a small, bounded number of times and
	// still absorbs DST shifts, leap years and variable month lengths.
	for !anchor.After(now) {
		anchor = step(s, freq, anchor, origDay)
	}
	return anchor
}

// NextDelay returns the non-negative duration from now until the next
// occurrence of s. Pure: same inputs, same answer.
func NextDelay(s Schedule, now time.Time) time.Duration {
	d := NextOccurrence(s, now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// step advances the anchor by exactly one cycle.
func step(s Schedule, freq Frequency, anchor time.Time, origDay int) time.Time {
	switch freq {
	case Hourly:
		return anchor.Add(time.Hour)
	case Weekly:
		return anchor.AddDate(0, 0, 7)
	case Monthly:
		return addMonthClamped(anchor, 1, origDay)
	case Custom:
		p := s.EffectivePeriod()
		if s.PeriodUnit == UnitHours {
			return anchor.Add(time.Duration(p) * time.Hour)
		}
		return anchor.AddDate(0, 0, p)
	default: // Daily
		return anchor.AddDate(0, 0, 1)
	}
}

// fastForward jumps the anchor forward by an estimated whole number of
// cycles when it is far in the past, undershooting by one cycle so the
// exact-stepping loop always runs. This bounds the loop regardless of how
// long the schedule sat disabled or the process was down.
func fastForward(s Schedule, freq Frequency, anchor time.Time, origDay int, now time.Time) time.Time {
	elapsed := now.Sub(anchor)
	if elapsed <= 0 {
		return anchor
	}

	var cycle time.Duration
	switch freq {
	case Hourly:
		cycle = time.Hour
	case Weekly:
		cycle = 7 * 24 * time.Hour
	case Monthly:
		// Estimate with the longest month so the jump always undershoots.
		cycle = 31 * 24 * time.Hour
	case Custom:
		p := time.Duration(s.EffectivePeriod())
		if s.PeriodUnit == UnitHours {
			cycle = p * time.Hour
		} else {
			cycle = p * 24 * time.Hour
		}
	default:
		cycle = 24 * time.Hour
	}

	n := int(elapsed/cycle) - 1
	if n <= 0 {
		return anchor
	}

	switch freq {
	case Hourly:
		return anchor.Add(time.Duration(n) * time.Hour)
	case Weekly:
		return anchor.AddDate(0, 0, 7*n)
	case Monthly:
		return addMonthClamped(anchor, n, origDay)
	case Custom:
		p := s.EffectivePeriod()
		if s.PeriodUnit == UnitHours {
			return anchor.Add(time.Duration(n*p) * time.Hour)
		}
		return anchor.AddDate(0, 0, n*p)
	default:
		return anchor.AddDate(0, 0, n)
	}
}

// addMonthClamped advances by n calendar months, clamping the day-of-month to
// min(origDay, days in the target month). Built explicitly instead of
// AddDate, which would normalize Jan 31 + 1 month into Mar 2/3.
func addMonthClamped(t time.Time, n, origDay int) time.Time {
	y, m, _ := t.Date()
	mi := int(m) - 1 + n
	y += mi / 12
	mi %= 12
	if mi < 0 {
		mi += 12
		y--
	}
	month := time.Month(mi + 1)
	day := origDay
	if last := daysIn(y, month); day > last {
		day = last
	}
	h, min, sec := t.Clock()
	return time.Date(y, month, day, h, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month normalizes to the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
