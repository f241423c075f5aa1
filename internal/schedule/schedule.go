package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frequency is the repeat cadence of a schedule.
type Frequency string

const (
	Hourly  Frequency = "hourly"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Custom  Frequency = "custom"
)

// PeriodUnit is the unit for Custom frequency periods.
type PeriodUnit string

const (
	UnitHours PeriodUnit = "hours"
	UnitDays  PeriodUnit = "days"
)

var ErrInvalid = errors.New("invalid schedule")

// Schedule is a persisted message schedule. The id doubles as the dedup key
// for the one-shot job chain, so at most one pending job exists per schedule.
type Schedule struct {
	ID          int64
	ContactName string
	ChatID      int64 // delivery destination (telegram chat)
	Message     string

	Hour   int // 0-23, wall-clock target
	Minute int // 0-59

	Frequency  Frequency
	Period     int        // custom frequency only; values < 1 read as 1
	PeriodUnit PeriodUnit // custom frequency only

	Recurring bool // false: fire once at the next occurrence, then disable
	Enabled   bool

	// StartAt is the user-chosen anchor date; zero means "anchor at creation".
	StartAt   time.Time
	CreatedAt time.Time

	// AI content source (optional). When set, the firing path asks the
	// content generator first and falls back to Message on any error.
	AIGenerated bool
	AIContext   string
	AIStyle     string
}

// AnchorAt returns the non-drifting reference instant: the anchor date
// combined with the target time-of-day, in loc.
func (s Schedule) AnchorAt(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	base := s.StartAt
	if base.IsZero() {
		base = s.CreatedAt
	}
	base = base.In(loc)
	return time.Date(base.Year(), base.Month(), base.Day(), s.Hour, s.Minute, 0, 0, loc)
}

// EffectivePeriod returns the custom period with the >=1 invariant applied.
func (s Schedule) EffectivePeriod() int {
	if s.Period < 1 {
		return 1
	}
	return s.Period
}

// HourlyCadence reports whether the schedule steps in hours
// (hourly, or custom with an hour unit).
func (s Schedule) HourlyCadence() bool {
	if s.Frequency == Hourly {
		return true
	}
	return s.Frequency == Custom && s.PeriodUnit == UnitHours
}

// Validate checks user-supplied fields. It does not mutate the schedule;
// the period coercion happens at read time via EffectivePeriod.
func (s Schedule) Validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalid, s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalid, s.Minute)
	}
	switch s.Frequency {
	case Hourly, Daily, Weekly, Monthly:
	case Custom:
		if s.PeriodUnit != UnitHours && s.PeriodUnit != UnitDays {
			return fmt.Errorf("%w: unknown period unit %q", ErrInvalid, s.PeriodUnit)
		}
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalid, s.Frequency)
	}
	if s.ChatID == 0 {
		return fmt.Errorf("%w: chat id required", ErrInvalid)
	}
	if !s.AIGenerated && strings.TrimSpace(s.Message) == "" {
		return fmt.Errorf("%w: message required", ErrInvalid)
	}
	return nil
}

// ParseFrequency maps user input to a Frequency.
func ParseFrequency(raw string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "hourly":
		return Hourly, nil
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	case "custom":
		return Custom, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalid, raw)
	}
}

// TimeOfDay renders the target time as HH:MM.
func (s Schedule) TimeOfDay() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}
