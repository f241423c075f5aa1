package bot

import (
	"fmt"
	"strconv"
	"strings"

	"autosend/internal/schedule"
)

// parseAdd builds a schedule from the pipe-separated /add form:
//
//	/add <contact> | <chat id> | <HH:MM> | <frequency> | <message> [| ai[:style]]
//
// frequency is hourly, daily, weekly, monthly, once, or custom:<n>:<hours|days>.
// The trailing ai field turns on generated content; the message becomes the
// generation context and the fallback text.
func parseAdd(raw string) (schedule.Schedule, error) {
	var s schedule.Schedule
	fields := splitFields(raw)
	if len(fields) < 5 {
		return s, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	s.ContactName = fields[0]
	chatID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return s, fmt.Errorf("chat id %q: %w", fields[1], err)
	}
	s.ChatID = chatID

	s.Hour, s.Minute, err = parseClock(fields[2])
	if err != nil {
		return s, err
	}

	if err := applyFrequency(&s, fields[3]); err != nil {
		return s, err
	}

	s.Message = fields[4]
	if len(fields) >= 6 {
		if err := applyAIField(&s, fields[5]); err != nil {
			return s, err
		}
	}
	return s, nil
}

// parseEdit handles the lighter /edit form: id | HH:MM | message.
// An empty time or message field keeps the current value.
func parseEdit(raw string) (id int64, hour, minute int, message string, err error) {
	fields := splitFields(raw)
	if len(fields) < 3 {
		return 0, 0, 0, "", fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	id, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, 0, "", fmt.Errorf("schedule id %q: %w", fields[0], err)
	}
	hour, minute = -1, -1
	if fields[1] != "" {
		hour, minute, err = parseClock(fields[1])
		if err != nil {
			return 0, 0, 0, "", err
		}
	}
	return id, hour, minute, fields[2], nil
}

func splitFields(raw string) []string {
	parts := strings.Split(raw, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	// drop a trailing empty field from "a | b |"
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

func parseClock(raw string) (hour, minute int, err error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q: want HH:MM", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("time %q: %w", raw, err)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("time %q: %w", raw, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", raw)
	}
	return hour, minute, nil
}

func applyFrequency(s *schedule.Schedule, raw string) error {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "once" {
		s.Frequency = schedule.Daily
		s.Recurring = false
		return nil
	}
	s.Recurring = true
	if rest, ok := strings.CutPrefix(raw, "custom:"); ok {
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("custom frequency %q: want custom:<n>:<hours|days>", raw)
		}
		n, err := strconv.Atoi(parts[0])
		if err != nil || n < 1 {
			return fmt.Errorf("custom period %q: want a positive integer", parts[0])
		}
		var unit schedule.PeriodUnit
		switch parts[1] {
		case "hours", "hour", "h":
			unit = schedule.UnitHours
		case "days", "day", "d":
			unit = schedule.UnitDays
		default:
			return fmt.Errorf("custom unit %q: want hours or days", parts[1])
		}
		s.Frequency = schedule.Custom
		s.Period = n
		s.PeriodUnit = unit
		return nil
	}
	freq, err := schedule.ParseFrequency(raw)
	if err != nil {
		return err
	}
	s.Frequency = freq
	return nil
}

func applyAIField(s *schedule.Schedule, raw string) error {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return nil
	}
	style := ""
	if rest, ok := strings.CutPrefix(raw, "ai:"); ok {
		style = rest
	} else if raw != "ai" {
		return fmt.Errorf("field %q: want ai or ai:<style>", raw)
	}
	s.AIGenerated = true
	s.AIStyle = style
	s.AIContext = s.Message
	return nil
}
