package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued config fields are Go duration strings ("500ms", "2h"). They
// stay strings in the Config structs so strict decoding and Validate can give
// the field's path in every error.

// ParseDurationField parses the duration field at path. Empty means unset and
// parses as zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault resolves unset (or zero) fields to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
