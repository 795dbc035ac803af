package config

import (
	"fmt"
	"strings"
	"time"
)

func parseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fieldErr(field, fmt.Errorf("invalid duration %q: %w", raw, err))
	}
	if d < 0 {
		return 0, fieldErr(field, fmt.Errorf("duration must be >= 0"))
	}
	return d, nil
}

// parseDurationOrDefault returns def when raw is empty or zero.
func parseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
