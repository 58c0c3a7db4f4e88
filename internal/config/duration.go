package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses the Go duration string stored under the config
// key path. Empty is 0. Negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// checkDurations validates alternating key, value pairs in order.
func checkDurations(kv ...string) []error {
	var errs []error
	for i := 0; i+1 < len(kv); i += 2 {
		if _, err := ParseDurationField(kv[i], kv[i+1]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
