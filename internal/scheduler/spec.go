package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSpec parses a schedule string.
//
// Supported forms:
//   - cron: "0 9 * * *", "*/30 * * * *", "@daily", "@every 6h"
//   - interval: "6h", "90m"
//
// Optional prefixes "cron:" and "every:" (or "interval:") force the form.
func ParseSpec(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cron.ParseStandard(expr)
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cron.ParseStandard(s)
	}
	if sched, err := parseInterval(s); err == nil {
		return sched, nil
	}
	return nil, fmt.Errorf("invalid schedule %q (use cron like '0 9 * * *', a descriptor like '@daily', or a duration like '6h')", raw)
}

func parseInterval(v string) (cron.Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q (use a Go duration like '6h' or '90m')", v)
	}
	if d < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s")
	}
	return cron.Every(d), nil
}
