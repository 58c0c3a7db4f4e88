package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"castbot/internal/observability"
	"castbot/internal/scheduler"
)

const (
	DefaultStoragePath   = "./base.db"
	DefaultObservability = observability.DefaultAddr
)

// ApplyDefaults fills empty fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Telegram.PollTimeout == "" {
		cfg.Telegram.PollTimeout = "10s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Driver {
		case "sqlite":
			cfg.Storage.Path = DefaultStoragePath
		case "file":
			cfg.Storage.Path = "./data/subscribers.json"
		}
	}
	if cfg.Observability.Enabled && cfg.Observability.Addr == "" {
		cfg.Observability.Addr = DefaultObservability
	}
}

// Validate reports every problem that would prevent the bot from starting.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required (or set %s)", EnvBotToken))
	}
	if cfg.Telegram.AdminID <= 0 {
		errs = append(errs, fmt.Errorf("telegram.admin_id is required (or set %s)", EnvAdminID))
	}
	errs = append(errs, checkDurations(
		"telegram.poll_timeout", cfg.Telegram.PollTimeout,
		"storage.busy_timeout", cfg.Storage.BusyTimeout,
		"broadcast.pause", cfg.Broadcast.Pause,
		"broadcast.send_timeout", cfg.Broadcast.SendTimeout,
	)...)

	switch cfg.Storage.Driver {
	case "sqlite", "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for postgres (or set %s)", EnvDatabaseURL))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	b := cfg.Broadcast
	if b.ProgressEvery < 0 || b.PauseEvery < 0 {
		errs = append(errs, errors.New("broadcast: progress_every and pause_every must be >= 0"))
	}
	if b.RatePerSec < 0 {
		errs = append(errs, errors.New("broadcast.rate_per_sec must be >= 0"))
	}

	if spec := strings.TrimSpace(cfg.Report.StatsCron); spec != "" {
		if _, err := scheduler.ParseSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("report.stats_cron: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("report.timezone: %w", err))
		}
	}

	if o := cfg.Observability; o.Enabled {
		if _, _, err := net.SplitHostPort(o.Addr); err != nil {
			errs = append(errs, fmt.Errorf("observability.addr: %w", err))
		} else if !observability.IsLoopbackAddr(o.Addr) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
			errs = append(errs, fmt.Errorf("observability.addr: %w", observability.ErrInsecureBind))
		}
		errs = append(errs, checkDurations(
			"observability.read_timeout", o.ReadTimeout,
			"observability.idle_timeout", o.IdleTimeout,
		)...)
	}
	return errors.Join(errs...)
}
