package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/observability"
	"castbot/internal/scheduler"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const statsDigestTimeout = 30 * time.Second

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	pause, err := config.ParseDurationField("broadcast.pause", b.Pause)
	if err != nil {
		return broadcast.Config{}, err
	}
	timeout, err := config.ParseDurationField("broadcast.send_timeout", b.SendTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	// zero fields fall back to the engine defaults
	return broadcast.Config{
		ProgressEvery: b.ProgressEvery,
		PauseEvery:    b.PauseEvery,
		Pause:         pause,
		SendTimeout:   timeout,
		RatePerSec:    b.RatePerSec,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	o := cfg.Observability
	read, err := config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	// pprof profiles stream for up to 30s by default
	write := 15 * time.Second
	if o.Pprof {
		write = 60 * time.Second
	}
	return observability.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapReportConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Spec:     strings.TrimSpace(cfg.Report.StatsCron),
		Timezone: strings.TrimSpace(cfg.Report.Timezone),
		Timeout:  statsDigestTimeout,
	}
}

// logTarget resolves telegram.group_log. Empty means no Telegram log sink.
func logTarget(cfg *config.Config) (kit.ChatTarget, bool, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return kit.ChatTarget{}, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return kit.ChatTarget{}, false, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return kit.ChatTarget{ChatID: id, ThreadID: cfg.Logging.Telegram.ThreadID}, true, nil
}
