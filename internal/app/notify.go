package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "castbot/pkg/logx"
)

// sdNotify wraps daemon.SdNotify so tests can observe lifecycle states.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
type sdNotify func(state string) (bool, error)

func systemdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (a *App) notify(state string) {
	if a.sdNotify == nil {
		return
	}
	sent, err := a.sdNotify(state)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdog pings systemd at half of WatchdogSec while ctx is alive.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			a.notify(daemon.SdNotifyWatchdog)
		}
	}
}
