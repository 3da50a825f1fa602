package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "retryq/pkg/logx"
)

// notifySystemd reports state to the service manager when retryq runs as a
// Type=notify unit. Outside systemd (no NOTIFY_SOCKET) it does nothing.
func (a *App) notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}
