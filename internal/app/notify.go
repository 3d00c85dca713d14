package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "ticklane/pkg/logx"
)

// notifier reports lifecycle state to systemd. Outside a unit with
// NOTIFY_SOCKET set every call is a no-op.
type notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{log: log, send: func(state string) (bool, error) { return daemon.SdNotify(false, state) }}
}

func (n *notifier) notify(state string) {
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}

func (n *notifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n *notifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// watchdogInterval returns half the unit's WatchdogSec, or 0 when the
// watchdog is off.
func watchdogInterval(log logx.Logger) time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// watchdog pings systemd while healthy returns nil. A failed health check
// skips the ping so systemd restarts the unit.
func (n *notifier) watchdog(ctx context.Context, every time.Duration, healthy func() error) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := healthy(); err != nil {
				n.log.Warn("unhealthy; withholding watchdog ping", logx.Err(err))
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
