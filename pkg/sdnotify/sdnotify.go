// Package sdnotify talks to the systemd service manager over the
// sd_notify(3) protocol. Every call is a no-op when NOTIFY_SOCKET is
// unset, so callers never need to guard for non-systemd runs.
package sdnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports startup completion (Type=notify units stay "activating"
// until this fires). Returns false when not running under systemd.
func Ready() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady)
	return ok
}

// Stopping tells the manager shutdown has begun.
func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status publishes the one-line state shown by systemctl status.
func Status(msg string) {
	_, _ = daemon.SdNotify(false, "STATUS="+msg)
}

// Watchdog feeds the unit watchdog until ctx is canceled. It returns nil
// immediately when WatchdogSec is not configured, so it is safe to spawn
// unconditionally.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("read watchdog config: %w", err)
	}
	if interval <= 0 {
		return nil
	}

	// Beat at half the interval so a single delayed notify doesn't trip it.
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
