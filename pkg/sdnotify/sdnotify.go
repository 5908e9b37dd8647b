// Package sdnotify reports daemon lifecycle to systemd when herald runs
// as a Type=notify unit. Outside systemd every call is a silent no-op.
package sdnotify

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func Status(msg string) {
	_, _ = daemon.SdNotify(false, "STATUS="+msg)
}

// WatchdogInterval returns half the unit's WatchdogSec (the recommended
// ping cadence), or 0 when no watchdog is configured.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

func Watchdog() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}

// Statusf is Status with formatting.
func Statusf(format string, args ...any) {
	Status(fmt.Sprintf(format, args...))
}
