// Package systemd sends service-manager notifications (sd_notify).
//
// Every call is a no-op when the process was not started by systemd with
// Type=notify (NOTIFY_SOCKET unset).
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready reports READY=1. sent is false when no notify socket exists.
func Ready() (sent bool, err error) {
	return send(daemon.SdNotifyReady)
}

// Stopping reports STOPPING=1.
func Stopping() (sent bool, err error) {
	return send(daemon.SdNotifyStopping)
}

// Status reports a free-form STATUS= line.
func Status(msg string) (sent bool, err error) {
	return send("STATUS=" + msg)
}

func send(state string) (bool, error) {
	sent, err := notify(false, state)
	if err != nil {
		return false, errors.Wrapf(err, "sd_notify %s", state)
	}
	return sent, nil
}
