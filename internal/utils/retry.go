// Package utils holds small helpers shared across the bridge.
package utils

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
)

// WithRetry runs the given function with retry logic.
// Retries up to 3 times with delays: 1s, 3s, and 5s.
func WithRetry(ctx context.Context, fn func() error) error {
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}
	var err error
	for _, delay := range delays {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}

// Transient bus conditions: the daemon we talk to is restarting or the
// broker is overloaded. Anything else fails fast.
var retriableDBusErrors = map[string]struct{}{
	"org.freedesktop.DBus.Error.NoReply":        {},
	"org.freedesktop.DBus.Error.Timeout":        {},
	"org.freedesktop.DBus.Error.ServiceUnknown": {},
	"org.freedesktop.DBus.Error.LimitsExceeded": {},
	"org.freedesktop.DBus.Error.Disconnected":   {},
}

func isRetriable(err error) bool {
	if err == nil {
		return false
	}

	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		_, ok := retriableDBusErrors[dbusErr.Name]
		return ok
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if os.IsTimeout(err) {
		return true
	}

	return false
}
