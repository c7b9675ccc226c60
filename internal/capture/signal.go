// internal/capture/signal.go
package capture

import (
	"context"
	"errors"
	"time"
)

// SignalKind is the raw observation type delivered by the OS layer.
type SignalKind string

const (
	SignalAppSwitch   SignalKind = "app_switch"
	SignalWindowTitle SignalKind = "window_title"
	SignalInput       SignalKind = "input"
)

// RawSignal is one OS-level observation before context classification.
// It never leaves this process: only records built from allowed signals
// reach the channel.
type RawSignal struct {
	Kind            SignalKind
	At              time.Time
	AppID           string // bundle identifier / executable name
	AppName         string
	WindowTitle     string
	SecureInput     bool // active input context is a password/secure field
	PrivateBrowsing bool // OS-reported private/incognito flag
	Keystrokes      int64
	Clicks          int64
	Scrolls         int64
}

// ErrPermissionDenied is returned by an Observer when the OS refuses the
// observation grant. The capture process then runs in no-signal mode and
// does not re-prompt; resumption needs a restart or an explicit re-grant.
var ErrPermissionDenied = errors.New("observation permission denied")

// Observer is the OS observation layer. Observe returns a live stream of
// raw signals; the stream is infinite and non-restartable, so once the
// returned channel closes the observer is done for this process lifetime.
type Observer interface {
	Observe(ctx context.Context) (<-chan RawSignal, error)
}

// stubObserver is the portable fallback used on platforms without an OS
// hook implementation. It reports permission denied, which puts the
// capture process in degraded no-signal mode.
type stubObserver struct{}

func (stubObserver) Observe(ctx context.Context) (<-chan RawSignal, error) {
	return nil, ErrPermissionDenied
}

// NewPlatformObserver returns the observer for the current platform. OS
// hook implementations live in platform-tagged files; without one the
// stub keeps the process alive in no-signal mode.
func NewPlatformObserver() Observer {
	return stubObserver{}
}
