// internal/capture/filter.go
package capture

import (
	"strings"
	"sync"
)

// Verdict is the L1 classification outcome for one raw signal.
type Verdict struct {
	Allow  bool
	Reason string // block reason, empty on allow
}

// Block reasons. These name aggregate counters only; no per-signal audit
// trail of blocked contexts is ever kept.
const (
	ReasonSecureInput     = "secure_input"
	ReasonPasswordManager = "password_manager"
	ReasonPrivateBrowsing = "private_browsing"
)

// Built-in password-manager identifiers. Signals from these applications
// are dropped before a record is ever constructed.
var defaultPasswordManagers = []string{
	"com.1password.1password",
	"com.agilebits.onepassword7",
	"com.bitwarden.desktop",
	"com.lastpass.lastpass",
	"com.dashlane.dashlanephonefinal",
	"org.keepassxc.keepassxc",
	"keeper-password-manager",
}

// Private-browsing window title markers, checked case-insensitively.
var privateBrowsingMarkers = []string{
	"private browsing",
	"incognito",
	"inprivate",
}

// Classifier implements Filter L1: capture-time prevention. Classification
// runs in a fixed order: secure input, then password manager, then private
// browsing. Only allowed signals become event records.
type Classifier struct {
	passwordManagers map[string]struct{}

	mu      sync.Mutex
	blocked map[string]int64
	allowed int64
}

// NewClassifier builds a classifier with the built-in password-manager set
// plus any extra identifiers from config.
func NewClassifier(extraPasswordManagers []string) *Classifier {
	pm := make(map[string]struct{}, len(defaultPasswordManagers)+len(extraPasswordManagers))
	for _, id := range defaultPasswordManagers {
		pm[strings.ToLower(id)] = struct{}{}
	}
	for _, id := range extraPasswordManagers {
		pm[strings.ToLower(id)] = struct{}{}
	}
	return &Classifier{
		passwordManagers: pm,
		blocked:          make(map[string]int64),
	}
}

// Classify returns the verdict for a raw signal and updates the aggregate
// counters.
func (c *Classifier) Classify(sig RawSignal) Verdict {
	if sig.SecureInput {
		return c.block(ReasonSecureInput)
	}
	if _, ok := c.passwordManagers[strings.ToLower(sig.AppID)]; ok {
		return c.block(ReasonPasswordManager)
	}
	if sig.PrivateBrowsing || hasPrivateMarker(sig.WindowTitle) {
		return c.block(ReasonPrivateBrowsing)
	}

	c.mu.Lock()
	c.allowed++
	c.mu.Unlock()
	return Verdict{Allow: true}
}

func (c *Classifier) block(reason string) Verdict {
	c.mu.Lock()
	c.blocked[reason]++
	c.mu.Unlock()
	return Verdict{Reason: reason}
}

func hasPrivateMarker(title string) bool {
	lower := strings.ToLower(title)
	for _, m := range privateBrowsingMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Counters returns the allowed count and a copy of the per-reason blocked
// counters.
func (c *Classifier) Counters() (allowed int64, blocked map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.blocked))
	for k, v := range c.blocked {
		out[k] = v
	}
	return c.allowed, out
}
