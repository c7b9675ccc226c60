// internal/lifecycle/lifecycle.go
package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proth1/kmflow-agent/internal/protocol"
)

// State is the agent's lifecycle state, driven by heartbeat responses.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateRevoked      State = "revoked"
	StateUninstalled  State = "uninstalled"
	StateRejected     State = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateUninstalled
}

// CaptureAllowed reports whether new event records may be accepted.
func (s State) CaptureAllowed() bool {
	return s == StateActive
}

// legal enumerates the permitted transitions. Revoke is reachable from any
// non-terminal state and is handled separately in Transition.
var legal = map[State][]State{
	StateUnregistered: {StateRegistered},
	StateRegistered:   {StateActive, StateRejected},
	StateActive:       {StatePaused},
	StatePaused:       {StateActive},
	StateRevoked:      {StateUninstalled},
}

// Snapshot is the process-wide agent state. It is immutable once published;
// readers always see a consistent whole, never a torn mix of fields.
type Snapshot struct {
	State           State                 `json:"state"`
	AgentID         string                `json:"agent_id"`
	ConfigVersion   string                `json:"config_version"`
	Remote          protocol.RemoteConfig `json:"remote_config"`
	LastHeartbeatAt time.Time             `json:"last_heartbeat_at"`
}

// Store owns the snapshot: transitions go through a mutex and persist to
// disk before publishing, while gating reads are a lock-free pointer load.
type Store struct {
	mu   sync.Mutex
	path string
	cur  atomic.Pointer[Snapshot]
}

// OpenStore loads the persisted state, or starts fresh at UNREGISTERED if
// the file is missing or corrupt.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}

	snap := Snapshot{State: StateUnregistered}
	data, err := os.ReadFile(path)
	if err == nil {
		var loaded Snapshot
		if json.Unmarshal(data, &loaded) == nil && loaded.State != "" {
			snap = loaded
		}
		// Corrupt file: fresh start
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	s.cur.Store(&snap)
	return s, nil
}

// Current returns the latest published snapshot.
func (s *Store) Current() Snapshot {
	return *s.cur.Load()
}

// Transition moves to the target state, persisting before publishing.
// Transitioning to the current state is a no-op. Revoke is accepted from
// any non-terminal state.
func (s *Store) Transition(to State) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.cur.Load()
	if cur.State == to {
		return cur, nil
	}
	if cur.State.Terminal() {
		return cur, fmt.Errorf("no transition out of terminal state %s", cur.State)
	}
	if to != StateRevoked && !allowed(cur.State, to) {
		return cur, fmt.Errorf("illegal transition %s -> %s", cur.State, to)
	}

	next := cur
	next.State = to
	if err := s.persistLocked(next); err != nil {
		return cur, err
	}
	s.cur.Store(&next)
	return next, nil
}

func allowed(from, to State) bool {
	for _, t := range legal[from] {
		if t == to {
			return true
		}
	}
	return false
}

// SetRegistered records the assigned agent ID and moves to REGISTERED.
// The ID is assigned once at registration and never regenerated.
func (s *Store) SetRegistered(agentID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.cur.Load()
	if cur.State != StateUnregistered {
		return cur, fmt.Errorf("register from %s", cur.State)
	}

	next := cur
	next.State = StateRegistered
	next.AgentID = agentID
	if err := s.persistLocked(next); err != nil {
		return cur, err
	}
	s.cur.Store(&next)
	return next, nil
}

// SetRemoteConfig stores a pulled remote config, settings and version in
// one write. Persisting them together means a restarted agent runs the
// same config version it reports on its heartbeats.
func (s *Store) SetRemoteConfig(rc protocol.RemoteConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	next.ConfigVersion = rc.ConfigVersion
	next.Remote = rc
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.cur.Store(&next)
	return nil
}

// TouchHeartbeat records a successful heartbeat exchange.
func (s *Store) TouchHeartbeat(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	next.LastHeartbeatAt = at
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.cur.Store(&next)
	return nil
}

// persistLocked writes the snapshot atomically via temp file and rename.
func (s *Store) persistLocked(snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Erase deletes the persisted state file. Called during revoke wipe; the
// in-memory snapshot stays at REVOKED so gating keeps blocking.
func (s *Store) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
