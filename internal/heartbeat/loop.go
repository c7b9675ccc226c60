// internal/heartbeat/loop.go
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/proth1/kmflow-agent/internal/config"
	"github.com/proth1/kmflow-agent/internal/lifecycle"
	"github.com/proth1/kmflow-agent/internal/protocol"
)

// ErrRevoked is returned by Run after a server-issued revoke has been
// applied locally. ErrRejected is returned when registration is refused.
var (
	ErrRevoked  = errors.New("agent revoked by server")
	ErrRejected = errors.New("registration rejected by server")
)

const minRetryInterval = 15 * time.Second

// Loop drives the lifecycle state machine from heartbeat responses. It
// runs on its own goroutine with its own timer: a hung upload can never
// delay the revoke-detection path.
type Loop struct {
	client   *Client
	store    *lifecycle.Store
	cfg      *config.IntelligenceConfig
	interval time.Duration

	// Status returns the latest capture status to piggyback on the
	// heartbeat; nil when none was received yet.
	Status func() *protocol.CaptureStatus
	// OnRevoke performs the local wipe. Called exactly once, after the
	// REVOKED transition has committed.
	OnRevoke func()
	// OnConfig applies a freshly pulled remote config.
	OnConfig func(protocol.RemoteConfig)
}

// NewLoop creates a heartbeat loop.
func NewLoop(client *Client, store *lifecycle.Store, cfg *config.IntelligenceConfig) *Loop {
	return &Loop{
		client:   client,
		store:    store,
		cfg:      cfg,
		interval: cfg.HeartbeatInterval,
	}
}

// Run registers if needed, then heartbeats on the configured interval until
// the context is cancelled or a terminal transition occurs. A failed
// heartbeat is retried at a shorter interval so the revoke bound holds
// through transient network errors.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.ensureRegistered(ctx); err != nil {
		return err
	}

	snap := l.store.Current()
	if snap.State == lifecycle.StateRegistered {
		if _, err := l.store.Transition(lifecycle.StateActive); err != nil {
			return err
		}
		log.Printf("Heartbeat: agent %s active", snap.AgentID)
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	retryDelay := l.interval / 5
	if retryDelay < minRetryInterval {
		retryDelay = minRetryInterval
	}
	if retryDelay > l.interval {
		retryDelay = l.interval
	}

	// Beat immediately on start, then on the interval
	retry := l.afterBeat(ctx, retryDelay)
	if revoked(l.store.Current().State) {
		return ErrRevoked
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("Heartbeat shutting down")
			return nil

		case <-ticker.C:
			retry = l.afterBeat(ctx, retryDelay)

		case <-retry:
			retry = l.afterBeat(ctx, retryDelay)
		}

		if revoked(l.store.Current().State) {
			return ErrRevoked
		}
	}
}

// revoked treats UNINSTALLED as revoked too: the wipe callback may have
// already advanced the state before Run observes it.
func revoked(s lifecycle.State) bool {
	return s == lifecycle.StateRevoked || s == lifecycle.StateUninstalled
}

// afterBeat runs one heartbeat and returns the retry timer channel to arm
// (nil on success). Terminal outcomes are surfaced through store state.
func (l *Loop) afterBeat(ctx context.Context, retryDelay time.Duration) <-chan time.Time {
	if err := l.beat(ctx); err != nil {
		if !isTerminal(err) {
			log.Printf("Heartbeat error: %v (retrying in %s)", err, retryDelay)
			return time.After(retryDelay)
		}
	}
	return nil
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrRevoked) || errors.Is(err, ErrRejected)
}

func platformName() string {
	return runtime.GOOS
}

func (l *Loop) ensureRegistered(ctx context.Context) error {
	snap := l.store.Current()
	if snap.State != lifecycle.StateUnregistered {
		return nil
	}
	if l.cfg.EnrollmentToken == "" {
		return errors.New("agent unregistered and no enrollment token configured")
	}

	req := protocol.RegisterRequest{
		EnrollmentToken: l.cfg.EnrollmentToken,
		Hostname:        l.cfg.Hostname,
		Platform:        platformName(),
	}

	// Registration retries on transport errors; a rejection is final.
	delay := minRetryInterval
	for {
		var resp protocol.RegisterResponse
		err := l.client.post(ctx, "/v1/agents/register", req, &resp)
		if err == nil && resp.AgentID == "" {
			err = errors.New("register response missing agent id")
		}
		if err == nil {
			if _, err := l.store.SetRegistered(resp.AgentID); err != nil {
				return err
			}
			if !resp.Accepted {
				if _, err := l.store.Transition(lifecycle.StateRejected); err != nil {
					log.Printf("Rejection transition error: %v", err)
				}
				log.Printf("Registration rejected for agent %s", resp.AgentID)
				return ErrRejected
			}
			log.Printf("Registered as agent %s", resp.AgentID)
			return nil
		}

		log.Printf("Registration error: %v (retrying in %s)", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > l.interval {
			delay = l.interval
		}
	}
}

// beat sends one heartbeat and applies the response. Malformed or unknown
// server input never forces a transition: the previous state is preserved
// and the exchange is treated as a transport failure.
func (l *Loop) beat(ctx context.Context) error {
	snap := l.store.Current()

	req := protocol.HeartbeatRequest{
		AgentID:       snap.AgentID,
		ConfigVersion: snap.ConfigVersion,
	}
	if l.Status != nil {
		req.CaptureStatus = l.Status()
	}

	var resp protocol.HeartbeatResponse
	if err := l.client.post(ctx, "/v1/heartbeat", req, &resp); err != nil {
		return err
	}

	if err := l.apply(resp); err != nil {
		return err
	}
	return l.store.TouchHeartbeat(time.Now().UTC())
}

func (l *Loop) apply(resp protocol.HeartbeatResponse) error {
	snap := l.store.Current()

	switch resp.DesiredState {
	case protocol.DesiredActive:
		if snap.State == lifecycle.StatePaused {
			if _, err := l.store.Transition(lifecycle.StateActive); err != nil {
				return err
			}
			log.Println("Heartbeat: capture resumed")
		}
	case protocol.DesiredPaused:
		if snap.State == lifecycle.StateActive {
			if _, err := l.store.Transition(lifecycle.StatePaused); err != nil {
				return err
			}
			log.Println("Heartbeat: capture paused")
		}
	case protocol.DesiredRevoked:
		if _, err := l.store.Transition(lifecycle.StateRevoked); err != nil {
			return err
		}
		log.Println("Heartbeat: agent revoked, wiping local data")
		if l.OnRevoke != nil {
			l.OnRevoke()
		}
		return ErrRevoked
	default:
		// Protocol error: ambiguous server input never changes state
		return fmt.Errorf("unknown desired state %q", resp.DesiredState)
	}

	if resp.ConfigVersion != "" && resp.ConfigVersion != snap.ConfigVersion {
		l.pullConfig(resp.ConfigVersion)
	}
	return nil
}

// pullConfig fetches the new remote config. A failed pull keeps the old
// version so the next heartbeat triggers another attempt.
func (l *Loop) pullConfig(version string) {
	snap := l.store.Current()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var remote protocol.RemoteConfig
	if err := l.client.get(ctx, "/v1/config/"+snap.AgentID, &remote); err != nil {
		log.Printf("Config pull error: %v", err)
		return
	}

	if err := l.store.SetRemoteConfig(remote); err != nil {
		log.Printf("Config persist error: %v", err)
		return
	}
	log.Printf("Config updated: version %s -> %s", snap.ConfigVersion, remote.ConfigVersion)
	if l.OnConfig != nil {
		l.OnConfig(remote)
	}
}
