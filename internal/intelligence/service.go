// internal/intelligence/service.go

// Package intelligence hosts the network-facing half of the agent: it
// accepts events from the capture process over the local channel, scrubs
// them, buffers them durably, and runs the heartbeat and upload loops
// against the backend.
package intelligence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proth1/kmflow-agent/internal/buffer"
	"github.com/proth1/kmflow-agent/internal/channel"
	"github.com/proth1/kmflow-agent/internal/config"
	"github.com/proth1/kmflow-agent/internal/heartbeat"
	"github.com/proth1/kmflow-agent/internal/integrity"
	"github.com/proth1/kmflow-agent/internal/lifecycle"
	"github.com/proth1/kmflow-agent/internal/protocol"
	"github.com/proth1/kmflow-agent/internal/scrub"
	"github.com/proth1/kmflow-agent/internal/upload"
)

const (
	bufferFileName    = "buffer.db"
	stateFileName     = "agent_state.json"
	tokenFileName     = ".api_token"
	uninstallSentinel = "uninstall.requested"
)

// Service wires the intelligence pipeline together: channel listener,
// scrubber, buffer, heartbeat loop, upload manager, integrity verifier.
type Service struct {
	cfg     *config.IntelligenceConfig
	store   *lifecycle.Store
	buf     *buffer.Buffer
	bufPath string

	// scrubber is swapped whole when remote config changes the pass count
	scrubber atomic.Pointer[scrub.Scrubber]
	// status holds the latest capture self-report for heartbeat piggyback
	status atomic.Pointer[protocol.CaptureStatus]

	hb       *heartbeat.Loop
	mgr      *upload.Manager
	verifier *integrity.Verifier

	ln       net.Listener
	wipeOnce sync.Once
}

// NewService creates the intelligence service from config.
func NewService(cfg *config.IntelligenceConfig) (*Service, error) {
	if cfg.BackendURL == "" {
		return nil, errors.New("backend_url is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	store, err := lifecycle.OpenStore(filepath.Join(cfg.DataDir, stateFileName))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	// The agent must run the config version its heartbeats report, so the
	// last pulled remote config overrides local YAML settings on start
	if rc := store.Current().Remote; rc.ConfigVersion != "" {
		applyRemoteToConfig(cfg, rc)
	}

	key, err := buffer.LoadOrCreateKey(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("buffer key: %w", err)
	}
	bufPath := filepath.Join(cfg.DataDir, bufferFileName)
	buf, err := buffer.Open(bufPath, cfg.BufferCapBytes, key)
	if err != nil {
		return nil, fmt.Errorf("open buffer: %w", err)
	}

	token, err := loadToken(cfg)
	if err != nil {
		buf.Close()
		return nil, fmt.Errorf("api token: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		buf:     buf,
		bufPath: bufPath,
	}
	s.scrubber.Store(scrub.New(cfg.ScrubPasses))

	s.hb = heartbeat.NewLoop(heartbeat.NewClient(cfg.BackendURL, token, cfg.TLSSkipVerify), store, cfg)
	s.hb.Status = func() *protocol.CaptureStatus { return s.status.Load() }
	s.hb.OnRevoke = s.wipe
	s.hb.OnConfig = s.applyConfig

	upClient, err := upload.NewClient(cfg.BackendURL, token, cfg.TLSSkipVerify)
	if err != nil {
		buf.Close()
		return nil, fmt.Errorf("upload client: %w", err)
	}
	s.mgr = upload.NewManager(upClient, buf, store,
		cfg.BatchMaxRecords, cfg.BatchMaxAge,
		cfg.BackoffInitial, cfg.BackoffMax, cfg.RetryWindow)
	s.mgr.SetPollInterval(cfg.UploadPoll)

	if cfg.ManifestPath != "" {
		s.verifier = integrity.NewVerifier(
			cfg.ManifestPath, cfg.ManifestSigPath, cfg.ManifestKeyPath,
			filepath.Dir(cfg.ManifestPath),
			cfg.BackendURL, token, cfg.Hostname,
			func() string { return store.Current().AgentID })
	}
	return s, nil
}

// loadToken resolves the backend API token: the environment value wins and
// is persisted owner-only; otherwise the stored token is reused.
func loadToken(cfg *config.IntelligenceConfig) (string, error) {
	path := filepath.Join(cfg.DataDir, tokenFileName)
	if cfg.APIToken != "" {
		if err := os.WriteFile(path, []byte(cfg.APIToken), 0600); err != nil {
			return "", err
		}
		return cfg.APIToken, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Run verifies installation integrity, opens the local channel, and drives
// the heartbeat and upload loops until the context is cancelled or a
// terminal lifecycle outcome is reached.
func (s *Service) Run(ctx context.Context) error {
	if snap := s.store.Current(); snap.State.Terminal() {
		return fmt.Errorf("agent is %s, refusing to start", snap.State)
	}

	// Integrity check runs before the channel opens so a tampered install
	// never receives capture data. Mismatches are reported, then startup is
	// refused.
	if s.verifier != nil {
		bad, err := s.verifier.Check(ctx)
		if err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
		if len(bad) > 0 {
			for _, m := range bad {
				log.Printf("Integrity: %s", m)
			}
			return fmt.Errorf("integrity check failed: %d asset(s) modified", len(bad))
		}
	}

	ln, err := channel.Listen(s.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("channel listen: %w", err)
	}
	s.ln = ln
	log.Printf("Intelligence listening on local channel in %s", s.cfg.DataDir)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.acceptLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.mgr.Run(runCtx); err != nil {
			log.Printf("Upload manager error: %v", err)
		}
	}()

	if s.verifier != nil && s.cfg.ReverifyInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.verifier.Run(runCtx, s.cfg.ReverifyInterval)
		}()
	}

	err = s.hb.Run(runCtx)

	cancel()
	ln.Close()
	wg.Wait()

	switch {
	case errors.Is(err, heartbeat.ErrRevoked):
		// wipe already ran via OnRevoke
		log.Println("Agent revoked: local data wiped, uninstall requested")
		return nil
	case errors.Is(err, heartbeat.ErrRejected):
		s.buf.Close()
		channel.Cleanup(s.cfg.DataDir)
		return err
	default:
		s.buf.Close()
		channel.Cleanup(s.cfg.DataDir)
		return err
	}
}

// acceptLoop serves capture connections one at a time. A second dialer
// waits until the first disconnects.
func (s *Service) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("Channel accept error: %v", err)
			}
			return
		}
		s.serve(ctx, conn)
	}
}

func (s *Service) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Println("Capture process connected")

	dec := json.NewDecoder(conn)
	for {
		var msg protocol.ChannelMessage
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Printf("Channel read error: %v", err)
			}
			log.Println("Capture process disconnected")
			return
		}

		switch msg.Kind {
		case protocol.KindEvent:
			if msg.Event != nil {
				s.ingest(*msg.Event)
			}
		case protocol.KindStatus:
			if msg.Status != nil {
				st := *msg.Status
				s.status.Store(&st)
			}
		default:
			// Unknown kinds are skipped; the channel stays up
		}
	}
}

// ingest gates on lifecycle state, scrubs, and buffers one event. Events
// arriving while capture is not allowed are dropped, never buffered.
func (s *Service) ingest(event protocol.EventRecord) {
	if !s.store.Current().State.CaptureAllowed() {
		return
	}
	scrubbed, redacted := s.scrubber.Load().Scrub(event)
	if _, err := s.buf.Append(scrubbed, redacted); err != nil {
		log.Printf("Buffer append error: %v", err)
	}
}

// applyRemoteToConfig overlays pulled remote settings onto the local
// config. Runs at startup from the persisted snapshot; zero fields keep
// the local value.
func applyRemoteToConfig(cfg *config.IntelligenceConfig, rc protocol.RemoteConfig) {
	if rc.HeartbeatIntervalSec > 0 {
		cfg.HeartbeatInterval = time.Duration(rc.HeartbeatIntervalSec) * time.Second
	}
	if rc.BatchMaxRecords > 0 {
		cfg.BatchMaxRecords = rc.BatchMaxRecords
	}
	if rc.BatchMaxAgeSec > 0 {
		cfg.BatchMaxAge = time.Duration(rc.BatchMaxAgeSec) * time.Second
	}
	if rc.ScrubPasses > 0 {
		cfg.ScrubPasses = rc.ScrubPasses
	}
	if rc.ReverifyIntervalSec > 0 {
		cfg.ReverifyInterval = time.Duration(rc.ReverifyIntervalSec) * time.Second
	}
}

// applyConfig applies a freshly pulled remote config to the running
// pipeline. The heartbeat loop persisted the full config before calling
// this, so interval settings are picked up by the next start; scrub and
// batch settings change immediately.
func (s *Service) applyConfig(rc protocol.RemoteConfig) {
	if rc.ScrubPasses > 0 {
		s.scrubber.Store(scrub.New(rc.ScrubPasses))
	}
	s.mgr.SetBatchLimits(rc.BatchMaxRecords, time.Duration(rc.BatchMaxAgeSec)*time.Second)
}

// wipe destroys all locally persisted capture data after a revoke: buffer
// contents and key, stored secrets, lifecycle state, and the channel
// endpoint. An uninstall sentinel is left for the packaging layer.
func (s *Service) wipe() {
	s.wipeOnce.Do(func() {
		log.Println("Revoke: wiping local data")

		if err := s.buf.Wipe(); err != nil {
			log.Printf("Buffer wipe error: %v", err)
		}
		if err := s.buf.Destroy(s.bufPath); err != nil {
			log.Printf("Buffer destroy error: %v", err)
		}
		if err := buffer.RemoveKey(s.cfg.DataDir); err != nil {
			log.Printf("Buffer key remove error: %v", err)
		}
		if err := os.Remove(filepath.Join(s.cfg.DataDir, tokenFileName)); err != nil && !os.IsNotExist(err) {
			log.Printf("Token remove error: %v", err)
		}

		if _, err := s.store.Transition(lifecycle.StateUninstalled); err != nil {
			log.Printf("Uninstall transition error: %v", err)
		}
		if err := s.store.Erase(); err != nil {
			log.Printf("State erase error: %v", err)
		}

		stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
		if err := os.WriteFile(filepath.Join(s.cfg.DataDir, uninstallSentinel), []byte(stamp), 0600); err != nil {
			log.Printf("Uninstall sentinel error: %v", err)
		}

		if s.ln != nil {
			s.ln.Close()
		}
		channel.Cleanup(s.cfg.DataDir)
	})
}
