// internal/intelligence/service_test.go
package intelligence

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/proth1/kmflow-agent/internal/channel"
	"github.com/proth1/kmflow-agent/internal/config"
	"github.com/proth1/kmflow-agent/internal/integrity"
	"github.com/proth1/kmflow-agent/internal/lifecycle"
	"github.com/proth1/kmflow-agent/internal/protocol"
)

// fakeBackend implements just enough of the backend API for the service
// to register, heartbeat, and upload.
type fakeBackend struct {
	mu       sync.Mutex
	desired  string
	remote   protocol.RemoteConfig
	payloads []protocol.UploadPayload
	statuses []*protocol.CaptureStatus
	tampers  []protocol.TamperReport
	srv      *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{desired: protocol.DesiredActive}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/agents/register":
			json.NewEncoder(w).Encode(protocol.RegisterResponse{AgentID: "agent-7", Accepted: true})

		case "/v1/heartbeat":
			var req protocol.HeartbeatRequest
			json.NewDecoder(r.Body).Decode(&req)
			fb.mu.Lock()
			fb.statuses = append(fb.statuses, req.CaptureStatus)
			desired := fb.desired
			version := fb.remote.ConfigVersion
			fb.mu.Unlock()
			json.NewEncoder(w).Encode(protocol.HeartbeatResponse{
				DesiredState:  desired,
				ConfigVersion: version,
			})

		case "/v1/config/agent-7":
			fb.mu.Lock()
			remote := fb.remote
			fb.mu.Unlock()
			json.NewEncoder(w).Encode(remote)

		case "/v1/events":
			compressed, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("read upload body: %v", err)
				return
			}
			dec, err := zstd.NewReader(nil)
			if err != nil {
				t.Errorf("zstd reader: %v", err)
				return
			}
			body, err := dec.DecodeAll(compressed, nil)
			dec.Close()
			if err != nil {
				t.Errorf("decompress upload: %v", err)
				return
			}
			var p protocol.UploadPayload
			if err := json.Unmarshal(body, &p); err != nil {
				t.Errorf("unmarshal upload: %v", err)
				return
			}
			fb.mu.Lock()
			fb.payloads = append(fb.payloads, p)
			fb.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)

		case "/v1/tamper":
			var rep protocol.TamperReport
			json.NewDecoder(r.Body).Decode(&rep)
			fb.mu.Lock()
			fb.tampers = append(fb.tampers, rep)
			fb.mu.Unlock()
			w.WriteHeader(http.StatusOK)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) setDesired(s string) {
	fb.mu.Lock()
	fb.desired = s
	fb.mu.Unlock()
}

func (fb *fakeBackend) setRemote(rc protocol.RemoteConfig) {
	fb.mu.Lock()
	fb.remote = rc
	fb.mu.Unlock()
}

func (fb *fakeBackend) uploadCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.payloads)
}

func testConfig(t *testing.T, backendURL string) *config.IntelligenceConfig {
	t.Helper()
	return &config.IntelligenceConfig{
		BackendURL:        backendURL,
		DataDir:           t.TempDir(),
		Hostname:          "test-host",
		HeartbeatInterval: 30 * time.Millisecond,
		BufferCapBytes:    1 << 20,
		BatchMaxRecords:   2,
		BatchMaxAge:       10 * time.Millisecond,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        40 * time.Millisecond,
		RetryWindow:       time.Minute,
		UploadPoll:        10 * time.Millisecond,
		ScrubPasses:       2,
		EnrollmentToken:   "enroll-1",
	}
}

func startService(t *testing.T, cfg *config.IntelligenceConfig) (*Service, context.CancelFunc, chan error) {
	t.Helper()
	s, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- s.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("service did not shut down")
		}
	})
	return s, cancel, done
}

func dialChannel(t *testing.T, dataDir string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err := channel.Dial(dataDir)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial channel: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipelineScrubsAndUploads(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := testConfig(t, fb.srv.URL)
	s, _, _ := startService(t, cfg)

	conn := dialChannel(t, cfg.DataDir)
	defer conn.Close()
	enc := json.NewEncoder(conn)

	waitFor(t, "active state", func() bool {
		return s.store.Current().State == lifecycle.StateActive
	})

	ev := protocol.EventRecord{
		CaptureID: "cap-1",
		EventType: protocol.EventWindowTitle,
		Timestamp: protocol.Timestamp{Wall: time.Now()},
		StringFields: map[string]string{
			"window_title": "Re: jane.doe@example.com quarterly review",
			"app_name":     "Mail",
		},
		NumericFields: map[string]int64{"keystrokes": 42},
	}
	if err := enc.Encode(protocol.ChannelMessage{Kind: protocol.KindEvent, Event: &ev}); err != nil {
		t.Fatalf("send event: %v", err)
	}
	st := protocol.CaptureStatus{Mode: protocol.ModeCapturing, Emitted: 1}
	if err := enc.Encode(protocol.ChannelMessage{Kind: protocol.KindStatus, Status: &st}); err != nil {
		t.Fatalf("send status: %v", err)
	}

	waitFor(t, "upload", func() bool { return fb.uploadCount() > 0 })

	fb.mu.Lock()
	payload := fb.payloads[0]
	fb.mu.Unlock()

	if payload.AgentID != "agent-7" {
		t.Errorf("payload agent = %q, want agent-7", payload.AgentID)
	}
	if len(payload.Records) != 1 {
		t.Fatalf("payload has %d records, want 1", len(payload.Records))
	}
	rec := payload.Records[0]
	title := rec.StringFields["window_title"]
	if strings.Contains(title, "jane.doe@example.com") {
		t.Errorf("email survived scrubbing: %q", title)
	}
	if !strings.Contains(title, "[REDACTED]") {
		t.Errorf("no redaction token in %q", title)
	}
	if !rec.ScrubApplied {
		t.Error("ScrubApplied = false, want true")
	}
	if rec.NumericFields["keystrokes"] != 42 {
		t.Errorf("numeric field altered: %v", rec.NumericFields)
	}

	// Capture status piggybacks on a subsequent heartbeat
	waitFor(t, "status on heartbeat", func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		for _, st := range fb.statuses {
			if st != nil && st.Mode == protocol.ModeCapturing {
				return true
			}
		}
		return false
	})
}

func TestPausedDropsEvents(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setDesired(protocol.DesiredPaused)
	cfg := testConfig(t, fb.srv.URL)
	s, _, _ := startService(t, cfg)

	waitFor(t, "paused state", func() bool {
		return s.store.Current().State == lifecycle.StatePaused
	})

	conn := dialChannel(t, cfg.DataDir)
	defer conn.Close()
	enc := json.NewEncoder(conn)

	ev := protocol.EventRecord{
		CaptureID:    "cap-1",
		EventType:    protocol.EventAppSwitch,
		Timestamp:    protocol.Timestamp{Wall: time.Now()},
		StringFields: map[string]string{"app_name": "Excel"},
	}
	for i := 0; i < 3; i++ {
		if err := enc.Encode(protocol.ChannelMessage{Kind: protocol.KindEvent, Event: &ev}); err != nil {
			t.Fatalf("send event: %v", err)
		}
	}

	// Give the reader time to drain, then confirm nothing was buffered
	time.Sleep(100 * time.Millisecond)
	if n, err := s.buf.Len(); err != nil || n != 0 {
		t.Errorf("buffer holds %d records (err %v), want 0 while paused", n, err)
	}
	if fb.uploadCount() != 0 {
		t.Errorf("uploads while paused = %d, want 0", fb.uploadCount())
	}
}

func TestPulledConfigSurvivesRestart(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setRemote(protocol.RemoteConfig{
		ConfigVersion:        "cfg-2",
		HeartbeatIntervalSec: 1,
		BatchMaxRecords:      7,
		BatchMaxAgeSec:       2,
		ScrubPasses:          3,
	})
	cfg := testConfig(t, fb.srv.URL)
	s, cancel, done := startService(t, cfg)

	waitFor(t, "config pull", func() bool {
		snap := s.store.Current()
		return snap.ConfigVersion == "cfg-2" && snap.Remote.ScrubPasses == 3
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	// A restarted service runs the pulled settings, not the local defaults
	cfg2 := testConfig(t, fb.srv.URL)
	cfg2.DataDir = cfg.DataDir
	s2, err := NewService(cfg2)
	if err != nil {
		t.Fatalf("NewService after restart error: %v", err)
	}
	defer s2.buf.Close()

	if cfg2.ScrubPasses != 3 {
		t.Errorf("ScrubPasses = %d, want 3", cfg2.ScrubPasses)
	}
	if cfg2.BatchMaxRecords != 7 {
		t.Errorf("BatchMaxRecords = %d, want 7", cfg2.BatchMaxRecords)
	}
	if cfg2.BatchMaxAge != 2*time.Second {
		t.Errorf("BatchMaxAge = %v, want 2s", cfg2.BatchMaxAge)
	}
	if cfg2.HeartbeatInterval != time.Second {
		t.Errorf("HeartbeatInterval = %v, want 1s", cfg2.HeartbeatInterval)
	}
	if got := s2.scrubber.Load().Passes(); got != 3 {
		t.Errorf("scrubber passes = %d, want 3", got)
	}
	if got := s2.store.Current().ConfigVersion; got != "cfg-2" {
		t.Errorf("config version = %q, want cfg-2", got)
	}
}

func TestIntegrityMismatchRefusesStartup(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := testConfig(t, fb.srv.URL)

	// Build a signed install, then tamper with an asset
	installDir := t.TempDir()
	asset := filepath.Join(installDir, "agent.bin")
	if err := os.WriteFile(asset, []byte("binary contents"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg.ManifestPath = filepath.Join(installDir, "manifest.json")
	cfg.ManifestSigPath = filepath.Join(installDir, "manifest.sig")
	cfg.ManifestKeyPath = filepath.Join(installDir, "manifest.pub")
	if err := os.WriteFile(cfg.ManifestKeyPath, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		t.Fatalf("write pubkey: %v", err)
	}
	if _, err := integrity.Generate(installDir, []string{"agent.bin"}, "1.0.0", priv,
		cfg.ManifestPath, cfg.ManifestSigPath); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := os.WriteFile(asset, []byte("patched"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	s, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run with tampered install succeeded, want error")
	}

	// The one-shot tamper report went out before startup was refused
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.tampers) != 1 {
		t.Fatalf("tamper reports = %d, want 1", len(fb.tampers))
	}
	if fb.tampers[0].AssetPath != "agent.bin" {
		t.Errorf("reported asset = %q, want agent.bin", fb.tampers[0].AssetPath)
	}

	// The channel endpoint never opened
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "channel.sock")); !os.IsNotExist(err) {
		t.Errorf("channel socket exists despite refused startup (err %v)", err)
	}
}

func TestRevokeWipesLocalData(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := testConfig(t, fb.srv.URL)
	s, _, done := startService(t, cfg)

	conn := dialChannel(t, cfg.DataDir)
	defer conn.Close()
	enc := json.NewEncoder(conn)

	waitFor(t, "active state", func() bool {
		return s.store.Current().State == lifecycle.StateActive
	})
	ev := protocol.EventRecord{
		CaptureID:    "cap-1",
		EventType:    protocol.EventAppSwitch,
		Timestamp:    protocol.Timestamp{Wall: time.Now()},
		StringFields: map[string]string{"app_name": "Excel"},
	}
	if err := enc.Encode(protocol.ChannelMessage{Kind: protocol.KindEvent, Event: &ev}); err != nil {
		t.Fatalf("send event: %v", err)
	}

	fb.setDesired(protocol.DesiredRevoked)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after revoke = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after revoke")
	}

	for _, name := range []string{"buffer.db", ".buffer_key", "agent_state.json", "channel.sock"} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still present after wipe (err %v)", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, uninstallSentinel)); err != nil {
		t.Errorf("uninstall sentinel missing: %v", err)
	}
}
