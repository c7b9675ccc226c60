// internal/integrity/integrity.go
package integrity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/proth1/kmflow-agent/internal/protocol"
)

// reportTimeout bounds the one-shot tamper report. No retry: a failed
// report must never delay or block startup.
const reportTimeout = 5 * time.Second

// Manifest lists the expected digest of every installed asset. It is
// generated at build time and shipped alongside a detached signature.
type Manifest struct {
	Version     string            `json:"version"`
	GeneratedAt time.Time         `json:"generated_at"`
	Assets      map[string]string `json:"assets"` // relative path -> blake3 hex
}

// Mismatch is one asset whose on-disk digest differs from the manifest,
// including missing files.
type Mismatch struct {
	Path string
	Want string
	Got  string // empty when the file is missing
}

func (m Mismatch) String() string {
	if m.Got == "" {
		return fmt.Sprintf("%s: missing", m.Path)
	}
	return fmt.Sprintf("%s: digest mismatch", m.Path)
}

// ErrBadSignature means the manifest signature did not verify: the
// manifest itself cannot be trusted and no per-asset check is meaningful.
var ErrBadSignature = errors.New("manifest signature verification failed")

// FileDigest returns the blake3 digest of a file as lowercase hex.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LoadManifest reads and verifies a signed manifest. The signature file
// holds the raw ed25519 signature over the exact manifest bytes; the key
// file holds the hex-encoded public key.
func LoadManifest(manifestPath, sigPath, keyPath string) (*Manifest, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest signature: %w", err)
	}
	keyHex, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, errors.New("manifest key is not a hex ed25519 public key")
	}

	if !ed25519.Verify(ed25519.PublicKey(key), raw, sig) {
		return nil, ErrBadSignature
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Assets) == 0 {
		return nil, errors.New("manifest lists no assets")
	}
	return &m, nil
}

// Verify digests every asset under baseDir and returns the mismatches,
// sorted by path. An empty slice means the installation is intact.
func (m *Manifest) Verify(baseDir string) ([]Mismatch, error) {
	var bad []Mismatch
	for rel, want := range m.Assets {
		got, err := FileDigest(filepath.Join(baseDir, filepath.FromSlash(rel)))
		if err != nil {
			if os.IsNotExist(err) {
				bad = append(bad, Mismatch{Path: rel, Want: want})
				continue
			}
			return nil, fmt.Errorf("digest %s: %w", rel, err)
		}
		if got != want {
			bad = append(bad, Mismatch{Path: rel, Want: want, Got: got})
		}
	}
	sort.Slice(bad, func(i, j int) bool { return bad[i].Path < bad[j].Path })
	return bad, nil
}

// Generate builds a manifest for the given asset paths (relative to
// baseDir) and signs it, writing manifest and signature files. Used by
// packaging and by tests.
func Generate(baseDir string, assets []string, version string, key ed25519.PrivateKey, manifestPath, sigPath string) (*Manifest, error) {
	m := &Manifest{
		Version:     version,
		GeneratedAt: time.Now().UTC(),
		Assets:      make(map[string]string, len(assets)),
	}
	for _, rel := range assets {
		d, err := FileDigest(filepath.Join(baseDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		m.Assets[rel] = d
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(sigPath, ed25519.Sign(key, raw), 0o644); err != nil {
		return nil, err
	}
	return m, nil
}

// Verifier checks installation integrity at startup and optionally on a
// periodic interval, reporting mismatches to the backend.
type Verifier struct {
	ManifestPath string
	SigPath      string
	KeyPath      string
	BaseDir      string
	BackendURL   string
	Token        string
	AgentID      func() string
	Hostname     string

	client *http.Client
}

// NewVerifier creates a verifier. agentID is resolved at report time
// because registration may not have happened yet at startup.
func NewVerifier(manifestPath, sigPath, keyPath, baseDir, backendURL, token, hostname string, agentID func() string) *Verifier {
	return &Verifier{
		ManifestPath: manifestPath,
		SigPath:      sigPath,
		KeyPath:      keyPath,
		BaseDir:      baseDir,
		BackendURL:   strings.TrimSuffix(backendURL, "/"),
		Token:        token,
		AgentID:      agentID,
		Hostname:     hostname,
		client:       &http.Client{Timeout: reportTimeout},
	}
}

// Check runs one full verification pass. Mismatches are reported
// best-effort and returned; a bad signature is reported as a single
// manifest-level mismatch. Verification problems never stop the agent:
// policy on what to do with the result belongs to the caller.
func (v *Verifier) Check(ctx context.Context) ([]Mismatch, error) {
	m, err := LoadManifest(v.ManifestPath, v.SigPath, v.KeyPath)
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			bad := []Mismatch{{Path: filepath.Base(v.ManifestPath), Want: "valid signature"}}
			v.report(ctx, bad)
			return bad, nil
		}
		return nil, err
	}

	bad, err := m.Verify(v.BaseDir)
	if err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		log.Printf("Integrity check failed: %d asset(s) modified", len(bad))
		v.report(ctx, bad)
	}
	return bad, nil
}

// Run re-verifies on the given interval until the context is cancelled.
// Zero interval disables periodic checks.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Check(ctx); err != nil {
				log.Printf("Integrity re-verify error: %v", err)
			}
		}
	}
}

// report posts one tamper report per mismatch. Single attempt each, no
// retry.
func (v *Verifier) report(ctx context.Context, bad []Mismatch) {
	agentID := ""
	if v.AgentID != nil {
		agentID = v.AgentID()
	}
	now := time.Now().UTC()

	for _, mm := range bad {
		rep := protocol.TamperReport{
			AgentID:    agentID,
			Hostname:   v.Hostname,
			AssetPath:  mm.Path,
			WantDigest: mm.Want,
			GotDigest:  mm.Got,
			ObservedAt: now,
		}
		body, err := json.Marshal(rep)
		if err != nil {
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, reportTimeout)
		req, err := http.NewRequestWithContext(rctx, http.MethodPost, v.BackendURL+"/v1/tamper", bytes.NewReader(body))
		if err != nil {
			cancel()
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+v.Token)

		resp, err := v.client.Do(req)
		cancel()
		if err != nil {
			log.Printf("Tamper report for %s failed: %v", mm.Path, err)
			continue
		}
		resp.Body.Close()
	}
}
