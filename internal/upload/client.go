// internal/upload/client.go
package upload

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/proth1/kmflow-agent/internal/protocol"
)

// Client uploads compressed batch payloads to the backend ingest endpoint.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	enc     *zstd.Encoder
}

// NewClient creates an upload client. The zstd encoder is reused across
// batches.
func NewClient(baseURL, token string, tlsSkipVerify bool) (*Client, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{}
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		enc: enc,
	}, nil
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Upload compresses and posts one batch. Any non-2xx response is an error;
// the caller owns retry policy.
func (c *Client) Upload(ctx context.Context, payload protocol.UploadPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	compressed := c.enc.EncodeAll(body, nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/events", bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "zstd")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
