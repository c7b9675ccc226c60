// internal/upload/manager.go
package upload

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proth1/kmflow-agent/internal/buffer"
	"github.com/proth1/kmflow-agent/internal/lifecycle"
	"github.com/proth1/kmflow-agent/internal/protocol"
)

// BatchState tracks one batch through its upload lifecycle.
type BatchState string

const (
	BatchAssembling BatchState = "assembling"
	BatchClosed     BatchState = "closed"
	BatchUploading  BatchState = "uploading"
	BatchAcked      BatchState = "acked"
	BatchFailed     BatchState = "failed"
)

// batch is owned exclusively by the manager from closure until ack or
// abandonment.
type batch struct {
	id      string
	state   BatchState
	records []buffer.Record
	closed  time.Time
}

// Manager assembles batches from the buffer and drives each to
// acknowledgment. At most one batch is in flight at a time; a failed batch
// retries with bounded exponential backoff inside a total retry window,
// after which its records are left to ordinary buffer eviction; the
// manager itself never discards data.
type Manager struct {
	client *Client
	buf    *buffer.Buffer
	store  *lifecycle.Store

	mu         sync.Mutex
	maxRecords int
	maxAge     time.Duration

	backoffInitial time.Duration
	backoffMax     time.Duration
	retryWindow    time.Duration
	pollInterval   time.Duration
}

// NewManager creates an upload manager.
func NewManager(client *Client, buf *buffer.Buffer, store *lifecycle.Store,
	maxRecords int, maxAge, backoffInitial, backoffMax, retryWindow time.Duration) *Manager {
	return &Manager{
		client:         client,
		buf:            buf,
		store:          store,
		maxRecords:     maxRecords,
		maxAge:         maxAge,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		retryWindow:    retryWindow,
		pollInterval:   5 * time.Second,
	}
}

// SetPollInterval overrides the buffer poll cadence. Must be called
// before Run.
func (m *Manager) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.pollInterval = d
	}
}

// SetBatchLimits applies remote-config batch settings.
func (m *Manager) SetBatchLimits(maxRecords int, maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxRecords > 0 {
		m.maxRecords = maxRecords
	}
	if maxAge > 0 {
		m.maxAge = maxAge
	}
}

func (m *Manager) limits() (int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxRecords, m.maxAge
}

// Run polls the buffer and uploads due batches until the context is
// cancelled or the agent is revoked. After a revoke no new batch is
// assembled; the buffer wipe happens elsewhere regardless of upload
// outcome.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Upload manager shutting down")
			return nil
		case <-ticker.C:
		}

		snap := m.store.Current()
		if snap.State == lifecycle.StateRevoked || snap.State.Terminal() {
			log.Println("Upload manager stopped: agent revoked")
			return nil
		}
		if snap.State != lifecycle.StateActive && snap.State != lifecycle.StatePaused {
			// Not yet registered/approved: nothing to upload
			continue
		}

		maxRecords, maxAge := m.limits()
		records, err := m.buf.PeekBatch(maxRecords, maxAge)
		if err != nil {
			log.Printf("Buffer peek error: %v", err)
			continue
		}
		if len(records) == 0 {
			continue
		}

		b := &batch{
			id:      uuid.NewString(),
			state:   BatchClosed,
			records: records,
			closed:  time.Now(),
		}
		m.drive(ctx, b, snap.AgentID)
	}
}

// drive pushes one closed batch to ACKED, or abandons it when the retry
// window elapses. While this runs, the assembler side keeps accumulating;
// the next batch is only closed after this one settles.
func (m *Manager) drive(ctx context.Context, b *batch, agentID string) {
	payload := protocol.UploadPayload{
		AgentID: agentID,
		BatchID: b.id,
		Records: make([]protocol.UploadRecord, 0, len(b.records)),
	}
	seqs := make([]int64, 0, len(b.records))
	for _, rec := range b.records {
		seqs = append(seqs, rec.Seq)
		payload.Records = append(payload.Records, protocol.UploadRecord{
			SequenceID:    rec.Seq,
			CaptureID:     rec.Event.CaptureID,
			EventType:     rec.Event.EventType,
			Timestamp:     rec.Event.Timestamp,
			StringFields:  rec.Event.StringFields,
			NumericFields: rec.Event.NumericFields,
			ScrubApplied:  rec.ScrubApplied,
		})
	}

	deadline := b.closed.Add(m.retryWindow)
	for attempt := 0; ; attempt++ {
		b.state = BatchUploading
		err := m.client.Upload(ctx, payload)
		if err == nil {
			b.state = BatchAcked
			if err := m.buf.Acknowledge(seqs); err != nil {
				log.Printf("Acknowledge error: %v", err)
			}
			log.Printf("Batch %s acked: %d records", b.id, len(seqs))
			return
		}

		b.state = BatchFailed
		delay := backoffDelay(attempt, m.backoffInitial, m.backoffMax)
		log.Printf("Batch %s upload failed (attempt %d): %v (retry in %s)", b.id, attempt+1, err, delay)

		if time.Now().Add(delay).After(deadline) {
			// Window exhausted: records stay buffered under eviction policy
			log.Printf("Batch %s abandoned after retry window", b.id)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if m.store.Current().State == lifecycle.StateRevoked {
			// Never start a fresh attempt after revoke
			return
		}
	}
}

// backoffDelay is the exponential retry delay for the given zero-based
// attempt, doubling from initial and capped at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
