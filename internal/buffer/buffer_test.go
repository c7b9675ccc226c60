// internal/buffer/buffer_test.go
package buffer

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/proth1/kmflow-agent/internal/protocol"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func testEvent(n int) protocol.EventRecord {
	return protocol.EventRecord{
		CaptureID: fmt.Sprintf("cap-%d", n),
		EventType: protocol.EventAppSwitch,
		Timestamp: protocol.Timestamp{Wall: time.Date(2026, 3, 10, 9, 0, n, 0, time.UTC)},
		StringFields: map[string]string{
			"app_name": fmt.Sprintf("app-%d", n),
		},
	}
}

func TestAppendPeekAcknowledge(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "buffer.db"), 1<<20, testKey())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer b.Close()

	var seqs []int64
	for i := 1; i <= 3; i++ {
		seq, err := b.Append(testEvent(i), true)
		if err != nil {
			t.Fatalf("Append error: %v", err)
		}
		seqs = append(seqs, seq)
	}

	// Sequence IDs are monotonically increasing
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("seq[%d] = %d, not greater than seq[%d] = %d", i, seqs[i], i-1, seqs[i-1])
		}
	}

	recs, err := b.PeekBatch(3, time.Hour)
	if err != nil {
		t.Fatalf("PeekBatch error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("PeekBatch returned %d records, want 3", len(recs))
	}
	if recs[0].Event.CaptureID != "cap-1" || !recs[0].ScrubApplied {
		t.Errorf("record 0 = %+v, want cap-1 with scrub applied", recs[0])
	}

	// Peek does not remove
	if n, _ := b.Len(); n != 3 {
		t.Errorf("Len after peek = %d, want 3", n)
	}

	if err := b.Acknowledge(seqs[:2]); err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if n, _ := b.Len(); n != 1 {
		t.Errorf("Len after ack = %d, want 1", n)
	}

	// Idempotent: same IDs again is a no-op
	if err := b.Acknowledge(seqs[:2]); err != nil {
		t.Fatalf("second Acknowledge error: %v", err)
	}
	if n, _ := b.Len(); n != 1 {
		t.Errorf("Len after repeated ack = %d, want 1", n)
	}
}

func TestCapEvictsOldest(t *testing.T) {
	dir := t.TempDir()

	// Measure the sealed size of one record so the cap holds exactly five.
	probe, err := Open(filepath.Join(dir, "probe.db"), 1<<20, testKey())
	if err != nil {
		t.Fatalf("Open probe error: %v", err)
	}
	if _, err := probe.Append(testEvent(0), true); err != nil {
		t.Fatalf("probe Append error: %v", err)
	}
	recSize := probe.TotalBytes()
	probe.Close()

	b, err := Open(filepath.Join(dir, "buffer.db"), 5*recSize, testKey())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer b.Close()

	for i := 1; i <= 8; i++ {
		if _, err := b.Append(testEvent(i), true); err != nil {
			t.Fatalf("Append %d error: %v", i, err)
		}
		if b.TotalBytes() > 5*recSize {
			t.Fatalf("TotalBytes = %d after append %d, cap %d exceeded", b.TotalBytes(), i, 5*recSize)
		}
	}

	if n, _ := b.Len(); n != 5 {
		t.Errorf("Len = %d, want 5", n)
	}
	if b.Evictions() != 3 {
		t.Errorf("Evictions = %d, want 3", b.Evictions())
	}

	// Records 1-3 evicted, 4-8 present
	recs, err := b.PeekBatch(10, 0)
	if err != nil {
		t.Fatalf("PeekBatch error: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("PeekBatch returned %d records, want 5", len(recs))
	}
	for i, rec := range recs {
		want := fmt.Sprintf("cap-%d", i+4)
		if rec.Event.CaptureID != want {
			t.Errorf("record %d CaptureID = %q, want %q", i, rec.Event.CaptureID, want)
		}
	}
}

func TestOversizeRecordDropped(t *testing.T) {
	dir := t.TempDir()

	// Measure the sealed size of one record to size the cap around it.
	probe, err := Open(filepath.Join(dir, "probe.db"), 1<<20, testKey())
	if err != nil {
		t.Fatalf("Open probe error: %v", err)
	}
	if _, err := probe.Append(testEvent(0), true); err != nil {
		t.Fatalf("probe Append error: %v", err)
	}
	recSize := probe.TotalBytes()
	probe.Close()

	b, err := Open(filepath.Join(dir, "buffer.db"), 2*recSize, testKey())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer b.Close()

	if _, err := b.Append(testEvent(1), true); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	// A record bigger than the whole cap is counted and dropped; it must
	// not evict what is already stored, and the cap must keep holding.
	big := testEvent(2)
	big.StringFields["window_title"] = strings.Repeat("x", int(4*recSize))
	if _, err := b.Append(big, true); err != nil {
		t.Fatalf("oversize Append error: %v", err)
	}

	if n, _ := b.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
	if b.Evictions() != 1 {
		t.Errorf("Evictions = %d, want 1", b.Evictions())
	}
	if b.TotalBytes() > 2*recSize {
		t.Errorf("TotalBytes = %d, cap %d exceeded", b.TotalBytes(), 2*recSize)
	}

	recs, err := b.PeekBatch(10, 0)
	if err != nil {
		t.Fatalf("PeekBatch error: %v", err)
	}
	if len(recs) != 1 || recs[0].Event.CaptureID != "cap-1" {
		t.Fatalf("PeekBatch = %+v, want only cap-1", recs)
	}
}

func TestPeekBatchTriggers(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "buffer.db"), 1<<20, testKey())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer b.Close()

	for i := 1; i <= 2; i++ {
		if _, err := b.Append(testEvent(i), false); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	// Under the count ceiling and younger than the age ceiling: not ready
	recs, err := b.PeekBatch(5, time.Hour)
	if err != nil {
		t.Fatalf("PeekBatch error: %v", err)
	}
	if recs != nil {
		t.Errorf("PeekBatch = %d records, want nil (batch not due)", len(recs))
	}

	// Count ceiling reached: ready
	recs, err = b.PeekBatch(2, time.Hour)
	if err != nil {
		t.Fatalf("PeekBatch error: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("PeekBatch = %d records, want 2", len(recs))
	}

	// Age ceiling of zero: anything pending is due
	recs, err = b.PeekBatch(5, 0)
	if err != nil {
		t.Fatalf("PeekBatch error: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("PeekBatch with expired age = %d records, want 2", len(recs))
	}
}

func TestRestartDurability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buffer.db")

	b, err := Open(path, 1<<20, testKey())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := b.Append(testEvent(7), true); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	b.Close()

	// Reopen: record and byte accounting survive
	b2, err := Open(path, 1<<20, testKey())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer b2.Close()

	recs, err := b2.PeekBatch(1, 0)
	if err != nil {
		t.Fatalf("PeekBatch error: %v", err)
	}
	if len(recs) != 1 || recs[0].Event.CaptureID != "cap-7" {
		t.Fatalf("PeekBatch after reopen = %+v, want cap-7", recs)
	}
	if b2.TotalBytes() == 0 {
		t.Error("TotalBytes = 0 after reopen, want persisted accounting")
	}
}

func TestWipe(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "buffer.db"), 1<<20, testKey())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer b.Close()

	for i := 1; i <= 4; i++ {
		if _, err := b.Append(testEvent(i), true); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}
	if err := b.Wipe(); err != nil {
		t.Fatalf("Wipe error: %v", err)
	}
	if n, _ := b.Len(); n != 0 {
		t.Errorf("Len after wipe = %d, want 0", n)
	}
	if b.TotalBytes() != 0 {
		t.Errorf("TotalBytes after wipe = %d, want 0", b.TotalBytes())
	}
}

func TestPayloadsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "buffer.db"), 1<<20, testKey())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer b.Close()

	event := testEvent(1)
	event.StringFields["window_title"] = "MARKER-PLAINTEXT-STRING"
	if _, err := b.Append(event, true); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	var sealed []byte
	if err := b.db.QueryRow("SELECT payload FROM records LIMIT 1").Scan(&sealed); err != nil {
		t.Fatalf("read raw payload: %v", err)
	}
	if bytes.Contains(sealed, []byte("MARKER-PLAINTEXT-STRING")) {
		t.Error("raw payload contains plaintext field value")
	}
}

func TestKeyLoadOrCreate(t *testing.T) {
	dir := t.TempDir()

	key1, err := LoadOrCreateKey(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKey error: %v", err)
	}
	if len(key1) != KeySize {
		t.Fatalf("key length = %d, want %d", len(key1), KeySize)
	}

	key2, err := LoadOrCreateKey(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreateKey error: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("second load returned a different key")
	}

	if err := RemoveKey(dir); err != nil {
		t.Fatalf("RemoveKey error: %v", err)
	}
	key3, err := LoadOrCreateKey(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKey after remove error: %v", err)
	}
	if bytes.Equal(key1, key3) {
		t.Error("key survived removal")
	}

	// Removing a missing key is not an error
	if err := RemoveKey(filepath.Join(dir, "nope")); err != nil {
		t.Errorf("RemoveKey on missing dir error: %v", err)
	}
}
