// internal/buffer/buffer.go
package buffer

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/proth1/kmflow-agent/internal/protocol"
	_ "modernc.org/sqlite"
)

// Record is one scrubbed event persisted in the buffer, awaiting upload.
type Record struct {
	Seq          int64
	CreatedAt    time.Time
	ScrubApplied bool
	Event        protocol.EventRecord
}

// storedPayload is the plaintext that gets encrypted into the payload column.
type storedPayload struct {
	Event        protocol.EventRecord `json:"event"`
	ScrubApplied bool                 `json:"scrub_applied"`
}

// Buffer is the durable, capacity-bounded, ordered store for scrubbed
// records. A single mutex guards all mutation; capacity enforcement takes
// priority over durability, so the oldest unacknowledged records are
// silently evicted when the byte cap is reached.
type Buffer struct {
	mu         sync.Mutex
	db         *sql.DB
	box        *payloadBox
	capBytes   int64
	totalBytes int64
	evictions  int64
}

// Open opens or creates the buffer database at path. key is the 32-byte
// payload encryption key; capBytes bounds total stored ciphertext bytes.
func Open(path string, capBytes int64, key []byte) (*Buffer, error) {
	if capBytes <= 0 {
		return nil, fmt.Errorf("buffer cap must be positive, got %d", capBytes)
	}

	box, err := newPayloadBox(key)
	if err != nil {
		return nil, fmt.Errorf("payload cipher: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for concurrent append and peek
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		payload BLOB NOT NULL,
		payload_bytes INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	b := &Buffer{db: db, box: box, capBytes: capBytes}

	if err := b.db.QueryRow(
		"SELECT COALESCE(SUM(payload_bytes), 0) FROM records").Scan(&b.totalBytes); err != nil {
		db.Close()
		return nil, err
	}

	var evicted sql.NullString
	err = b.db.QueryRow("SELECT value FROM meta WHERE key = 'evictions'").Scan(&evicted)
	if err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, err
	}
	if evicted.Valid {
		fmt.Sscanf(evicted.String, "%d", &b.evictions)
	}

	return b, nil
}

// Close closes the underlying database.
func (b *Buffer) Close() error {
	return b.db.Close()
}

// Append encrypts and persists a scrubbed record, returning its sequence ID.
// If the byte cap would be exceeded, the oldest records are evicted first;
// eviction is silent and counted, never an error.
func (b *Buffer) Append(event protocol.EventRecord, scrubApplied bool) (int64, error) {
	plain, err := json.Marshal(storedPayload{Event: event, ScrubApplied: scrubApplied})
	if err != nil {
		return 0, err
	}
	sealed, err := b.box.seal(plain)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	need := int64(len(sealed))
	// A record larger than the whole cap can never fit; dropping it is the
	// same capacity-over-durability policy as eviction, counted the same way.
	if need > b.capBytes {
		b.evictions++
		return 0, b.persistEvictionsLocked()
	}
	for b.totalBytes+need > b.capBytes && b.totalBytes > 0 {
		if err := b.evictOldestLocked(); err != nil {
			return 0, err
		}
	}

	res, err := b.db.Exec(
		"INSERT INTO records (payload, payload_bytes, created_at) VALUES (?, ?, ?)",
		sealed, need, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	b.totalBytes += need
	return seq, nil
}

func (b *Buffer) evictOldestLocked() error {
	var seq, size int64
	err := b.db.QueryRow(
		"SELECT seq, payload_bytes FROM records ORDER BY seq LIMIT 1").Scan(&seq, &size)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := b.db.Exec("DELETE FROM records WHERE seq = ?", seq); err != nil {
		return err
	}
	b.totalBytes -= size
	b.evictions++
	return b.persistEvictionsLocked()
}

func (b *Buffer) persistEvictionsLocked() error {
	_, err := b.db.Exec(
		"INSERT INTO meta (key, value) VALUES ('evictions', ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		fmt.Sprintf("%d", b.evictions))
	return err
}

// PeekBatch returns the oldest unacknowledged records when a batch is due:
// either maxCount records are available, or at least one record is older
// than maxAge. Returns nil when neither trigger has fired. Records are not
// removed.
func (b *Buffer) PeekBatch(maxCount int, maxAge time.Duration) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query(
		"SELECT seq, payload, created_at FROM records ORDER BY seq LIMIT ?", maxCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var sealed []byte
		var createdStr string
		if err := rows.Scan(&rec.Seq, &sealed, &createdStr); err != nil {
			return nil, err
		}

		plain, err := b.box.open(sealed)
		if err != nil {
			// Undecryptable row: skip it, it can never be uploaded
			continue
		}
		var p storedPayload
		if err := json.Unmarshal(plain, &p); err != nil {
			continue
		}
		rec.Event = p.Event
		rec.ScrubApplied = p.ScrubApplied
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, nil
	}
	if len(records) >= maxCount {
		return records, nil
	}
	if time.Since(records[0].CreatedAt) >= maxAge {
		return records, nil
	}
	return nil, nil
}

// Acknowledge permanently removes the given records. Unknown sequence IDs
// are ignored, so acknowledging twice is a no-op the second time.
func (b *Buffer) Acknowledge(seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, s := range seqs {
		args[i] = s
	}

	var freed sql.NullInt64
	err := b.db.QueryRow(
		"SELECT SUM(payload_bytes) FROM records WHERE seq IN ("+placeholders+")",
		args...).Scan(&freed)
	if err != nil {
		return err
	}

	if _, err := b.db.Exec(
		"DELETE FROM records WHERE seq IN ("+placeholders+")", args...); err != nil {
		return err
	}
	if freed.Valid {
		b.totalBytes -= freed.Int64
	}
	return nil
}

// Len returns the number of unacknowledged records.
func (b *Buffer) Len() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int
	err := b.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

// TotalBytes returns the stored ciphertext byte total.
func (b *Buffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

// Evictions returns the lifetime count of capacity-driven evictions.
func (b *Buffer) Evictions() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictions
}

// Wipe removes every record. Used on revoke; the eviction counter survives
// so the final heartbeat-adjacent reporting stays truthful.
func (b *Buffer) Wipe() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.db.Exec("DELETE FROM records"); err != nil {
		return err
	}
	b.totalBytes = 0
	return nil
}

// Destroy closes the buffer and deletes the database files from disk.
func (b *Buffer) Destroy(path string) error {
	b.db.Close()
	var firstErr error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
