// internal/protocol/types.go
package protocol

import "time"

// EventType classifies an observed signal.
type EventType string

const (
	EventAppSwitch         EventType = "app_switch"
	EventWindowTitle       EventType = "window_title"
	EventInteractionCounts EventType = "interaction_counts"
	EventIdleInterval      EventType = "idle_interval"
)

// Timestamp pairs a wall-clock reading with a monotonic offset so the
// backend can order events across clock adjustments.
type Timestamp struct {
	Wall        time.Time `json:"wall"`
	MonotonicNS int64     `json:"monotonic_ns"`
}

// EventRecord is one observed signal, emitted by the capture process after
// context classification and carried over the local channel as one JSON line.
// String fields are subject to scrubbing; numeric fields carry aggregate
// counts only and are never scanned.
type EventRecord struct {
	CaptureID     string            `json:"capture_id"`
	EventType     EventType         `json:"event_type"`
	Timestamp     Timestamp         `json:"timestamp"`
	StringFields  map[string]string `json:"string_fields,omitempty"`
	NumericFields map[string]int64  `json:"numeric_fields,omitempty"`
}

// CaptureMode reports whether the capture process is actually observing.
type CaptureMode string

const (
	ModeCapturing CaptureMode = "capturing"
	ModeNoSignal  CaptureMode = "no_signal"
)

// CaptureStatus is the capture process's periodic self-report. Blocked
// contexts are never itemized, only counted by reason.
type CaptureStatus struct {
	Mode    CaptureMode      `json:"mode"`
	Reason  string           `json:"reason,omitempty"`
	Emitted int64            `json:"emitted"`
	Blocked map[string]int64 `json:"blocked,omitempty"`
}

// ChannelMessage is the envelope for the local channel. Exactly one of
// Event or Status is set, per Kind.
type ChannelMessage struct {
	Kind   string         `json:"kind"`
	Event  *EventRecord   `json:"event,omitempty"`
	Status *CaptureStatus `json:"status,omitempty"`
}

const (
	KindEvent  = "event"
	KindStatus = "status"
)

// RegisterRequest enrolls this endpoint with the backend. The enrollment
// token is consumed once; the returned agent ID is stored durably and never
// regenerated.
type RegisterRequest struct {
	EnrollmentToken string `json:"enrollment_token"`
	Hostname        string `json:"hostname"`
	Platform        string `json:"platform"`
}

// RegisterResponse carries the assigned agent identity.
type RegisterResponse struct {
	AgentID  string `json:"agent_id"`
	Accepted bool   `json:"accepted"`
}

// HeartbeatRequest is sent on every heartbeat tick.
type HeartbeatRequest struct {
	AgentID       string         `json:"agent_id"`
	ConfigVersion string         `json:"config_version"`
	CaptureStatus *CaptureStatus `json:"capture_status,omitempty"`
}

// HeartbeatResponse carries the server's desired lifecycle state.
type HeartbeatResponse struct {
	DesiredState  string    `json:"desired_state"`
	ConfigVersion string    `json:"config_version"`
	ServerTime    time.Time `json:"server_time"`
}

// Desired-state values accepted in a heartbeat response.
const (
	DesiredActive  = "active"
	DesiredPaused  = "paused"
	DesiredRevoked = "revoked"
)

// RemoteConfig is the body of GET /v1/config/{agent_id}, pulled when a
// heartbeat response advertises a new config version.
type RemoteConfig struct {
	ConfigVersion        string `json:"config_version"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec,omitempty"`
	BatchMaxRecords      int    `json:"batch_max_records,omitempty"`
	BatchMaxAgeSec       int    `json:"batch_max_age_sec,omitempty"`
	ScrubPasses          int    `json:"scrub_passes,omitempty"`
	ReverifyIntervalSec  int    `json:"reverify_interval_sec,omitempty"`
}

// UploadRecord is one buffered record as serialized into a batch payload.
type UploadRecord struct {
	SequenceID    int64             `json:"sequence_id"`
	CaptureID     string            `json:"capture_id"`
	EventType     EventType         `json:"event_type"`
	Timestamp     Timestamp         `json:"timestamp"`
	StringFields  map[string]string `json:"string_fields,omitempty"`
	NumericFields map[string]int64  `json:"numeric_fields,omitempty"`
	ScrubApplied  bool              `json:"scrub_applied"`
}

// UploadPayload is the pre-compression body of POST /v1/events.
type UploadPayload struct {
	AgentID string         `json:"agent_id"`
	BatchID string         `json:"batch_id"`
	Records []UploadRecord `json:"records"`
}

// TamperReport is the one-shot integrity failure notification. It bypasses
// the normal buffering path.
type TamperReport struct {
	AgentID    string    `json:"agent_id,omitempty"`
	Hostname   string    `json:"hostname"`
	AssetPath  string    `json:"asset_path"`
	WantDigest string    `json:"want_digest"`
	GotDigest  string    `json:"got_digest"`
	ObservedAt time.Time `json:"observed_at"`
}
