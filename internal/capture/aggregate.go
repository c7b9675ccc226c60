// internal/capture/aggregate.go
package capture

import (
	"time"

	"github.com/google/uuid"

	"github.com/proth1/kmflow-agent/internal/protocol"
)

// recordBuilder stamps records with a wall/monotonic timestamp pair
// anchored at process start.
type recordBuilder struct {
	start time.Time
}

func newRecordBuilder(start time.Time) recordBuilder {
	return recordBuilder{start: start}
}

func (b recordBuilder) build(t protocol.EventType, at time.Time, sf map[string]string, nf map[string]int64) protocol.EventRecord {
	return protocol.EventRecord{
		CaptureID: uuid.NewString(),
		EventType: t,
		Timestamp: protocol.Timestamp{
			Wall:        at,
			MonotonicNS: at.Sub(b.start).Nanoseconds(),
		},
		StringFields:  sf,
		NumericFields: nf,
	}
}

// Aggregator coalesces raw input signals into periodic interaction_counts
// records and emits an idle_interval record after a gap. Counts are
// aggregates only; no key content or click target ever enters a record.
type Aggregator struct {
	builder       recordBuilder
	interval      time.Duration
	idleThreshold time.Duration

	keystrokes, clicks, scrolls int64
	appID, appName              string
	windowStart                 time.Time
	lastActivity                time.Time
}

// NewAggregator creates an aggregator flushing every interval, with idle
// intervals reported after idleThreshold of inactivity.
func NewAggregator(builder recordBuilder, interval, idleThreshold time.Duration) *Aggregator {
	return &Aggregator{
		builder:       builder,
		interval:      interval,
		idleThreshold: idleThreshold,
	}
}

// Add consumes one allowed input signal, returning zero or more records
// that became due: an idle_interval if the gap before this signal crossed
// the threshold, and an interaction_counts if the aggregate window closed.
func (a *Aggregator) Add(sig RawSignal) []protocol.EventRecord {
	var out []protocol.EventRecord

	if !a.lastActivity.IsZero() {
		if gap := sig.At.Sub(a.lastActivity); gap >= a.idleThreshold {
			// Counts accumulated before the gap belong to the pre-idle window
			if rec := a.flush(a.lastActivity); rec != nil {
				out = append(out, *rec)
			}
			out = append(out, a.builder.build(protocol.EventIdleInterval, sig.At, nil,
				map[string]int64{"idle_ms": gap.Milliseconds()}))
		}
	}
	a.lastActivity = sig.At

	if a.windowStart.IsZero() {
		a.windowStart = sig.At
	}
	a.keystrokes += sig.Keystrokes
	a.clicks += sig.Clicks
	a.scrolls += sig.Scrolls
	a.appID = sig.AppID
	a.appName = sig.AppName

	if sig.At.Sub(a.windowStart) >= a.interval {
		if rec := a.flush(sig.At); rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// Tick flushes a pending window whose interval elapsed without further
// input. Called on a timer by the runner.
func (a *Aggregator) Tick(now time.Time) *protocol.EventRecord {
	if a.windowStart.IsZero() || now.Sub(a.windowStart) < a.interval {
		return nil
	}
	return a.flush(now)
}

func (a *Aggregator) flush(at time.Time) *protocol.EventRecord {
	if a.keystrokes == 0 && a.clicks == 0 && a.scrolls == 0 {
		a.windowStart = time.Time{}
		return nil
	}
	rec := a.builder.build(protocol.EventInteractionCounts, at,
		map[string]string{
			"app_id":   a.appID,
			"app_name": a.appName,
		},
		map[string]int64{
			"keystrokes": a.keystrokes,
			"clicks":     a.clicks,
			"scrolls":    a.scrolls,
			"window_ms":  at.Sub(a.windowStart).Milliseconds(),
		})

	a.keystrokes, a.clicks, a.scrolls = 0, 0, 0
	a.windowStart = time.Time{}
	return &rec
}
