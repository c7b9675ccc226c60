// internal/capture/runner.go
package capture

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/proth1/kmflow-agent/internal/channel"
	"github.com/proth1/kmflow-agent/internal/config"
	"github.com/proth1/kmflow-agent/internal/protocol"
)

const (
	dialRetryInterval = 2 * time.Second
	// Give up when the intelligence process stays unreachable this long;
	// on revoke the channel endpoint disappears for good.
	channelLostLimit = time.Minute
)

// Runner is the capture process: observes raw signals, applies the L1
// classifier, and ships allowed records over the local channel. It has no
// network configuration at all.
type Runner struct {
	cfg        *config.CaptureConfig
	observer   Observer
	classifier *Classifier

	conn net.Conn
	enc  *json.Encoder
}

// NewRunner creates a capture runner.
func NewRunner(cfg *config.CaptureConfig, observer Observer) *Runner {
	return &Runner{
		cfg:        cfg,
		observer:   observer,
		classifier: NewClassifier(cfg.PasswordManagers),
	}
}

// Run connects to the channel and pumps records until the context is
// cancelled or the channel endpoint disappears.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("Capture starting: data_dir=%s", r.cfg.DataDir)

	if err := r.connect(ctx); err != nil {
		return err
	}
	defer r.close()

	signals, err := r.observer.Observe(ctx)
	if err == ErrPermissionDenied {
		// Degraded no-signal mode: report status, never re-prompt the OS.
		// Resumption requires a restart or an explicit re-grant.
		log.Printf("Capture degraded: %v (no-signal mode)", err)
		return r.runNoSignal(ctx)
	}
	if err != nil {
		return err
	}

	builder := newRecordBuilder(time.Now())
	agg := NewAggregator(builder, r.cfg.AggregateInterval, r.cfg.IdleThreshold)

	statusTicker := time.NewTicker(r.cfg.StatusInterval)
	defer statusTicker.Stop()
	aggTicker := time.NewTicker(r.cfg.AggregateInterval)
	defer aggTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Capture shutting down")
			return nil

		case sig, ok := <-signals:
			if !ok {
				log.Println("Observation stream ended")
				return nil
			}
			for _, rec := range r.process(builder, agg, sig) {
				if err := r.sendEvent(ctx, rec); err != nil {
					return err
				}
			}

		case now := <-aggTicker.C:
			if rec := agg.Tick(now); rec != nil {
				if err := r.sendEvent(ctx, *rec); err != nil {
					return err
				}
			}

		case <-statusTicker.C:
			if err := r.sendStatus(ctx, protocol.ModeCapturing, ""); err != nil {
				return err
			}
		}
	}
}

// process classifies one raw signal and returns the records to ship.
// Blocked signals produce nothing: the record is never constructed.
func (r *Runner) process(builder recordBuilder, agg *Aggregator, sig RawSignal) []protocol.EventRecord {
	if v := r.classifier.Classify(sig); !v.Allow {
		return nil
	}

	switch sig.Kind {
	case SignalAppSwitch:
		return []protocol.EventRecord{builder.build(protocol.EventAppSwitch, sig.At,
			map[string]string{
				"app_id":       sig.AppID,
				"app_name":     sig.AppName,
				"window_title": sig.WindowTitle,
			}, nil)}
	case SignalWindowTitle:
		return []protocol.EventRecord{builder.build(protocol.EventWindowTitle, sig.At,
			map[string]string{
				"app_id":       sig.AppID,
				"app_name":     sig.AppName,
				"window_title": sig.WindowTitle,
			}, nil)}
	case SignalInput:
		return agg.Add(sig)
	}
	return nil
}

func (r *Runner) runNoSignal(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.StatusInterval)
	defer ticker.Stop()

	if err := r.sendStatus(ctx, protocol.ModeNoSignal, "permission_denied"); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sendStatus(ctx, protocol.ModeNoSignal, "permission_denied"); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) sendEvent(ctx context.Context, rec protocol.EventRecord) error {
	return r.send(ctx, protocol.ChannelMessage{Kind: protocol.KindEvent, Event: &rec})
}

func (r *Runner) sendStatus(ctx context.Context, mode protocol.CaptureMode, reason string) error {
	emitted, blocked := r.classifier.Counters()
	return r.send(ctx, protocol.ChannelMessage{
		Kind: protocol.KindStatus,
		Status: &protocol.CaptureStatus{
			Mode:    mode,
			Reason:  reason,
			Emitted: emitted,
			Blocked: blocked,
		},
	})
}

// send writes one JSON line, reconnecting on failure. A record lost to a
// reconnect race is within the pipeline's one-in-flight tolerance.
func (r *Runner) send(ctx context.Context, msg protocol.ChannelMessage) error {
	if err := r.enc.Encode(&msg); err == nil {
		return nil
	}
	r.close()
	if err := r.connect(ctx); err != nil {
		return err
	}
	return r.enc.Encode(&msg)
}

func (r *Runner) connect(ctx context.Context) error {
	deadline := time.Now().Add(channelLostLimit)
	for {
		conn, err := channel.Dial(r.cfg.DataDir)
		if err == nil {
			r.conn = conn
			r.enc = json.NewEncoder(conn)
			return nil
		}
		if time.Now().After(deadline) {
			log.Printf("Channel unreachable for %s, giving up", channelLostLimit)
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
}

func (r *Runner) close() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}
