// Package stream implements StreamBroker: Server-Sent-Event delivery over
// three sources (run events, project activity, per-user notifications),
// combining durable backlog replay with a live poll loop, heartbeats, and
// resume by last-delivered sequence. Grounded on the coroutine/async SSE
// generator this component was distilled from (backend/streaming/sse.py,
// omni_backend/v2/api/sse.py): open -> replay -> heartbeat-or-poll loop.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/config"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// Kind identifies which of the three sources a stream reads from.
type Kind string

const (
	KindRunEvents        Kind = "run_events"
	KindProjectActivity  Kind = "project_activity"
	KindNotifications    Kind = "notifications"
)

// Frame is one wire-ready SSE record: id: <seq>\nevent: <kind>\ndata: <json>\n\n.
type Frame struct {
	Seq  int64
	Kind string
	Data any
}

// WriteTo renders the frame in SSE wire format.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	payload, err := json.Marshal(f.Data)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\nevent: %s\ndata: %s\n\n", f.Seq, f.Kind, payload)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// writeHeartbeat writes the SSE comment line used for keepalive and for the
// one heartbeat emitted immediately on open.
func writeHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": heartbeat\n\n")
	return err
}

// Flusher is implemented by http.ResponseWriter; StreamBroker flushes
// after every frame so the client observes them without client-side
// buffering delay.
type Flusher interface {
	Flush()
}

// Request describes one stream-open call, independent of how the caller
// transports it (HTTP query param, Last-Event-ID header, etc. are
// resolved by the caller into AfterSeq before Broker.Serve is invoked).
type Request struct {
	Kind     Kind
	Key      string // run_id, project_id, or user_id depending on Kind
	UserID   string // concurrency-limit identity; always the authenticated caller
	AfterSeq int64
	Once     bool
}

// Broker is the StreamBroker component: it owns the per-(user,kind)
// concurrency semaphore and drives the replay-then-live-poll loop shared
// by all three stream kinds.
type Broker struct {
	Store  store.Store
	Clock  clock.Clock
	Config *config.Config

	// PollInterval overrides Config.SSEPollInterval() when set; tests use
	// this to drive the live loop faster than the configured second
	// granularity allows.
	PollInterval time.Duration

	mu    sync.Mutex
	inUse map[string]int
}

func New(st store.Store, clk clock.Clock, cfg *config.Config) *Broker {
	return &Broker{Store: st, Clock: clk, Config: cfg, PollInterval: cfg.SSEPollInterval(), inUse: make(map[string]int)}
}

func concurrencyKey(userID string, kind Kind) string { return userID + "\x00" + string(kind) }

func (b *Broker) acquire(req Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := concurrencyKey(req.UserID, req.Kind)
	if b.inUse[key] >= b.Config.SSEMaxConcurrentPerUser {
		return contracts.NewError(contracts.ErrTooManyConcurrentStreams, "too many concurrent streams for this user and kind")
	}
	b.inUse[key]++
	return nil
}

func (b *Broker) release(req Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := concurrencyKey(req.UserID, req.Kind)
	if b.inUse[key] > 0 {
		b.inUse[key]--
	}
}

// Serve drives the full stream lifecycle: cursor already resolved by the
// caller into req.AfterSeq, acquire the concurrency slot, emit the open
// heartbeat, replay durable backlog up to sse_max_replay, then (unless
// Once) enter the live poll loop until disconnect, max_duration, or
// idle_timeout.
func (b *Broker) Serve(ctx context.Context, w io.Writer, req Request) error {
	if err := b.acquire(req); err != nil {
		return err
	}
	defer b.release(req)

	_ = b.Store.IncrCounter(ctx, "sse_connections_total", 1)
	_ = b.Store.IncrGauge(ctx, "sse.active_streams_by_type."+string(req.Kind), 1)
	defer func() {
		_ = b.Store.IncrCounter(ctx, "sse_disconnects_total", 1)
		_ = b.Store.IncrGauge(ctx, "sse.active_streams_by_type."+string(req.Kind), -1)
	}()

	if err := writeHeartbeat(w); err != nil {
		return err
	}
	flush(w)

	cursor := req.AfterSeq
	frames, next, err := b.fetch(ctx, req, cursor, b.Config.SSEMaxReplay)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if _, err := f.WriteTo(w); err != nil {
			return err
		}
	}
	flush(w)
	cursor = next

	if req.Once {
		return nil
	}

	deadline := b.Clock.Now().Add(b.Config.SSEMaxDuration())
	lastData := b.Clock.Now()
	interval := b.PollInterval
	if interval <= 0 {
		interval = b.Config.SSEPollInterval()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if b.Clock.Now().After(deadline) {
				return nil
			}
			if b.Clock.Now().Sub(lastData) >= b.Config.SSEIdleTimeout() {
				return nil
			}
			frames, next, err := b.fetch(ctx, req, cursor, 0)
			if err != nil {
				return err
			}
			if len(frames) == 0 {
				if err := writeHeartbeat(w); err != nil {
					return err
				}
				flush(w)
				continue
			}
			for _, f := range frames {
				if _, err := f.WriteTo(w); err != nil {
					return err
				}
			}
			flush(w)
			cursor = next
			lastData = b.Clock.Now()
		}
	}
}

func flush(w io.Writer) {
	if f, ok := w.(Flusher); ok {
		f.Flush()
	}
}

// fetch reads rows past cursor for the request's Kind and returns them as
// frames plus the new cursor (the highest seq delivered, or the original
// cursor if nothing new). limit<=0 means "no cap" (the live-loop case;
// spec.md only bounds the durable replay phase).
func (b *Broker) fetch(ctx context.Context, req Request, cursor int64, limit int) ([]Frame, int64, error) {
	switch req.Kind {
	case KindRunEvents:
		events, err := b.Store.ListEvents(ctx, req.Key, cursor, limit, nil, false)
		if err != nil {
			return nil, cursor, err
		}
		frames := make([]Frame, len(events))
		next := cursor
		for i, ev := range events {
			frames[i] = Frame{Seq: ev.Seq, Kind: ev.Kind, Data: ev}
			if ev.Seq > next {
				next = ev.Seq
			}
		}
		return frames, next, nil

	case KindProjectActivity:
		rows, err := b.Store.ListActivity(ctx, req.Key, cursor, limit)
		if err != nil {
			return nil, cursor, err
		}
		frames := make([]Frame, len(rows))
		next := cursor
		for i, a := range rows {
			frames[i] = Frame{Seq: a.ActivitySeq, Kind: a.Kind, Data: a}
			if a.ActivitySeq > next {
				next = a.ActivitySeq
			}
		}
		return frames, next, nil

	case KindNotifications:
		rows, err := b.Store.ListNotifications(ctx, req.Key, cursor, limit)
		if err != nil {
			return nil, cursor, err
		}
		frames := make([]Frame, len(rows))
		next := cursor
		for i, n := range rows {
			frames[i] = Frame{Seq: n.NotificationSeq, Kind: n.Kind, Data: n}
			if n.NotificationSeq > next {
				next = n.NotificationSeq
			}
		}
		return frames, next, nil

	default:
		return nil, cursor, contracts.NewError(contracts.ErrExecutionFailed, "unknown stream kind: "+string(req.Kind))
	}
}

// ResolveCursor implements the shared start-cursor rule every stream kind
// follows: an explicit after_seq query parameter wins, else the
// Last-Event-ID header (browsers resend it automatically on reconnect),
// else 0.
func ResolveCursor(afterSeqParam *int64, lastEventID string) int64 {
	if afterSeqParam != nil {
		return *afterSeqParam
	}
	if lastEventID != "" {
		var seq int64
		if _, err := fmt.Sscanf(lastEventID, "%d", &seq); err == nil {
			return seq
		}
	}
	return 0
}
