// Package quota implements QuotaGuard: the pre-commit check of a run's
// event-count and cumulative-byte ceilings that EventLog consults inside
// its write transaction before assigning seq. The authoritative decision
// always comes from the counts EventLog reads from Store inside that same
// transaction; Guard additionally keeps a fast, eventually-consistent
// mirror of those counts (Redis-backed when configured, in-memory
// otherwise) so high-traffic runs can short-circuit an obviously-exhausted
// quota without a database round trip.
package quota

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

// Policy is the pair of ceilings spec.md's QuotaGuard consults.
type Policy struct {
	MaxEventsPerRun int64
	MaxBytesPerRun  int64
}

// Evaluate is the pure decision rule: given current totals and the bytes a
// prospective event would add, return the quota_exceeded error for
// whichever scope is crossed first, events_per_run taking priority since
// its audit event is never affordable once exhausted.
func Evaluate(currentEvents, currentBytes, addedBytes int64, p Policy) error {
	nextEvents := currentEvents + 1
	if p.MaxEventsPerRun > 0 && nextEvents > p.MaxEventsPerRun {
		return contracts.QuotaExceeded("events_per_run", "event count ceiling reached")
	}
	nextBytes := currentBytes + addedBytes
	if p.MaxBytesPerRun > 0 && nextBytes > p.MaxBytesPerRun {
		return contracts.QuotaExceeded("bytes_per_run", "byte ceiling reached")
	}
	return nil
}

// Mirror is the fast advisory counter cache. It never gates a write by
// itself; EventLog treats a Mirror miss/disagreement as "ask Store".
type Mirror interface {
	// Snapshot returns the last-known (events, bytes) for a run, and
	// whether anything was cached at all.
	Snapshot(ctx context.Context, runID string) (events, bytes int64, ok bool)
	// Update records the authoritative post-commit totals.
	Update(ctx context.Context, runID string, events, bytes int64)
}

// InMemoryMirror is the single-process fallback, grounded on the teacher's
// kernel.InMemoryLimiterStore map-of-buckets shape.
type InMemoryMirror struct {
	mu    sync.RWMutex
	runs  map[string][2]int64
}

func NewInMemoryMirror() *InMemoryMirror {
	return &InMemoryMirror{runs: make(map[string][2]int64)}
}

func (m *InMemoryMirror) Snapshot(_ context.Context, runID string) (int64, int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.runs[runID]
	return v[0], v[1], ok
}

func (m *InMemoryMirror) Update(_ context.Context, runID string, events, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = [2]int64{events, bytes}
}

// RedisMirror shares the mirror across instances so a run being hammered
// from multiple API nodes still short-circuits quickly everywhere.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client, prefix: "substrate:quota:"}
}

func (m *RedisMirror) Snapshot(ctx context.Context, runID string) (int64, int64, bool) {
	vals, err := m.client.HMGet(ctx, m.prefix+runID, "events", "bytes").Result()
	if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, 0, false
	}
	events, _ := toInt64(vals[0])
	bytes, _ := toInt64(vals[1])
	return events, bytes, true
}

func (m *RedisMirror) Update(ctx context.Context, runID string, events, bytes int64) {
	m.client.HSet(ctx, m.prefix+runID, "events", events, "bytes", bytes)
}

func toInt64(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n int64
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// Guard is what EventLog calls before assigning seq.
type Guard struct {
	Policy Policy
	Mirror Mirror
}

func NewGuard(policy Policy, mirror Mirror) *Guard {
	if mirror == nil {
		mirror = NewInMemoryMirror()
	}
	return &Guard{Policy: policy, Mirror: mirror}
}

// Check runs the pure Evaluate rule against the authoritative counts the
// caller read inside its own transaction (EventLog is the only caller, and
// it always supplies the transactional totals, never the mirror's).
func (g *Guard) Check(currentEvents, currentBytes, addedBytes int64) error {
	return Evaluate(currentEvents, currentBytes, addedBytes, g.Policy)
}

// FastReject reports whether the mirror alone already knows this run is
// exhausted, letting callers skip a doomed transaction under heavy
// contention. A miss or disagreement always returns false (go ask Store).
func (g *Guard) FastReject(ctx context.Context, runID string, addedBytes int64) (error, bool) {
	events, bytes, ok := g.Mirror.Snapshot(ctx, runID)
	if !ok {
		return nil, false
	}
	if err := g.Check(events, bytes, addedBytes); err != nil {
		return err, true
	}
	return nil, false
}

// Observe records the authoritative post-commit totals in the mirror.
func (g *Guard) Observe(ctx context.Context, runID string, events, bytes int64) {
	g.Mirror.Update(ctx, runID, events, bytes)
}
