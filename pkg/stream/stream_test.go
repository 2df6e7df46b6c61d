package stream

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/config"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

func openTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.Open(context.Background(), db, store.DialectSQLite)
	require.NoError(t, err)
	return st
}

func seedRunWithEvents(t *testing.T, st *store.SQLStore, runID string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: "p1", Name: "proj", CreatedAt: time.Now()}))
	projID := "p1"
	require.NoError(t, st.CreateThread(ctx, &contracts.Thread{ThreadID: "t1", ProjectID: &projID, Title: "thread"}))
	require.NoError(t, st.CreateRun(ctx, &contracts.Run{RunID: runID, ThreadID: "t1", Status: contracts.RunRunning, CreatedByUser: "u1", CreatedAt: time.Now()}))

	for i := 0; i < n; i++ {
		_, err := st.AppendEventTx(ctx, func(tx *sql.Tx) (*contracts.Event, error) {
			seq, err := st.GetMaxSeq(ctx, tx, runID)
			if err != nil {
				return nil, err
			}
			seq++
			ev := &contracts.Event{
				EventID: clock.New().NewID(), RunID: runID, ThreadID: "t1", ProjectID: "p1",
				Seq: seq, Ts: time.Now(), Kind: "user_message", Payload: map[string]any{"text": "hi"},
				Actor: contracts.ActorUser,
			}
			if err := st.InsertEvent(ctx, tx, ev); err != nil {
				return nil, err
			}
			return ev, nil
		})
		require.NoError(t, err)
	}
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.SSEMaxReplay = 500
	cfg.SSEPollIntervalSeconds = 0
	cfg.SSEMaxDurationSeconds = 3600
	cfg.SSEIdleTimeoutSeconds = 300
	cfg.SSEMaxConcurrentPerUser = 2
	return cfg
}

func TestBroker_ReplayOnceReturnsBacklog(t *testing.T) {
	st := openTestStore(t)
	seedRunWithEvents(t, st, "run1", 3)
	b := New(st, clock.New(), testConfig())

	w := httptest.NewRecorder()
	err := b.Serve(context.Background(), w, Request{Kind: KindRunEvents, Key: "run1", UserID: "u1", Once: true})
	require.NoError(t, err)

	body := w.Body.String()
	require.Contains(t, body, ": heartbeat\n\n")
	require.Equal(t, 3, strings.Count(body, "event: user_message"))
	require.Contains(t, body, "id: 1\n")
	require.Contains(t, body, "id: 3\n")
}

func TestBroker_ReplayAfterSeqSkipsEarlierRows(t *testing.T) {
	st := openTestStore(t)
	seedRunWithEvents(t, st, "run1", 5)
	b := New(st, clock.New(), testConfig())

	w := httptest.NewRecorder()
	err := b.Serve(context.Background(), w, Request{Kind: KindRunEvents, Key: "run1", UserID: "u1", AfterSeq: 3, Once: true})
	require.NoError(t, err)

	body := w.Body.String()
	require.Equal(t, 2, strings.Count(body, "event: user_message"))
	require.NotContains(t, body, "id: 1\n")
	require.Contains(t, body, "id: 4\n")
	require.Contains(t, body, "id: 5\n")
}

func TestBroker_ConcurrencyLimitRejectsExcess(t *testing.T) {
	st := openTestStore(t)
	seedRunWithEvents(t, st, "run1", 1)
	cfg := testConfig()
	cfg.SSEMaxConcurrentPerUser = 1
	b := New(st, clock.New(), cfg)

	b.mu.Lock()
	b.inUse[concurrencyKey("u1", KindRunEvents)] = 1
	b.mu.Unlock()

	w := httptest.NewRecorder()
	err := b.Serve(context.Background(), w, Request{Kind: KindRunEvents, Key: "run1", UserID: "u1", Once: true})
	require.Error(t, err)
	kind, ok := contracts.KindOf(err)
	require.True(t, ok)
	require.Equal(t, contracts.ErrTooManyConcurrentStreams, kind)
}

func TestBroker_LiveLoopPicksUpNewEvents(t *testing.T) {
	st := openTestStore(t)
	seedRunWithEvents(t, st, "run1", 1)
	cfg := testConfig()
	b := New(st, clock.New(), cfg)
	b.PollInterval = 2 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	w := httptest.NewRecorder()
	go func() {
		time.Sleep(5 * time.Millisecond)
		seedMoreEvents(t, st, "run1", 1)
	}()
	err := b.Serve(ctx, w, Request{Kind: KindRunEvents, Key: "run1", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(w.Body.String(), "event: user_message"))
}

func seedMoreEvents(t *testing.T, st *store.SQLStore, runID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := st.AppendEventTx(ctx, func(tx *sql.Tx) (*contracts.Event, error) {
			seq, err := st.GetMaxSeq(ctx, tx, runID)
			if err != nil {
				return nil, err
			}
			seq++
			ev := &contracts.Event{
				EventID: clock.New().NewID(), RunID: runID, ThreadID: "t1", ProjectID: "p1",
				Seq: seq, Ts: time.Now(), Kind: "user_message", Payload: map[string]any{"text": "more"},
				Actor: contracts.ActorUser,
			}
			if err := st.InsertEvent(ctx, tx, ev); err != nil {
				return nil, err
			}
			return ev, nil
		})
		require.NoError(t, err)
	}
}

func TestResolveCursor_ExplicitParamWins(t *testing.T) {
	v := int64(42)
	require.Equal(t, int64(42), ResolveCursor(&v, "7"))
}

func TestResolveCursor_FallsBackToLastEventID(t *testing.T) {
	require.Equal(t, int64(7), ResolveCursor(nil, "7"))
}

func TestResolveCursor_DefaultsToZero(t *testing.T) {
	require.Equal(t, int64(0), ResolveCursor(nil, ""))
}
