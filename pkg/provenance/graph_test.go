package provenance

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/substrate/pkg/clock"
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

func appendEvent(t *testing.T, st *store.SQLStore, runID string, ev *contracts.Event) *contracts.Event {
	t.Helper()
	ctx := context.Background()
	out, err := st.AppendEventTx(ctx, func(tx *sql.Tx) (*contracts.Event, error) {
		seq, err := st.GetMaxSeq(ctx, tx, runID)
		if err != nil {
			return nil, err
		}
		ev.Seq = seq + 1
		ev.RunID = runID
		if err := st.InsertEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
		return ev, nil
	})
	require.NoError(t, err)
	return out
}

func seedRun(t *testing.T, st *store.SQLStore, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: "p1", Name: "proj", CreatedAt: time.Now()}))
	projID := "p1"
	require.NoError(t, st.CreateThread(ctx, &contracts.Thread{ThreadID: "t1", ProjectID: &projID, Title: "thread"}))
	require.NoError(t, st.CreateRun(ctx, &contracts.Run{RunID: runID, ThreadID: "t1", Status: contracts.RunRunning, CreatedByUser: "u1", CreatedAt: time.Now()}))
}

func TestService_Graph_ToolCallOutcomeArtifactChain(t *testing.T) {
	st := openTestStore(t)
	seedRun(t, st, "r1")
	ctx := context.Background()

	call := appendEvent(t, st, "r1", &contracts.Event{EventID: "ev-call", ThreadID: "t1", ProjectID: "p1", Ts: time.Now(), Kind: "tool_call", CorrelationID: "c1", Actor: contracts.ActorAssistant, Payload: map[string]any{"tool_id": "web_search"}})
	result := appendEvent(t, st, "r1", &contracts.Event{EventID: "ev-result", ThreadID: "t1", ProjectID: "p1", Ts: time.Now(), Kind: "tool_result", CorrelationID: "c1", Actor: contracts.ActorTool, Payload: map[string]any{}})

	require.NoError(t, st.PutArtifact(ctx, &contracts.Artifact{ArtifactID: "a1", Kind: "document", MediaType: "text/plain", ContentHash: "h1", StorageRef: "s1", CreatedBy: "u1", CreatedAt: time.Now()}))
	_, err := st.AppendEventTx(ctx, func(tx *sql.Tx) (*contracts.Event, error) {
		return nil, st.PutArtifactLink(ctx, tx, &contracts.ArtifactLink{RunID: "r1", EventID: result.EventID, ArtifactID: "a1", CorrelationID: "c1", ToolID: "web_search", CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	svc := New(st, clock.New())
	g, err := svc.Graph(ctx, "r1", Query{})
	require.NoError(t, err)

	require.Contains(t, nodeIDs(g), eventNodeID(call.EventID))
	require.Contains(t, nodeIDs(g), artifactNodeID("a1"))
	require.True(t, hasEdge(g, eventNodeID(call.EventID), eventNodeID(result.EventID), EdgeToolOutcome))
	require.True(t, hasEdge(g, eventNodeID(result.EventID), artifactNodeID("a1"), EdgeArtifactRef))
	require.True(t, hasEdge(g, eventNodeID(call.EventID), artifactNodeID("a1"), EdgeCorrelationArtifact))
}

func TestService_Graph_CacheHitOnUnchangedRun(t *testing.T) {
	st := openTestStore(t)
	seedRun(t, st, "r1")
	ctx := context.Background()
	appendEvent(t, st, "r1", &contracts.Event{EventID: "ev1", ThreadID: "t1", ProjectID: "p1", Ts: time.Now(), Kind: "user_message", Actor: contracts.ActorUser, Payload: map[string]any{}})

	svc := New(st, clock.New())
	_, err := svc.Graph(ctx, "r1", Query{})
	require.NoError(t, err)

	hits, err := st.GetCounter(ctx, "provenance_cache.hit_count")
	require.NoError(t, err)
	require.Equal(t, int64(0), hits)

	_, err = svc.Graph(ctx, "r1", Query{})
	require.NoError(t, err)
	hits, err = st.GetCounter(ctx, "provenance_cache.hit_count")
	require.NoError(t, err)
	require.Equal(t, int64(1), hits)
}

func TestService_Graph_CacheInvalidatedAfterNewEvent(t *testing.T) {
	st := openTestStore(t)
	seedRun(t, st, "r1")
	ctx := context.Background()
	appendEvent(t, st, "r1", &contracts.Event{EventID: "ev1", ThreadID: "t1", ProjectID: "p1", Ts: time.Now(), Kind: "user_message", Actor: contracts.ActorUser, Payload: map[string]any{}})

	svc := New(st, clock.New())
	_, err := svc.Graph(ctx, "r1", Query{})
	require.NoError(t, err)

	_, err = st.AppendEventTx(ctx, func(tx *sql.Tx) (*contracts.Event, error) {
		seq, err := st.GetMaxSeq(ctx, tx, "r1")
		require.NoError(t, err)
		ev := &contracts.Event{EventID: "ev2", RunID: "r1", ThreadID: "t1", ProjectID: "p1", Seq: seq + 1, Ts: time.Now(), Kind: "tool_error", Actor: contracts.ActorTool, Payload: map[string]any{}}
		if err := st.InsertEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
		return ev, st.InvalidateProvenanceCache(ctx, tx, "r1")
	})
	require.NoError(t, err)

	_, err = svc.Graph(ctx, "r1", Query{})
	require.NoError(t, err)
	misses, err := st.GetCounter(ctx, "provenance_cache.miss_count")
	require.NoError(t, err)
	require.Equal(t, int64(2), misses)
}

func TestService_Why_ReturnsPathToToolCall(t *testing.T) {
	st := openTestStore(t)
	seedRun(t, st, "r1")
	ctx := context.Background()

	call := appendEvent(t, st, "r1", &contracts.Event{EventID: "ev-call", ThreadID: "t1", ProjectID: "p1", Ts: time.Now(), Kind: "tool_call", CorrelationID: "c1", Actor: contracts.ActorAssistant, Payload: map[string]any{}})
	result := appendEvent(t, st, "r1", &contracts.Event{EventID: "ev-result", ThreadID: "t1", ProjectID: "p1", Ts: time.Now(), Kind: "tool_result", CorrelationID: "c1", Actor: contracts.ActorTool, Payload: map[string]any{}})

	require.NoError(t, st.PutArtifact(ctx, &contracts.Artifact{ArtifactID: "a1", Kind: "document", MediaType: "text/plain", ContentHash: "h1", StorageRef: "s1", CreatedBy: "u1", CreatedAt: time.Now()}))
	_, err := st.AppendEventTx(ctx, func(tx *sql.Tx) (*contracts.Event, error) {
		return nil, st.PutArtifactLink(ctx, tx, &contracts.ArtifactLink{RunID: "r1", EventID: result.EventID, ArtifactID: "a1", CorrelationID: "c1", CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	svc := New(st, clock.New())
	paths, err := svc.Why(ctx, "r1", "a1", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	require.Equal(t, artifactNodeID("a1"), paths[0].Nodes[0])
	require.Contains(t, paths[0].Nodes, eventNodeID(call.EventID))
	_ = call
}

func TestService_Why_UnknownArtifactReturnsNotFound(t *testing.T) {
	st := openTestStore(t)
	seedRun(t, st, "r1")
	svc := New(st, clock.New())
	_, err := svc.Why(context.Background(), "r1", "missing", 0, 0)
	require.Error(t, err)
	kind, ok := contracts.KindOf(err)
	require.True(t, ok)
	require.Equal(t, contracts.ErrArtifactNotFound, kind)
}

func nodeIDs(g *Graph) []string {
	var ids []string
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func hasEdge(g *Graph, from, to string, kind EdgeKind) bool {
	for _, e := range g.Edges {
		if e.From == from && e.To == to && e.Kind == kind {
			return true
		}
	}
	return false
}
