package notify

import (
	"context"
	"database/sql"
	"log/slog"
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

func seedProjectAndRun(t *testing.T, st *store.SQLStore, projectID, runID, creator string, members ...contracts.Membership) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: projectID, Name: "proj", CreatedAt: time.Now()}))
	require.NoError(t, st.CreateRun(ctx, &contracts.Run{RunID: runID, ThreadID: "t1", Status: contracts.RunRunning, CreatedByUser: creator, CreatedAt: time.Now()}))
	for _, m := range members {
		require.NoError(t, st.AddProjectMember(ctx, m))
	}
}

func newRouter(st store.Store) *Router {
	cfg := config.Load()
	return New(st, clock.New(), cfg, slog.Default())
}

func TestRouter_QuotaExceededNotifiesRunCreator(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator")
	r := newRouter(st)

	r.ObserveEvent(context.Background(), &contracts.Event{
		EventID: "e1", RunID: "r1", ProjectID: "p1", Kind: "quota_exceeded", Payload: map[string]any{},
	})

	ns, err := st.ListNotifications(context.Background(), "creator", 0, 10)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	require.Equal(t, "quota_exceeded", ns[0].Kind)
}

func TestRouter_ApprovalRequiredNotifiesCreatorAndOwners(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator",
		contracts.Membership{ProjectID: "p1", UserID: "owner1", Role: "owner"},
		contracts.Membership{ProjectID: "p1", UserID: "member1", Role: "member"},
	)
	r := newRouter(st)

	r.ObserveEvent(context.Background(), &contracts.Event{
		EventID: "e1", RunID: "r1", ProjectID: "p1", Kind: "system_event",
		Payload: map[string]any{"code": "approval_required"},
	})

	creatorNs, _ := st.ListNotifications(context.Background(), "creator", 0, 10)
	ownerNs, _ := st.ListNotifications(context.Background(), "owner1", 0, 10)
	memberNs, _ := st.ListNotifications(context.Background(), "member1", 0, 10)
	require.Len(t, creatorNs, 1)
	require.Len(t, ownerNs, 1)
	require.Empty(t, memberNs)
}

func TestRouter_SystemEventOtherCodeIsNoOp(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator")
	r := newRouter(st)

	r.ObserveEvent(context.Background(), &contracts.Event{
		EventID: "e1", RunID: "r1", ProjectID: "p1", Kind: "system_event",
		Payload: map[string]any{"code": "run_started"},
	})

	ns, _ := st.ListNotifications(context.Background(), "creator", 0, 10)
	require.Empty(t, ns)
}

func TestRouter_ToolErrorRespectsMaxPerRun(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator")
	cfg := config.Load()
	cfg.NotifyToolErrorsMaxPerRun = 1
	r := New(st, clock.New(), cfg, slog.Default())

	ev := &contracts.Event{EventID: "e1", RunID: "r1", ProjectID: "p1", Kind: "tool_error", Payload: map[string]any{"code": "TIMEOUT"}}
	r.ObserveEvent(context.Background(), ev)
	r.ObserveEvent(context.Background(), &contracts.Event{EventID: "e2", RunID: "r1", ProjectID: "p1", Kind: "tool_error", Payload: map[string]any{"code": "TIMEOUT"}})

	ns, _ := st.ListNotifications(context.Background(), "creator", 0, 10)
	require.Len(t, ns, 1)
}

func TestRouter_ToolErrorDisabledIsNoOp(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator")
	cfg := config.Load()
	cfg.NotifyToolErrors = false
	r := New(st, clock.New(), cfg, slog.Default())

	r.ObserveEvent(context.Background(), &contracts.Event{EventID: "e1", RunID: "r1", ProjectID: "p1", Kind: "tool_error", Payload: map[string]any{"code": "TIMEOUT"}})

	ns, _ := st.ListNotifications(context.Background(), "creator", 0, 10)
	require.Empty(t, ns)
}

func TestRouter_ToolErrorOnlyCodesFilter(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator")
	cfg := config.Load()
	cfg.NotifyToolErrorsOnlyCodes = []string{"MCP_ERROR"}
	r := New(st, clock.New(), cfg, slog.Default())

	r.ObserveEvent(context.Background(), &contracts.Event{EventID: "e1", RunID: "r1", ProjectID: "p1", Kind: "tool_error", Payload: map[string]any{"code": "TIMEOUT"}})
	ns, _ := st.ListNotifications(context.Background(), "creator", 0, 10)
	require.Empty(t, ns)

	r.ObserveEvent(context.Background(), &contracts.Event{EventID: "e2", RunID: "r1", ProjectID: "p1", Kind: "tool_error", Payload: map[string]any{"code": "MCP_ERROR"}})
	ns, _ = st.ListNotifications(context.Background(), "creator", 0, 10)
	require.Len(t, ns, 1)
}

func TestRouter_SelfSuppressionSkipsActingUser(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator")
	r := newRouter(st)

	r.ObserveEvent(context.Background(), &contracts.Event{
		EventID: "e1", RunID: "r1", ProjectID: "p1", Kind: "quota_exceeded",
		Payload: map[string]any{"actor_user_id": "creator"},
	})

	ns, _ := st.ListNotifications(context.Background(), "creator", 0, 10)
	require.Empty(t, ns)
}

func TestRouter_CommentCreatedActivityNotifiesAllMembersExceptActor(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator",
		contracts.Membership{ProjectID: "p1", UserID: "alice", Role: "member"},
		contracts.Membership{ProjectID: "p1", UserID: "bob", Role: "member"},
	)
	r := newRouter(st)

	r.ObserveActivity(context.Background(), &contracts.Activity{
		ProjectID: "p1", Kind: "comment_created", RefType: "comment", RefID: "c1",
		ActorID: "alice", CreatedAt: time.Now(),
	})

	aliceNs, _ := st.ListNotifications(context.Background(), "alice", 0, 10)
	bobNs, _ := st.ListNotifications(context.Background(), "bob", 0, 10)
	require.Empty(t, aliceNs)
	require.Len(t, bobNs, 1)
}

func TestRouter_MemberAddedNotifiesOnlyAffectedUser(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator",
		contracts.Membership{ProjectID: "p1", UserID: "alice", Role: "member"},
	)
	r := newRouter(st)

	r.ObserveActivity(context.Background(), &contracts.Activity{
		ProjectID: "p1", Kind: "member_added", RefType: "user", RefID: "newuser",
		ActorID: "alice", CreatedAt: time.Now(),
	})

	newNs, _ := st.ListNotifications(context.Background(), "newuser", 0, 10)
	aliceNs, _ := st.ListNotifications(context.Background(), "alice", 0, 10)
	require.Len(t, newNs, 1)
	require.Empty(t, aliceNs)
}

func TestRouter_UnrelatedActivityKindIsNoOp(t *testing.T) {
	st := openTestStore(t)
	seedProjectAndRun(t, st, "p1", "r1", "creator")
	r := newRouter(st)

	r.ObserveActivity(context.Background(), &contracts.Activity{
		ProjectID: "p1", Kind: "run_created", RefType: "run", RefID: "r1",
		ActorID: "creator", CreatedAt: time.Now(),
	})

	ns, _ := st.ListNotifications(context.Background(), "creator", 0, 10)
	require.Empty(t, ns)
}
