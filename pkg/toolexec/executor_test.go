package toolexec

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/substrate/pkg/approval"
	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/eventlog"
	"github.com/mindburn-labs/substrate/pkg/manifest"
	"github.com/mindburn-labs/substrate/pkg/policy"
	"github.com/mindburn-labs/substrate/pkg/quota"
	"github.com/mindburn-labs/substrate/pkg/runtime/sandbox"
	"github.com/mindburn-labs/substrate/pkg/store"
)

func newTestExecutor(t *testing.T) (*Executor, *store.SQLStore) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.Open(context.Background(), db, store.DialectSQLite)
	require.NoError(t, err)

	clk := &clock.Fixed{Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Step: time.Second}
	guard := quota.NewGuard(quota.Policy{MaxEventsPerRun: 1000, MaxBytesPerRun: 1 << 20}, nil)
	log := eventlog.New(st, guard, nil, clk, nil, nil)
	reg := manifest.NewRegistry(st)
	schema := manifest.NewSchemaValidator()
	pol, err := policy.New(st, false)
	require.NoError(t, err)
	disp := sandbox.NewDispatcher(nil, t.TempDir())
	led := approval.New(st, clk, log)

	return &Executor{
		Store: st, Manifests: reg, Schema: schema, Policy: pol,
		Log: log, Dispatcher: disp, Approvals: led, Clock: clk,
	}, st
}

func seedRun(t *testing.T, st *store.SQLStore, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: "p1", Name: "proj", CreatedAt: time.Now()}))
	projID := "p1"
	require.NoError(t, st.CreateThread(ctx, &contracts.Thread{ThreadID: "t1", ProjectID: &projID, Title: "thread"}))
	require.NoError(t, st.CreateRun(ctx, &contracts.Run{RunID: runID, ThreadID: "t1", Status: contracts.RunRunning, CreatedByUser: "u1", CreatedAt: time.Now()}))
}

func TestExecutor_InProcAllowedCompletes(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(t)
	seedRun(t, st, "run1")

	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{
		ToolID: "fs.write", Version: "1.0.0",
		Binding: contracts.ToolBinding{Type: contracts.BindingInProcSafe, Entrypoint: "fs.write"},
	}))

	out, err := exec.Invoke(ctx, Request{
		RunID: "run1", ToolID: "fs.write", Actor: contracts.ActorAssistant,
		Inputs: map[string]any{"path": "a.txt", "content": "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, "completed", out.State)
	require.Equal(t, "tool_result", out.Event.Kind)
}

func TestExecutor_MissingScopeDenies(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(t)
	seedRun(t, st, "run1")

	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{
		ToolID: "web.fetch", Version: "1.0.0",
		Risk:    contracts.ToolRisk{ScopesRequired: []string{"read_web"}},
		Binding: contracts.ToolBinding{Type: contracts.BindingInProcSafe, Entrypoint: "fs.read"},
	}))

	out, err := exec.Invoke(ctx, Request{RunID: "run1", ToolID: "web.fetch", Actor: contracts.ActorAssistant, Inputs: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, "denied", out.State)
	require.Equal(t, "tool_error", out.Event.Kind)
	require.Equal(t, "POLICY_DENIED", out.Event.Payload["code"])
}

func TestExecutor_ExternalWriteWaitsForApprovalThenResumes(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(t)
	seedRun(t, st, "run1")
	require.NoError(t, st.GrantScope(ctx, &contracts.ScopeGrant{ProjectID: "p1", Scope: "write_files", GrantedBy: "u1", GrantedAt: time.Now()}))

	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{
		ToolID: "fs.write", Version: "1.0.0",
		Risk:    contracts.ToolRisk{ScopesRequired: []string{"write_files"}, ExternalWrite: true},
		Binding: contracts.ToolBinding{Type: contracts.BindingInProcSafe, Entrypoint: "fs.write"},
	}))

	req := Request{RunID: "run1", ToolID: "fs.write", Actor: contracts.ActorAssistant, Inputs: map[string]any{"path": "a.txt", "content": "x"}}
	out, err := exec.Invoke(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "waiting_approval", out.State)
	require.NotNil(t, out.Approval)

	decided, err := exec.Approvals.Decide(ctx, out.Approval.ApprovalID, contracts.ApprovalApproved, "admin")
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalApproved, decided.Status)

	resumed, err := exec.Resume(ctx, req, out.CorrelationID, decided.ToolCallEventID)
	require.NoError(t, err)
	require.Equal(t, "completed", resumed.State)
}

func TestExecutor_PinnedVersionMissing(t *testing.T) {
	ctx := context.Background()
	exec, st := newTestExecutor(t)
	projID := "p1"
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: projID, Name: "proj", CreatedAt: time.Now()}))
	require.NoError(t, st.CreateThread(ctx, &contracts.Thread{ThreadID: "t1", ProjectID: &projID, Title: "thread"}))
	require.NoError(t, st.CreateRun(ctx, &contracts.Run{
		RunID: "run1", ThreadID: "t1", Status: contracts.RunRunning, CreatedByUser: "u1", CreatedAt: time.Now(),
		Pins: contracts.Pins{ToolVersions: map[string]string{"fs.read": "9.9.9"}},
	}))
	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{ToolID: "fs.read", Version: "2.0.0"}))

	_, err := exec.Invoke(ctx, Request{RunID: "run1", ToolID: "fs.read", Actor: contracts.ActorAssistant, Inputs: map[string]any{}})
	require.Error(t, err)
	kind, ok := contracts.KindOf(err)
	require.True(t, ok)
	require.Equal(t, contracts.ErrPinnedVersionMissing, kind)
}
