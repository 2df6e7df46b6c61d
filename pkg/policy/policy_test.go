package policy

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/require"

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

func TestEvaluate_MissingScopeDenies(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: "p1", Name: "proj", CreatedAt: time.Now()}))

	eng, err := New(st, false)
	require.NoError(t, err)

	manifest := &contracts.ToolManifest{
		ToolID: "web.fetch", Version: "1.0.0",
		Risk: contracts.ToolRisk{ScopesRequired: []string{"read_web"}},
	}
	v, err := eng.Evaluate(ctx, "p1", manifest, "run1", "corr1", nil)
	require.NoError(t, err)
	require.Equal(t, Deny, v.Decision)
}

func TestEvaluate_ExternalWriteRequiresApproval(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: "p1", Name: "proj", CreatedAt: time.Now()}))
	require.NoError(t, st.GrantScope(ctx, &contracts.ScopeGrant{ProjectID: "p1", Scope: "write_files", GrantedBy: "u1", GrantedAt: time.Now()}))

	eng, err := New(st, false)
	require.NoError(t, err)

	manifest := &contracts.ToolManifest{
		ToolID: "fs.write", Version: "1.0.0",
		Risk: contracts.ToolRisk{ScopesRequired: []string{"write_files"}, ExternalWrite: true},
	}
	v, err := eng.Evaluate(ctx, "p1", manifest, "run1", "corr1", nil)
	require.NoError(t, err)
	require.Equal(t, ApprovalRequired, v.Decision)

	require.NoError(t, st.CreateApproval(ctx, &contracts.Approval{
		ApprovalID: "a1", RunID: "run1", CorrelationID: "corr1", ToolID: "fs.write", ToolVersion: "1.0.0",
		Status: contracts.ApprovalPending, CreatedAt: time.Now(),
	}))
	decidedAt := time.Now()
	require.NoError(t, st.DecideApproval(ctx, "a1", contracts.ApprovalApproved, decidedAt))

	v, err = eng.Evaluate(ctx, "p1", manifest, "run1", "corr1", nil)
	require.NoError(t, err)
	require.Equal(t, Allow, v.Decision)
}

func TestEvaluate_RemoteMCPWithoutScopeDenies(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: "p1", Name: "proj", CreatedAt: time.Now()}))

	eng, err := New(st, false)
	require.NoError(t, err)

	manifest := &contracts.ToolManifest{
		ToolID: "remote.search", Version: "1.0.0",
		Binding: contracts.ToolBinding{Type: contracts.BindingMCPRemote, Entrypoint: "https://example.com/mcp"},
	}
	v, err := eng.Evaluate(ctx, "p1", manifest, "run1", "corr1", nil)
	require.NoError(t, err)
	require.Equal(t, Deny, v.Decision)
}

func TestEvaluate_RemoteMCPNonLoopbackNeedsAllowRemote(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: "p1", Name: "proj", CreatedAt: time.Now()}))
	require.NoError(t, st.GrantScope(ctx, &contracts.ScopeGrant{ProjectID: "p1", Scope: "mcp_call", GrantedBy: "u1", GrantedAt: time.Now()}))

	eng, err := New(st, false)
	require.NoError(t, err)
	manifest := &contracts.ToolManifest{
		ToolID: "remote.search", Version: "1.0.0",
		Binding: contracts.ToolBinding{Type: contracts.BindingMCPRemote, Entrypoint: "https://example.com/mcp"},
	}
	v, err := eng.Evaluate(ctx, "p1", manifest, "run1", "corr1", nil)
	require.NoError(t, err)
	require.Equal(t, Deny, v.Decision)

	eng2, err := New(st, true)
	require.NoError(t, err)
	v, err = eng2.Evaluate(ctx, "p1", manifest, "run1", "corr1", nil)
	require.NoError(t, err)
	require.Equal(t, Allow, v.Decision)
}

func TestEvaluate_PolicyRuleDenies(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.CreateProject(ctx, &contracts.Project{ProjectID: "p1", Name: "proj", CreatedAt: time.Now()}))

	eng, err := New(st, false)
	require.NoError(t, err)
	manifest := &contracts.ToolManifest{
		ToolID: "fs.read", Version: "1.0.0",
		PolicyRule: `inputs.path.startsWith("/workspace")`,
	}
	v, err := eng.Evaluate(ctx, "p1", manifest, "run1", "corr1", map[string]any{"path": "/etc/passwd"})
	require.NoError(t, err)
	require.Equal(t, Deny, v.Decision)

	v, err = eng.Evaluate(ctx, "p1", manifest, "run1", "corr1", map[string]any{"path": "/workspace/a.txt"})
	require.NoError(t, err)
	require.Equal(t, Allow, v.Decision)
}
