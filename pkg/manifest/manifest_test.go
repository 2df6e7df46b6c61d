package manifest

import (
	"context"
	"database/sql"
	"testing"

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

func TestRegistry_Resolve_ExplicitVersion(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{ToolID: "fs.read", Version: "1.2.0"}))

	reg := NewRegistry(st)
	m, err := reg.Resolve(ctx, "fs.read", "1.2.0", contracts.Pins{})
	require.NoError(t, err)
	require.Equal(t, "1.2.0", m.Version)
}

func TestRegistry_Resolve_PinUsedWhenNoExplicitVersion(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{ToolID: "fs.read", Version: "1.0.0"}))
	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{ToolID: "fs.read", Version: "2.0.0"}))

	reg := NewRegistry(st)
	m, err := reg.Resolve(ctx, "fs.read", "", contracts.Pins{ToolVersions: map[string]string{"fs.read": "1.0.0"}})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", m.Version)
}

func TestRegistry_Resolve_PinnedVersionMissing(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{ToolID: "fs.read", Version: "2.0.0"}))

	reg := NewRegistry(st)
	_, err := reg.Resolve(ctx, "fs.read", "", contracts.Pins{ToolVersions: map[string]string{"fs.read": "9.9.9"}})
	require.Error(t, err)
	kind, ok := contracts.KindOf(err)
	require.True(t, ok)
	require.Equal(t, contracts.ErrPinnedVersionMissing, kind)
}

func TestRegistry_Resolve_LatestWhenNoPin(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{ToolID: "fs.read", Version: "1.0.0"}))
	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{ToolID: "fs.read", Version: "1.10.0"}))
	require.NoError(t, st.PutToolManifest(ctx, &contracts.ToolManifest{ToolID: "fs.read", Version: "1.2.0"}))

	reg := NewRegistry(st)
	m, err := reg.Resolve(ctx, "fs.read", "", contracts.Pins{})
	require.NoError(t, err)
	require.Equal(t, "1.10.0", m.Version)
}

func TestRegistry_Resolve_NoInstalledVersions(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	reg := NewRegistry(st)
	_, err := reg.Resolve(ctx, "fs.read", "", contracts.Pins{})
	require.Error(t, err)
	kind, ok := contracts.KindOf(err)
	require.True(t, ok)
	require.Equal(t, contracts.ErrToolNotFound, kind)
}

func TestSchemaValidator_ValidateInputs(t *testing.T) {
	v := NewSchemaValidator()
	m := &contracts.ToolManifest{
		ToolID: "fs.read", Version: "1.0.0",
		InputsSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}

	require.NoError(t, v.ValidateInputs(m, map[string]any{"path": "/workspace/a.txt"}))

	err := v.ValidateInputs(m, map[string]any{})
	require.Error(t, err)
	kind, ok := contracts.KindOf(err)
	require.True(t, ok)
	require.Equal(t, contracts.ErrSchemaViolation, kind)
}

func TestSchemaValidator_ValidateOutputs(t *testing.T) {
	v := NewSchemaValidator()
	m := &contracts.ToolManifest{
		ToolID: "fs.read", Version: "1.0.0",
		OutputsSchema: map[string]any{
			"type":     "object",
			"required": []any{"content"},
			"properties": map[string]any{
				"content": map[string]any{"type": "string"},
			},
		},
	}

	require.NoError(t, v.ValidateOutputs(m, map[string]any{"content": "hello"}))

	err := v.ValidateOutputs(m, map[string]any{"content": 42})
	require.Error(t, err)
	kind, ok := contracts.KindOf(err)
	require.True(t, ok)
	require.Equal(t, contracts.ErrSchemaViolation, kind)
}

func TestSchemaValidator_NoSchemaIsPermissive(t *testing.T) {
	v := NewSchemaValidator()
	m := &contracts.ToolManifest{ToolID: "fs.read", Version: "1.0.0"}
	require.NoError(t, v.ValidateInputs(m, map[string]any{"anything": true}))
	require.NoError(t, v.ValidateOutputs(m, nil))
}
