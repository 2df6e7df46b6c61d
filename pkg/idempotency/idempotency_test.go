package idempotency

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

func TestCache_MissThenHit(t *testing.T) {
	ctx := context.Background()
	c := New(openTestStore(t))

	r, err := c.Lookup(ctx, "u1", "/runs", "key1")
	require.NoError(t, err)
	require.Nil(t, r)
	require.Equal(t, int64(0), c.Hits())

	require.NoError(t, c.Store(ctx, &contracts.IdempotencyRecord{
		UserID: "u1", Endpoint: "/runs", Key: "key1", StatusCode: 201, StoredResponse: []byte(`{"run_id":"r1"}`), CreatedAt: time.Now(),
	}))
	require.Equal(t, int64(1), c.Stores())

	r, err = c.Lookup(ctx, "u1", "/runs", "key1")
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, 201, r.StatusCode)
	require.Equal(t, int64(1), c.Hits())
}

func TestCache_DistinctUsersDoNotCollide(t *testing.T) {
	ctx := context.Background()
	c := New(openTestStore(t))
	require.NoError(t, c.Store(ctx, &contracts.IdempotencyRecord{UserID: "u1", Endpoint: "/runs", Key: "k", StatusCode: 200, CreatedAt: time.Now()}))

	r, err := c.Lookup(ctx, "u2", "/runs", "k")
	require.NoError(t, err)
	require.Nil(t, r)
}
