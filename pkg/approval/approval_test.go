package approval

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

type recordingAppender struct {
	intents []contracts.EventIntent
}

func (r *recordingAppender) Append(ctx context.Context, intent contracts.EventIntent) (*contracts.Event, error) {
	r.intents = append(r.intents, intent)
	return &contracts.Event{EventID: "ev-" + intent.Kind, RunID: intent.RunID, Kind: intent.Kind, Payload: intent.Payload, CorrelationID: intent.CorrelationID}, nil
}

func openTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.Open(context.Background(), db, store.DialectSQLite)
	require.NoError(t, err)
	return st
}

func TestRequestApproval_IdempotentPerCorrelation(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	clk := clock.System{}
	led := New(st, clk, &recordingAppender{})

	a1, err := led.RequestApproval(ctx, "run1", "corr1", "ev1", "fs.write", "1.0.0", map[string]any{"path": "a.txt"})
	require.NoError(t, err)

	a2, err := led.RequestApproval(ctx, "run1", "corr1", "ev1", "fs.write", "1.0.0", map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	require.Equal(t, a1.ApprovalID, a2.ApprovalID)
}

func TestDecide_Approved(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	clk := clock.System{}
	appender := &recordingAppender{}
	led := New(st, clk, appender)

	a, err := led.RequestApproval(ctx, "run1", "corr1", "ev1", "fs.write", "1.0.0", nil)
	require.NoError(t, err)

	decided, err := led.Decide(ctx, a.ApprovalID, contracts.ApprovalApproved, "user1")
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalApproved, decided.Status)
	require.Empty(t, appender.intents)
}

func TestDecide_Denied_EmitsEvents(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	clk := clock.System{}
	appender := &recordingAppender{}
	led := New(st, clk, appender)

	a, err := led.RequestApproval(ctx, "run1", "corr1", "ev1", "fs.write", "1.0.0", nil)
	require.NoError(t, err)

	decided, err := led.Decide(ctx, a.ApprovalID, contracts.ApprovalDenied, "user1")
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalDenied, decided.Status)
	require.Len(t, appender.intents, 2)
	require.Equal(t, "system_event", appender.intents[0].Kind)
	require.Equal(t, "tool_error", appender.intents[1].Kind)
	require.Equal(t, "APPROVAL_DENIED", appender.intents[1].Payload["code"])
}

func TestDecide_AlreadyDecidedErrors(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	clk := clock.System{}
	led := New(st, clk, &recordingAppender{})

	a, err := led.RequestApproval(ctx, "run1", "corr1", "ev1", "fs.write", "1.0.0", nil)
	require.NoError(t, err)
	_, err = led.Decide(ctx, a.ApprovalID, contracts.ApprovalApproved, "user1")
	require.NoError(t, err)

	_, err = led.Decide(ctx, a.ApprovalID, contracts.ApprovalDenied, "user1")
	require.Error(t, err)
}
