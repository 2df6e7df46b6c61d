// Package approval implements ApprovalLedger: the human-in-the-loop gate
// PolicyEngine's approval_required verdict defers to. An approval is
// always scoped to the correlation that requested it; approving it does
// not retroactively unblock earlier calls, but PolicyEngine's
// FindApprovedApproval makes an approved decision unblock every later
// call to the same (run_id, tool_id, tool_version).
package approval

import (
	"context"

	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// EventAppender is the narrow eventlog.Log surface ApprovalLedger needs,
// kept narrow to avoid importing the whole eventlog package's write path
// for what is a single Append call.
type EventAppender interface {
	Append(ctx context.Context, intent contracts.EventIntent) (*contracts.Event, error)
}

type Ledger struct {
	Store store.Store
	Clock clock.Clock
	Log   EventAppender
}

func New(st store.Store, clk clock.Clock, log EventAppender) *Ledger {
	return &Ledger{Store: st, Clock: clk, Log: log}
}

// RequestApproval creates a pending Approval for the given correlation, or
// returns the existing one if a pending Approval already covers it — the
// request is idempotent per (run_id, correlation_id).
func (l *Ledger) RequestApproval(ctx context.Context, runID, correlationID, toolCallEventID, toolID, toolVersion string, inputs map[string]any) (*contracts.Approval, error) {
	existing, err := l.Store.GetPendingApprovalForCorrelation(ctx, runID, correlationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	a := &contracts.Approval{
		ApprovalID:      l.Clock.NewID(),
		RunID:           runID,
		CorrelationID:   correlationID,
		ToolID:          toolID,
		ToolVersion:     toolVersion,
		Inputs:          inputs,
		Status:          contracts.ApprovalPending,
		ToolCallEventID: toolCallEventID,
		CreatedAt:       l.Clock.Now(),
	}
	if err := l.Store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Decide transitions a pending Approval to approved or denied. A denied
// decision emits system_event{approval_decided, denied} followed by
// tool_error{APPROVAL_DENIED, correlation_id}, per spec.md's ApprovalLedger
// contract; an approved decision emits nothing here — ToolExecutor resumes
// the call itself, with PolicyEngine rule 2 now satisfied.
func (l *Ledger) Decide(ctx context.Context, approvalID string, status contracts.ApprovalStatus, actor string) (*contracts.Approval, error) {
	a, err := l.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != contracts.ApprovalPending {
		return a, contracts.NewError(contracts.ErrApprovalDenied, "approval is not pending: "+string(a.Status))
	}

	decidedAt := l.Clock.Now()
	if err := l.Store.DecideApproval(ctx, approvalID, status, decidedAt); err != nil {
		return nil, err
	}
	a.Status = status
	a.DecidedAt = &decidedAt

	if status == contracts.ApprovalDenied {
		if _, err := l.Log.Append(ctx, contracts.EventIntent{
			RunID: a.RunID, Kind: "system_event", Actor: contracts.ActorSystem,
			CorrelationID: a.CorrelationID,
			Payload:       map[string]any{"event": "approval_decided", "decision": "denied", "approval_id": a.ApprovalID, "decided_by": actor},
		}); err != nil {
			return a, err
		}
		if _, err := l.Log.Append(ctx, contracts.EventIntent{
			RunID: a.RunID, Kind: "tool_error", Actor: contracts.ActorSystem,
			CorrelationID: a.CorrelationID, ParentEventID: a.ToolCallEventID,
			Payload: map[string]any{"code": "APPROVAL_DENIED", "correlation_id": a.CorrelationID, "tool_id": a.ToolID, "tool_version": a.ToolVersion},
		}); err != nil {
			return a, err
		}
	}

	return a, nil
}

func (l *Ledger) Get(ctx context.Context, approvalID string) (*contracts.Approval, error) {
	return l.Store.GetApproval(ctx, approvalID)
}
