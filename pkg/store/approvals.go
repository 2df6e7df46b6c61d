package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

func (s *SQLStore) CreateApproval(ctx context.Context, a *contracts.Approval) error {
	inputsJSON, err := json.Marshal(a.Inputs)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO approvals (approval_id, run_id, correlation_id, tool_id, tool_version, inputs_json, status, tool_call_event_id, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q, a.ApprovalID, a.RunID, a.CorrelationID, a.ToolID, a.ToolVersion, string(inputsJSON), string(a.Status), a.ToolCallEventID, a.CreatedAt.UTC().Format(timeLayout), nullableTime(a.DecidedAt))
	return err
}

func (s *SQLStore) GetApproval(ctx context.Context, approvalID string) (*contracts.Approval, error) {
	q := s.rebind(`SELECT approval_id, run_id, correlation_id, tool_id, tool_version, inputs_json, status, tool_call_event_id, created_at, decided_at FROM approvals WHERE approval_id = ?`)
	row := s.db.QueryRowContext(ctx, q, approvalID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, contracts.NewError(contracts.ErrApprovalNotFound, "approval not found")
	}
	return a, err
}

func (s *SQLStore) GetPendingApprovalForCorrelation(ctx context.Context, runID, correlationID string) (*contracts.Approval, error) {
	q := s.rebind(`SELECT approval_id, run_id, correlation_id, tool_id, tool_version, inputs_json, status, tool_call_event_id, created_at, decided_at
		FROM approvals WHERE run_id = ? AND correlation_id = ? AND status = ?`)
	row := s.db.QueryRowContext(ctx, q, runID, correlationID, string(contracts.ApprovalPending))
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// FindApprovedApproval looks for any Approval already granted for this
// exact (run_id, tool_id, tool_version) triple, independent of
// correlation_id — PolicyEngine rule 2 is scoped to the tool+version, not
// to a single invocation, so an approval obtained for one correlation
// unblocks every later call to the same tool version within the run.
func (s *SQLStore) FindApprovedApproval(ctx context.Context, runID, toolID, toolVersion string) (*contracts.Approval, error) {
	q := s.rebind(`SELECT approval_id, run_id, correlation_id, tool_id, tool_version, inputs_json, status, tool_call_event_id, created_at, decided_at
		FROM approvals WHERE run_id = ? AND tool_id = ? AND tool_version = ? AND status = ?
		ORDER BY decided_at DESC`)
	rows, err := s.db.QueryContext(ctx, q, runID, toolID, toolVersion, string(contracts.ApprovalApproved))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanApproval(rows)
}

func (s *SQLStore) DecideApproval(ctx context.Context, approvalID string, status contracts.ApprovalStatus, decidedAt time.Time) error {
	q := s.rebind(`UPDATE approvals SET status = ?, decided_at = ? WHERE approval_id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, q, string(status), decidedAt.UTC().Format(timeLayout), approvalID, string(contracts.ApprovalPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.NewError(contracts.ErrApprovalNotFound, "approval not pending or not found")
	}
	return nil
}

func scanApproval(row rowScanner) (*contracts.Approval, error) {
	var a contracts.Approval
	var status, inputsJSON, created string
	var decided sql.NullString
	if err := row.Scan(&a.ApprovalID, &a.RunID, &a.CorrelationID, &a.ToolID, &a.ToolVersion, &inputsJSON, &status, &a.ToolCallEventID, &created, &decided); err != nil {
		return nil, err
	}
	a.Status = contracts.ApprovalStatus(status)
	_ = json.Unmarshal([]byte(inputsJSON), &a.Inputs)
	a.CreatedAt, _ = time.Parse(timeLayout, created)
	if decided.Valid {
		t, _ := time.Parse(timeLayout, decided.String)
		a.DecidedAt = &t
	}
	return &a, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
