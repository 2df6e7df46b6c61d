package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

const timeLayout = time.RFC3339Nano

func (s *SQLStore) CreateProject(ctx context.Context, p *contracts.Project) error {
	q := s.rebind(`INSERT INTO projects (project_id, name, created_at) VALUES (?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, p.ProjectID, p.Name, p.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (s *SQLStore) GetProject(ctx context.Context, projectID string) (*contracts.Project, error) {
	q := s.rebind(`SELECT project_id, name, created_at FROM projects WHERE project_id = ?`)
	row := s.db.QueryRowContext(ctx, q, projectID)
	var p contracts.Project
	var created string
	if err := row.Scan(&p.ProjectID, &p.Name, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.NewError(contracts.ErrRunNotFound, "project not found")
		}
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(timeLayout, created)
	return &p, nil
}

func (s *SQLStore) CreateThread(ctx context.Context, t *contracts.Thread) error {
	q := s.rebind(`INSERT INTO threads (thread_id, project_id, owner_user_id, title) VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, t.ThreadID, nullableStr(t.ProjectID), nullableStr(t.OwnerUserID), t.Title)
	return err
}

func (s *SQLStore) GetThread(ctx context.Context, threadID string) (*contracts.Thread, error) {
	q := s.rebind(`SELECT thread_id, project_id, owner_user_id, title FROM threads WHERE thread_id = ?`)
	row := s.db.QueryRowContext(ctx, q, threadID)
	var t contracts.Thread
	var project, owner sql.NullString
	if err := row.Scan(&t.ThreadID, &project, &owner, &t.Title); err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.NewError(contracts.ErrRunNotFound, "thread not found")
		}
		return nil, err
	}
	if project.Valid {
		t.ProjectID = &project.String
	}
	if owner.Valid {
		t.OwnerUserID = &owner.String
	}
	return &t, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, r *contracts.Run) error {
	pinsJSON, err := json.Marshal(r.Pins)
	if err != nil {
		return fmt.Errorf("store: marshal pins: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := s.rebind(`INSERT INTO runs (run_id, thread_id, status, created_by_user_id, pins_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, q, r.RunID, r.ThreadID, string(r.Status), r.CreatedByUser, string(pinsJSON), r.CreatedAt.UTC().Format(timeLayout)); err != nil {
		return err
	}
	mq := s.rebind(`INSERT INTO run_metrics (run_id, created_at) VALUES (?, ?)`)
	if _, err := tx.ExecContext(ctx, mq, r.RunID, r.CreatedAt.UTC().Format(timeLayout)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*contracts.Run, error) {
	q := s.rebind(`SELECT run_id, thread_id, status, created_by_user_id, pins_json, created_at FROM runs WHERE run_id = ?`)
	row := s.db.QueryRowContext(ctx, q, runID)
	var r contracts.Run
	var status, pinsJSON, created string
	if err := row.Scan(&r.RunID, &r.ThreadID, &status, &r.CreatedByUser, &pinsJSON, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.NewError(contracts.ErrRunNotFound, "run not found")
		}
		return nil, err
	}
	r.Status = contracts.RunStatus(status)
	_ = json.Unmarshal([]byte(pinsJSON), &r.Pins)
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	return &r, nil
}

func (s *SQLStore) UpdateRunStatus(ctx context.Context, runID string, status contracts.RunStatus) error {
	q := s.rebind(`UPDATE runs SET status = ? WHERE run_id = ?`)
	res, err := s.db.ExecContext(ctx, q, string(status), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.NewError(contracts.ErrRunNotFound, "run not found")
	}
	return nil
}

func (s *SQLStore) GetRunMetrics(ctx context.Context, runID string) (*contracts.RunMetrics, error) {
	q := s.rebind(`SELECT run_id, event_count, tool_calls, tool_errors, artifacts_count, bytes_in, bytes_out, created_at, completed_at, duration_ms FROM run_metrics WHERE run_id = ?`)
	row := s.db.QueryRowContext(ctx, q, runID)
	var m contracts.RunMetrics
	var created string
	var completed sql.NullString
	var duration sql.NullInt64
	if err := row.Scan(&m.RunID, &m.EventCount, &m.ToolCalls, &m.ToolErrors, &m.ArtifactsCount, &m.BytesIn, &m.BytesOut, &created, &completed, &duration); err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.NewError(contracts.ErrRunNotFound, "run metrics not found")
		}
		return nil, err
	}
	m.CreatedAt, _ = time.Parse(timeLayout, created)
	if completed.Valid {
		t, _ := time.Parse(timeLayout, completed.String)
		m.CompletedAt = &t
	}
	if duration.Valid {
		m.DurationMS = &duration.Int64
	}
	return &m, nil
}

// GetRunMetricsTx reads a run's current aggregates inside an already-open
// transaction, so EventLog's quota check and its seq assignment observe the
// same snapshot.
func (s *SQLStore) GetRunMetricsTx(ctx context.Context, tx *sql.Tx, runID string) (*contracts.RunMetrics, error) {
	q := s.rebind(`SELECT run_id, event_count, tool_calls, tool_errors, artifacts_count, bytes_in, bytes_out, created_at, completed_at, duration_ms FROM run_metrics WHERE run_id = ?`)
	row := tx.QueryRowContext(ctx, q, runID)
	var m contracts.RunMetrics
	var created string
	var completed sql.NullString
	var duration sql.NullInt64
	if err := row.Scan(&m.RunID, &m.EventCount, &m.ToolCalls, &m.ToolErrors, &m.ArtifactsCount, &m.BytesIn, &m.BytesOut, &created, &completed, &duration); err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.NewError(contracts.ErrRunNotFound, "run metrics not found")
		}
		return nil, err
	}
	m.CreatedAt, _ = time.Parse(timeLayout, created)
	if completed.Valid {
		t, _ := time.Parse(timeLayout, completed.String)
		m.CompletedAt = &t
	}
	if duration.Valid {
		m.DurationMS = &duration.Int64
	}
	return &m, nil
}

// UpdateRunAggregatesTx folds one event's contribution into the run's
// running totals.
func (s *SQLStore) UpdateRunAggregatesTx(ctx context.Context, tx *sql.Tx, runID string, toolCallDelta, toolErrorDelta, artifactDelta int, bytesInDelta, bytesOutDelta int64) error {
	q := s.rebind(`UPDATE run_metrics SET
		event_count = event_count + 1,
		tool_calls = tool_calls + ?,
		tool_errors = tool_errors + ?,
		artifacts_count = artifacts_count + ?,
		bytes_in = bytes_in + ?,
		bytes_out = bytes_out + ?
		WHERE run_id = ?`)
	_, err := tx.ExecContext(ctx, q, toolCallDelta, toolErrorDelta, artifactDelta, bytesInDelta, bytesOutDelta, runID)
	return err
}

// CompleteRunMetricsTx idempotently stamps completed_at/duration_ms the
// first time a run-terminal event lands; later terminal events are no-ops
// because of the completed_at IS NULL guard.
func (s *SQLStore) CompleteRunMetricsTx(ctx context.Context, tx *sql.Tx, runID string, completedAt time.Time) error {
	completedStr := completedAt.UTC().Format(timeLayout)
	if s.dialect == DialectPostgres {
		q := `UPDATE run_metrics SET completed_at = $1, duration_ms = CAST(EXTRACT(EPOCH FROM ($1::timestamptz - created_at::timestamptz)) * 1000 AS BIGINT)
			WHERE run_id = $2 AND completed_at IS NULL`
		_, err := tx.ExecContext(ctx, q, completedStr, runID)
		return err
	}
	q := `UPDATE run_metrics SET completed_at = ?, duration_ms = CAST((JULIANDAY(?) - JULIANDAY(created_at)) * 86400000 AS INTEGER)
		WHERE run_id = ? AND completed_at IS NULL`
	_, err := tx.ExecContext(ctx, q, completedStr, completedStr, runID)
	return err
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
