package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

// AppendEventTx runs fn inside a single database transaction and commits
// iff fn returns a nil error, matching the BEGIN IMMEDIATE / COMMIT
// envelope the event log's append path needs around its quota check, seq
// assignment, metrics update and cache invalidation.
func (s *SQLStore) AppendEventTx(ctx context.Context, fn func(tx *sql.Tx) (*contracts.Event, error)) (*contracts.Event, error) {
	opts := &sql.TxOptions{}
	if s.dialect == DialectSQLite {
		// modernc.org/sqlite does not expose BEGIN IMMEDIATE through
		// database/sql isolation levels; serialized writers are enforced by
		// the caller holding this transaction for its full duration.
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ev, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit event append: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) GetMaxSeq(ctx context.Context, tx *sql.Tx, runID string) (int64, error) {
	q := s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?`)
	var max int64
	if err := tx.QueryRowContext(ctx, q, runID).Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (s *SQLStore) InsertEvent(ctx context.Context, tx *sql.Tx, e *contracts.Event) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal event payload: %w", err)
	}
	pinsJSON, err := json.Marshal(e.Pins)
	if err != nil {
		return fmt.Errorf("store: marshal event pins: %w", err)
	}
	q := s.rebind(`INSERT INTO events (
		event_id, run_id, thread_id, project_id, seq, ts, kind, payload_json,
		parent_event_id, correlation_id, actor, redact_level, contains_secrets, pins_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, q,
		e.EventID, e.RunID, e.ThreadID, e.ProjectID, e.Seq, e.Ts.UTC().Format(timeLayout), e.Kind, string(payloadJSON),
		e.ParentEventID, e.CorrelationID, string(e.Actor), e.Privacy.RedactLevel, boolToInt(e.Privacy.ContainsSecrets), string(pinsJSON),
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int, kinds []string, errorsOnly bool) ([]*contracts.Event, error) {
	var sb strings.Builder
	args := []any{runID, afterSeq}
	sb.WriteString(`SELECT event_id, run_id, thread_id, project_id, seq, ts, kind, payload_json, parent_event_id, correlation_id, actor, redact_level, contains_secrets, pins_json
		FROM events WHERE run_id = ? AND seq > ?`)

	if errorsOnly {
		placeholders := make([]string, len(errorsOnlyKinds))
		for i, k := range errorsOnlyKinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		sb.WriteString(" AND kind IN (" + strings.Join(placeholders, ",") + ")")
	} else if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		sb.WriteString(" AND kind IN (" + strings.Join(placeholders, ",") + ")")
	}
	sb.WriteString(" ORDER BY seq ASC")
	if limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// errorsOnlyKinds mirrors the original run's errors_only filter: tool
// failures, bare system error events, and failed workflow nodes.
var errorsOnlyKinds = []string{"tool_error", "system_event", "workflow_node_failed"}

func (s *SQLStore) GetEvent(ctx context.Context, runID, eventID string) (*contracts.Event, error) {
	q := s.rebind(`SELECT event_id, run_id, thread_id, project_id, seq, ts, kind, payload_json, parent_event_id, correlation_id, actor, redact_level, contains_secrets, pins_json
		FROM events WHERE run_id = ? AND event_id = ?`)
	row := s.db.QueryRowContext(ctx, q, runID, eventID)
	e, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, contracts.NewError(contracts.ErrEventNotFound, "event not found")
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows *sql.Rows) (*contracts.Event, error) { return scanEventRow(rows) }

func scanEventRow(row rowScanner) (*contracts.Event, error) {
	var e contracts.Event
	var ts, payloadJSON, pinsJSON, actor string
	var containsSecrets int
	if err := row.Scan(&e.EventID, &e.RunID, &e.ThreadID, &e.ProjectID, &e.Seq, &ts, &e.Kind, &payloadJSON,
		&e.ParentEventID, &e.CorrelationID, &actor, &e.Privacy.RedactLevel, &containsSecrets, &pinsJSON); err != nil {
		return nil, err
	}
	e.Ts, _ = time.Parse(timeLayout, ts)
	e.Actor = contracts.Actor(actor)
	e.Privacy.ContainsSecrets = containsSecrets != 0
	_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
	_ = json.Unmarshal([]byte(pinsJSON), &e.Pins)
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
