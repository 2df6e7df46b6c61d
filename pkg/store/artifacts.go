package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

func (s *SQLStore) PutArtifact(ctx context.Context, a *contracts.Artifact) error {
	q := s.rebind(`INSERT INTO artifacts (artifact_id, kind, media_type, size, content_hash, storage_ref, created_by, title, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, a.ArtifactID, a.Kind, a.MediaType, a.Size, a.ContentHash, a.StorageRef, a.CreatedBy, a.Title, a.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (s *SQLStore) GetArtifact(ctx context.Context, artifactID string) (*contracts.Artifact, error) {
	q := s.rebind(`SELECT artifact_id, kind, media_type, size, content_hash, storage_ref, created_by, title, created_at FROM artifacts WHERE artifact_id = ?`)
	row := s.db.QueryRowContext(ctx, q, artifactID)
	var a contracts.Artifact
	var created string
	if err := row.Scan(&a.ArtifactID, &a.Kind, &a.MediaType, &a.Size, &a.ContentHash, &a.StorageRef, &a.CreatedBy, &a.Title, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.NewError(contracts.ErrArtifactNotFound, "artifact not found")
		}
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(timeLayout, created)
	return &a, nil
}

func (s *SQLStore) PutArtifactLink(ctx context.Context, tx *sql.Tx, l *contracts.ArtifactLink) error {
	q := s.rebind(`INSERT INTO artifact_links (run_id, event_id, artifact_id, source_event_id, correlation_id, tool_id, tool_version, purpose, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if s.dialect == DialectPostgres {
		q = q + ` ON CONFLICT (run_id, event_id, artifact_id) DO UPDATE SET source_event_id = EXCLUDED.source_event_id, correlation_id = EXCLUDED.correlation_id, tool_id = EXCLUDED.tool_id, tool_version = EXCLUDED.tool_version, purpose = EXCLUDED.purpose`
	} else {
		q = `INSERT OR REPLACE INTO artifact_links (run_id, event_id, artifact_id, source_event_id, correlation_id, tool_id, tool_version, purpose, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}
	_, err := tx.ExecContext(ctx, s.rebind(q), l.RunID, l.EventID, l.ArtifactID, l.SourceEventID, l.CorrelationID, l.ToolID, l.ToolVersion, l.Purpose, l.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (s *SQLStore) ListArtifactLinks(ctx context.Context, runID string) ([]*contracts.ArtifactLink, error) {
	q := s.rebind(`SELECT run_id, event_id, artifact_id, source_event_id, correlation_id, tool_id, tool_version, purpose, created_at FROM artifact_links WHERE run_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ArtifactLink
	for rows.Next() {
		var l contracts.ArtifactLink
		var created string
		if err := rows.Scan(&l.RunID, &l.EventID, &l.ArtifactID, &l.SourceEventID, &l.CorrelationID, &l.ToolID, &l.ToolVersion, &l.Purpose, &created); err != nil {
			return nil, err
		}
		l.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertToolCorrelation(ctx context.Context, tx *sql.Tx, c *contracts.ToolCorrelation) error {
	existing := &contracts.ToolCorrelation{}
	q := s.rebind(`SELECT tool_call_event_id, tool_outcome_event_id FROM tool_correlations WHERE run_id = ? AND correlation_id = ?`)
	row := tx.QueryRowContext(ctx, q, c.RunID, c.CorrelationID)
	var callID, outcomeID sql.NullString
	err := row.Scan(&callID, &outcomeID)
	found := err == nil
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if found {
		if callID.Valid {
			existing.ToolCallEventID = &callID.String
		}
		if outcomeID.Valid {
			existing.ToolOutcomeEventID = &outcomeID.String
		}
		if c.ToolCallEventID != nil {
			existing.ToolCallEventID = c.ToolCallEventID
		}
		if c.ToolOutcomeEventID != nil {
			existing.ToolOutcomeEventID = c.ToolOutcomeEventID
		}
		uq := s.rebind(`UPDATE tool_correlations SET tool_call_event_id = ?, tool_outcome_event_id = ? WHERE run_id = ? AND correlation_id = ?`)
		_, err := tx.ExecContext(ctx, uq, nullableStr(existing.ToolCallEventID), nullableStr(existing.ToolOutcomeEventID), c.RunID, c.CorrelationID)
		return err
	}
	iq := s.rebind(`INSERT INTO tool_correlations (run_id, correlation_id, tool_call_event_id, tool_outcome_event_id) VALUES (?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, iq, c.RunID, c.CorrelationID, nullableStr(c.ToolCallEventID), nullableStr(c.ToolOutcomeEventID))
	return err
}

func (s *SQLStore) ListToolCorrelations(ctx context.Context, runID string) ([]*contracts.ToolCorrelation, error) {
	q := s.rebind(`SELECT run_id, correlation_id, tool_call_event_id, tool_outcome_event_id FROM tool_correlations WHERE run_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ToolCorrelation
	for rows.Next() {
		var c contracts.ToolCorrelation
		var callID, outcomeID sql.NullString
		if err := rows.Scan(&c.RunID, &c.CorrelationID, &callID, &outcomeID); err != nil {
			return nil, err
		}
		if callID.Valid {
			c.ToolCallEventID = &callID.String
		}
		if outcomeID.Valid {
			c.ToolOutcomeEventID = &outcomeID.String
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
