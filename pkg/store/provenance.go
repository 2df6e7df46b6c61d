package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

func (s *SQLStore) GetProvenanceCache(ctx context.Context, runID string) (*contracts.ProvenanceCacheRow, error) {
	q := s.rebind(`SELECT run_id, last_seq, graph_blob, computed_at FROM provenance_cache WHERE run_id = ?`)
	row := s.db.QueryRowContext(ctx, q, runID)
	var c contracts.ProvenanceCacheRow
	var computed string
	if err := row.Scan(&c.RunID, &c.LastSeq, &c.GraphBlob, &computed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.ComputedAt, _ = time.Parse(timeLayout, computed)
	return &c, nil
}

func (s *SQLStore) PutProvenanceCache(ctx context.Context, row *contracts.ProvenanceCacheRow) error {
	var q string
	if s.dialect == DialectPostgres {
		q = s.rebind(`INSERT INTO provenance_cache (run_id, last_seq, graph_blob, computed_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (run_id) DO UPDATE SET last_seq = EXCLUDED.last_seq, graph_blob = EXCLUDED.graph_blob, computed_at = EXCLUDED.computed_at`)
	} else {
		q = `INSERT OR REPLACE INTO provenance_cache (run_id, last_seq, graph_blob, computed_at) VALUES (?, ?, ?, ?)`
	}
	_, err := s.db.ExecContext(ctx, q, row.RunID, row.LastSeq, row.GraphBlob, row.ComputedAt.UTC().Format(timeLayout))
	return err
}

// InvalidateProvenanceCache deletes the cached graph for a run as part of
// the same transaction that appended a provenance-affecting event, so a
// concurrent reader never observes a stale hit past the write it should see.
func (s *SQLStore) InvalidateProvenanceCache(ctx context.Context, tx *sql.Tx, runID string) error {
	q := s.rebind(`DELETE FROM provenance_cache WHERE run_id = ?`)
	_, err := tx.ExecContext(ctx, q, runID)
	return err
}
