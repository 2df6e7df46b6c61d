package store

import (
	"context"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

func (s *SQLStore) PutResearchSource(ctx context.Context, src *contracts.ResearchSource) error {
	q := s.rebind(`INSERT INTO research_sources (source_id, run_id, uri, title, fetched_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, src.SourceID, src.RunID, src.URI, src.Title, src.FetchedBy, src.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (s *SQLStore) ListResearchSources(ctx context.Context, runID string) ([]*contracts.ResearchSource, error) {
	q := s.rebind(`SELECT source_id, run_id, uri, title, fetched_by, created_at FROM research_sources WHERE run_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ResearchSource
	for rows.Next() {
		var src contracts.ResearchSource
		var created string
		if err := rows.Scan(&src.SourceID, &src.RunID, &src.URI, &src.Title, &src.FetchedBy, &created); err != nil {
			return nil, err
		}
		src.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, &src)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutResearchSourceLink(ctx context.Context, l *contracts.ResearchSourceLink) error {
	q := s.rebind(`INSERT INTO research_source_links (run_id, source_id, event_id, correlation_id) VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, l.RunID, l.SourceID, l.EventID, l.CorrelationID)
	return err
}

func (s *SQLStore) ListResearchSourceLinks(ctx context.Context, runID string) ([]*contracts.ResearchSourceLink, error) {
	q := s.rebind(`SELECT run_id, source_id, event_id, correlation_id FROM research_source_links WHERE run_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ResearchSourceLink
	for rows.Next() {
		var l contracts.ResearchSourceLink
		if err := rows.Scan(&l.RunID, &l.SourceID, &l.EventID, &l.CorrelationID); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
