package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

func (s *SQLStore) GetIdempotency(ctx context.Context, compositeKey string) (*contracts.IdempotencyRecord, error) {
	q := s.rebind(`SELECT composite_key, user_id, endpoint, key, status_code, headers_json, stored_response, created_at FROM idempotency_records WHERE composite_key = ?`)
	row := s.db.QueryRowContext(ctx, q, compositeKey)
	var r contracts.IdempotencyRecord
	var headersJSON, created string
	if err := row.Scan(&r.CompositeKey, &r.UserID, &r.Endpoint, &r.Key, &r.StatusCode, &headersJSON, &r.StoredResponse, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(headersJSON), &r.Headers)
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	return &r, nil
}

func (s *SQLStore) PutIdempotency(ctx context.Context, r *contracts.IdempotencyRecord) error {
	headersJSON, err := json.Marshal(r.Headers)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO idempotency_records (composite_key, user_id, endpoint, key, status_code, headers_json, stored_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if s.dialect == DialectPostgres {
		q += ` ON CONFLICT (composite_key) DO NOTHING`
		_, err = s.db.ExecContext(ctx, s.rebind(q), r.CompositeKey, r.UserID, r.Endpoint, r.Key, r.StatusCode, string(headersJSON), r.StoredResponse, r.CreatedAt.UTC().Format(timeLayout))
		return err
	}
	q = `INSERT OR IGNORE INTO idempotency_records (composite_key, user_id, endpoint, key, status_code, headers_json, stored_response, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q, r.CompositeKey, r.UserID, r.Endpoint, r.Key, r.StatusCode, string(headersJSON), r.StoredResponse, r.CreatedAt.UTC().Format(timeLayout))
	return err
}
