package store

import (
	"context"
	"database/sql"
	"time"
)

// IncrCounter adds delta to the named operational counter (creating it at
// delta if absent), the Store-backed Counter entity spec.md's data model
// names for surfacing health/stats metrics like sse_connections_total.
func (s *SQLStore) IncrCounter(ctx context.Context, name string, delta int64) error {
	now := time.Now().UTC().Format(timeLayout)
	var q string
	if s.dialect == DialectPostgres {
		q = s.rebind(`INSERT INTO counters (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = counters.value + EXCLUDED.value, updated_at = EXCLUDED.updated_at`)
	} else {
		q = `INSERT INTO counters (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, q, name, delta, now)
	return err
}

// GetCounter returns the current value of a counter, 0 if never incremented.
func (s *SQLStore) GetCounter(ctx context.Context, name string) (int64, error) {
	q := s.rebind(`SELECT value FROM counters WHERE name = ?`)
	var v int64
	err := s.db.QueryRowContext(ctx, q, name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// SetGauge overwrites the named gauge's current value, the Store-backed
// Gauge entity used for point-in-time readings like active SSE streams.
func (s *SQLStore) SetGauge(ctx context.Context, name string, value float64) error {
	now := time.Now().UTC().Format(timeLayout)
	var q string
	if s.dialect == DialectPostgres {
		q = s.rebind(`INSERT INTO gauges (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`)
	} else {
		q = `INSERT INTO gauges (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, q, name, value, now)
	return err
}

// IncrGauge adjusts a gauge by delta relative to its current value,
// clamped at 0, used for the active-streams-by-kind gauge which rises and
// falls with connect/disconnect.
func (s *SQLStore) IncrGauge(ctx context.Context, name string, delta float64) error {
	now := time.Now().UTC().Format(timeLayout)
	var q string
	if s.dialect == DialectPostgres {
		q = s.rebind(`INSERT INTO gauges (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = GREATEST(gauges.value + EXCLUDED.value, 0), updated_at = EXCLUDED.updated_at`)
	} else {
		q = `INSERT INTO gauges (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = MAX(value + excluded.value, 0), updated_at = excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, q, name, delta, now)
	return err
}

// GetGauge returns the current value of a gauge, 0 if never set.
func (s *SQLStore) GetGauge(ctx context.Context, name string) (float64, error) {
	q := s.rebind(`SELECT value FROM gauges WHERE name = ?`)
	var v float64
	err := s.db.QueryRowContext(ctx, q, name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}
