package store

import "context"

// migrate creates every table this module needs if it does not already
// exist. Column types are kept to TEXT/INTEGER/REAL/BLOB so the same DDL runs
// unmodified against sqlite and Postgres.
func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			project_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			project_id TEXT,
			owner_user_id TEXT,
			title TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_by_user_id TEXT NOT NULL,
			pins_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_metrics (
			run_id TEXT PRIMARY KEY,
			event_count INTEGER NOT NULL DEFAULT 0,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			tool_errors INTEGER NOT NULL DEFAULT 0,
			artifacts_count INTEGER NOT NULL DEFAULT 0,
			bytes_in INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			parent_event_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL,
			redact_level TEXT NOT NULL DEFAULT '',
			contains_secrets INTEGER NOT NULL DEFAULT 0,
			pins_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(run_id, correlation_id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			media_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			storage_ref TEXT NOT NULL,
			created_by TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_links (
			run_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			source_event_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			tool_id TEXT NOT NULL DEFAULT '',
			tool_version TEXT NOT NULL DEFAULT '',
			purpose TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, event_id, artifact_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifact_links_run ON artifact_links(run_id)`,
		`CREATE TABLE IF NOT EXISTS research_sources (
			source_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			uri TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			fetched_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_research_sources_run ON research_sources(run_id)`,
		`CREATE TABLE IF NOT EXISTS research_source_links (
			run_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, source_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_correlations (
			run_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			tool_call_event_id TEXT,
			tool_outcome_event_id TEXT,
			PRIMARY KEY (run_id, correlation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_manifests (
			tool_id TEXT NOT NULL,
			version TEXT NOT NULL,
			inputs_schema_json TEXT NOT NULL,
			outputs_schema_json TEXT NOT NULL,
			binding_type TEXT NOT NULL,
			binding_entrypoint TEXT NOT NULL,
			scopes_required_json TEXT NOT NULL DEFAULT '[]',
			external_write INTEGER NOT NULL DEFAULT 0,
			network_egress INTEGER NOT NULL DEFAULT 0,
			policy_rule TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tool_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS scope_grants (
			project_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			granted_by TEXT NOT NULL,
			granted_at TEXT NOT NULL,
			PRIMARY KEY (project_id, scope)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			tool_id TEXT NOT NULL,
			tool_version TEXT NOT NULL,
			inputs_json TEXT NOT NULL,
			status TEXT NOT NULL,
			tool_call_event_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			decided_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run_correlation ON approvals(run_id, correlation_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			composite_key TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			key TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			headers_json TEXT NOT NULL,
			stored_response BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provenance_cache (
			run_id TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL,
			graph_blob BLOB NOT NULL,
			computed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notification_state (
			user_id TEXT PRIMARY KEY,
			last_seen_notification_seq INTEGER NOT NULL DEFAULT 0,
			last_notification_seq INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			notification_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			notification_seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			read_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_user_seq ON notifications(user_id, notification_seq)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS activity (
			project_id TEXT NOT NULL,
			activity_seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			ref_type TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (project_id, activity_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gauges (
			name TEXT PRIMARY KEY,
			value REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
