// Package store is the persistence layer behind every component in this
// module. It ships one implementation, SQLStore, that runs unmodified
// against either modernc.org/sqlite (the default, embedded backend) or
// lib/pq (for deployments that want a real Postgres primary), selected by
// Dialect at construction time. All timestamps are stored as RFC3339Nano
// text and all JSON-valued columns as TEXT, so the same schema and most
// query text work on both drivers; parameter placeholders differ, and the
// upsert and duration statements branch on Dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

// Dialect selects the SQL placeholder style and a handful of DDL quirks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is the single persistence port every component depends on. It is
// intentionally one fat interface rather than per-entity interfaces: every
// concrete backend in this module is a SQLStore, and splitting the
// interface would only add indirection no caller needs.
type Store interface {
	// Projects, threads, runs.
	CreateProject(ctx context.Context, p *contracts.Project) error
	GetProject(ctx context.Context, projectID string) (*contracts.Project, error)
	CreateThread(ctx context.Context, t *contracts.Thread) error
	GetThread(ctx context.Context, threadID string) (*contracts.Thread, error)
	CreateRun(ctx context.Context, r *contracts.Run) error
	GetRun(ctx context.Context, runID string) (*contracts.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status contracts.RunStatus) error
	GetRunMetrics(ctx context.Context, runID string) (*contracts.RunMetrics, error)
	GetRunMetricsTx(ctx context.Context, tx *sql.Tx, runID string) (*contracts.RunMetrics, error)
	UpdateRunAggregatesTx(ctx context.Context, tx *sql.Tx, runID string, toolCallDelta, toolErrorDelta, artifactDelta int, bytesInDelta, bytesOutDelta int64) error
	CompleteRunMetricsTx(ctx context.Context, tx *sql.Tx, runID string, completedAt time.Time) error

	// Event log.
	AppendEventTx(ctx context.Context, fn func(tx *sql.Tx) (*contracts.Event, error)) (*contracts.Event, error)
	GetMaxSeq(ctx context.Context, tx *sql.Tx, runID string) (int64, error)
	InsertEvent(ctx context.Context, tx *sql.Tx, e *contracts.Event) error
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int, kinds []string, errorsOnly bool) ([]*contracts.Event, error)
	GetEvent(ctx context.Context, runID, eventID string) (*contracts.Event, error)

	// Artifacts and links.
	PutArtifact(ctx context.Context, a *contracts.Artifact) error
	GetArtifact(ctx context.Context, artifactID string) (*contracts.Artifact, error)
	PutArtifactLink(ctx context.Context, tx *sql.Tx, l *contracts.ArtifactLink) error
	ListArtifactLinks(ctx context.Context, runID string) ([]*contracts.ArtifactLink, error)

	// Tool correlations.
	UpsertToolCorrelation(ctx context.Context, tx *sql.Tx, c *contracts.ToolCorrelation) error
	ListToolCorrelations(ctx context.Context, runID string) ([]*contracts.ToolCorrelation, error)

	// Manifests, scopes.
	PutToolManifest(ctx context.Context, m *contracts.ToolManifest) error
	GetToolManifest(ctx context.Context, toolID, version string) (*contracts.ToolManifest, error)
	ListToolManifestVersions(ctx context.Context, toolID string) ([]*contracts.ToolManifest, error)
	GrantScope(ctx context.Context, g *contracts.ScopeGrant) error
	ListScopes(ctx context.Context, projectID string) ([]contracts.ScopeGrant, error)

	// Approvals.
	CreateApproval(ctx context.Context, a *contracts.Approval) error
	GetApproval(ctx context.Context, approvalID string) (*contracts.Approval, error)
	GetPendingApprovalForCorrelation(ctx context.Context, runID, correlationID string) (*contracts.Approval, error)
	FindApprovedApproval(ctx context.Context, runID, toolID, toolVersion string) (*contracts.Approval, error)
	DecideApproval(ctx context.Context, approvalID string, status contracts.ApprovalStatus, decidedAt time.Time) error

	// Idempotency.
	GetIdempotency(ctx context.Context, compositeKey string) (*contracts.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, r *contracts.IdempotencyRecord) error

	// Provenance cache and research sources.
	GetProvenanceCache(ctx context.Context, runID string) (*contracts.ProvenanceCacheRow, error)
	PutProvenanceCache(ctx context.Context, row *contracts.ProvenanceCacheRow) error
	InvalidateProvenanceCache(ctx context.Context, tx *sql.Tx, runID string) error
	PutResearchSource(ctx context.Context, src *contracts.ResearchSource) error
	ListResearchSources(ctx context.Context, runID string) ([]*contracts.ResearchSource, error)
	PutResearchSourceLink(ctx context.Context, l *contracts.ResearchSourceLink) error
	ListResearchSourceLinks(ctx context.Context, runID string) ([]*contracts.ResearchSourceLink, error)

	// Notifications and activity.
	CreateNotification(ctx context.Context, n *contracts.Notification) error
	CountNotificationsByRunKind(ctx context.Context, runID, kind string) (int, error)
	NextNotificationSeq(ctx context.Context, tx *sql.Tx, userID string) (int64, error)
	InsertNotification(ctx context.Context, tx *sql.Tx, n *contracts.Notification) error
	ListNotifications(ctx context.Context, userID string, afterSeq int64, limit int) ([]*contracts.Notification, error)
	GetNotificationState(ctx context.Context, userID string) (*contracts.NotificationState, error)
	MarkNotificationsRead(ctx context.Context, userID string, throughSeq int64) error
	AddProjectMember(ctx context.Context, m contracts.Membership) error
	ListProjectMembers(ctx context.Context, projectID string) ([]contracts.Membership, error)
	AppendActivity(ctx context.Context, a *contracts.Activity) error
	ListActivity(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*contracts.Activity, error)

	// Operational counters and gauges.
	IncrCounter(ctx context.Context, name string, delta int64) error
	GetCounter(ctx context.Context, name string) (int64, error)
	SetGauge(ctx context.Context, name string, value float64) error
	IncrGauge(ctx context.Context, name string, delta float64) error
	GetGauge(ctx context.Context, name string) (float64, error)

	Close() error
}

// SQLStore is the Store implementation shared by both supported backends.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open wraps an already-configured *sql.DB (the caller chooses the driver
// via sql.Open("sqlite", dsn) or sql.Open("postgres", dsn)) and runs
// migrations.
func Open(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// ph renders the i'th (1-based) placeholder for the store's dialect.
func (s *SQLStore) ph(i int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// rebind expands a query written with sequential "?" placeholders into the
// dialect's native form, so every query method can be written once.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
