// Package contracts holds the shared domain types of the run event
// substrate: projects, threads, runs, events, artifacts, tool manifests,
// approvals, and the handful of cross-cutting records (idempotency,
// provenance cache, notifications, activity, counters/gauges) that every
// component in pkg/ reads or writes through pkg/store.
package contracts

import "time"

// RunStatus enumerates the lifecycle states of a Run.
type RunStatus string

const (
	RunRunning          RunStatus = "running"
	RunCompleted        RunStatus = "completed"
	RunCancelled        RunStatus = "cancelled"
	RunFailed           RunStatus = "failed"
	RunWaitingApproval  RunStatus = "waiting_approval"
)

// Actor identifies who produced an event.
type Actor string

const (
	ActorUser      Actor = "user"
	ActorAssistant Actor = "assistant"
	ActorTool      Actor = "tool"
	ActorSystem    Actor = "system"
)

// Privacy carries the redaction/secrecy classification copied onto every event.
type Privacy struct {
	RedactLevel     string `json:"redact_level"`
	ContainsSecrets bool   `json:"contains_secrets"`
}

// Pins is the frozen configuration snapshot captured at run start and
// copied onto every event the run produces.
type Pins struct {
	ModelConfig     map[string]any `json:"model_config,omitempty"`
	ToolVersions    map[string]string `json:"tool_versions,omitempty"`
	ExecutorVersion string `json:"executor_version,omitempty"`
}

// Project owns threads and holds the project's scope grants.
type Project struct {
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is either project-owned or user-owned ("uncategorised").
type Thread struct {
	ThreadID    string  `json:"thread_id"`
	ProjectID   *string `json:"project_id,omitempty"`
	OwnerUserID *string `json:"owner_user_id,omitempty"`
	Title       string  `json:"title"`
}

// Run is the bounded execution scope inside a thread; the atomic unit of
// event-log append-only history and quota accounting.
type Run struct {
	RunID         string    `json:"run_id"`
	ThreadID      string    `json:"thread_id"`
	Status        RunStatus `json:"status"`
	CreatedByUser string    `json:"created_by_user_id"`
	Pins          Pins      `json:"pins"`
	CreatedAt     time.Time `json:"created_at"`
}

// RunMetrics holds the per-run derived aggregates EventLog maintains on
// every insert.
type RunMetrics struct {
	RunID          string     `json:"run_id"`
	EventCount     int64      `json:"event_count"`
	ToolCalls      int64      `json:"tool_calls"`
	ToolErrors     int64      `json:"tool_errors"`
	ArtifactsCount int64      `json:"artifacts_count"`
	BytesIn        int64      `json:"bytes_in"`
	BytesOut       int64      `json:"bytes_out"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMS     *int64     `json:"duration_ms,omitempty"`
}

// EventIntent is the caller-supplied request to append an event. EventID
// and Ts are optional: the caller may pre-assign EventID for idempotent
// assistant streaming, but it is never used as an ordering key.
type EventIntent struct {
	EventID       string         `json:"event_id,omitempty"`
	RunID         string         `json:"run_id"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload"`
	Actor         Actor          `json:"actor"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Privacy       Privacy        `json:"privacy"`
	Pins          Pins           `json:"pins"`
	Ts            *time.Time     `json:"ts,omitempty"`
}

// Event is the canonical stored envelope EventLog returns after a commit.
type Event struct {
	EventID       string         `json:"event_id"`
	RunID         string         `json:"run_id"`
	ThreadID      string         `json:"thread_id"`
	ProjectID     string         `json:"project_id,omitempty"`
	Seq           int64          `json:"seq"`
	Ts            time.Time      `json:"ts"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Actor         Actor          `json:"actor"`
	Privacy       Privacy        `json:"privacy"`
	Pins          Pins           `json:"pins"`
}

// Artifact is content-addressed: ArtifactID is the content hash.
type Artifact struct {
	ArtifactID   string    `json:"artifact_id"`
	Kind         string    `json:"kind"`
	MediaType    string    `json:"media_type"`
	Size         int64     `json:"size"`
	ContentHash  string    `json:"content_hash"`
	StorageRef   string    `json:"storage_ref"`
	CreatedBy    string    `json:"created_by"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactLink is the persisted structured provenance linking an event to
// an artifact. The legacy scan of artifact_ref events (ProvenanceService)
// is a fallback only, used when no ArtifactLink rows exist for a run.
type ArtifactLink struct {
	RunID         string    `json:"run_id"`
	EventID       string    `json:"event_id"`
	ArtifactID    string    `json:"artifact_id"`
	SourceEventID string    `json:"source_event_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ToolID        string    `json:"tool_id,omitempty"`
	ToolVersion   string    `json:"tool_version,omitempty"`
	Purpose       string    `json:"purpose,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ToolCorrelation links a tool_call to its eventual outcome event.
type ToolCorrelation struct {
	RunID               string  `json:"run_id"`
	CorrelationID        string  `json:"correlation_id"`
	ToolCallEventID      *string `json:"tool_call_event_id,omitempty"`
	ToolOutcomeEventID   *string `json:"tool_outcome_event_id,omitempty"`
}

// BindingType enumerates how a tool manifest's entrypoint is dispatched.
type BindingType string

const (
	BindingInProcSafe   BindingType = "inproc_safe"
	BindingSandboxJob   BindingType = "sandbox_job"
	BindingMCPRemote    BindingType = "mcp_remote"
	BindingOpenAPIProxy BindingType = "openapi_proxy"
)

// ToolBinding describes how to invoke a tool's entrypoint.
type ToolBinding struct {
	Type       BindingType `json:"type"`
	Entrypoint string      `json:"entrypoint"`
}

// ToolRisk captures the risk flags PolicyEngine consults.
type ToolRisk struct {
	ScopesRequired []string `json:"scopes_required"`
	ExternalWrite  bool     `json:"external_write"`
	NetworkEgress  bool     `json:"network_egress"`
}

// ToolManifest is immutable once installed.
type ToolManifest struct {
	ToolID        string         `json:"tool_id"`
	Version       string         `json:"version"`
	InputsSchema  map[string]any `json:"inputs_schema"`
	OutputsSchema map[string]any `json:"outputs_schema"`
	Binding       ToolBinding    `json:"binding"`
	Risk          ToolRisk       `json:"risk"`
	// PolicyRule is an optional CEL expression evaluated against the
	// invocation's tool_id/scopes/risk flags/inputs; a false result denies
	// the call independently of the scope-grant check. Empty means no
	// additional constraint beyond scopes_required.
	PolicyRule string `json:"policy_rule,omitempty"`
}

// ScopeGrant is a named capability a project possesses.
type ScopeGrant struct {
	ProjectID string    `json:"project_id"`
	Scope     string    `json:"scope"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}

// ApprovalStatus enumerates Approval lifecycle states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Approval is a human-authorised unblock of a policy-gated tool call,
// scoped to a single correlation.
type Approval struct {
	ApprovalID    string         `json:"approval_id"`
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	ToolID        string         `json:"tool_id"`
	ToolVersion   string         `json:"tool_version"`
	Inputs        map[string]any `json:"inputs"`
	Status        ApprovalStatus `json:"status"`
	ToolCallEventID string       `json:"tool_call_event_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
}

// IdempotencyRecord stores the first response for a (user, endpoint, key)
// triple so replays are byte-identical.
type IdempotencyRecord struct {
	UserID         string    `json:"user_id"`
	Endpoint       string    `json:"endpoint"`
	Key            string    `json:"key"`
	CompositeKey   string    `json:"composite_key"`
	StatusCode     int       `json:"status_code"`
	Headers        map[string][]string `json:"headers"`
	StoredResponse []byte    `json:"stored_response"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResearchSource is a persisted citation-bearing source ProvenanceService
// surfaces as a research_source graph node.
type ResearchSource struct {
	SourceID  string    `json:"source_id"`
	RunID     string    `json:"run_id"`
	URI       string    `json:"uri"`
	Title     string    `json:"title,omitempty"`
	FetchedBy string    `json:"fetched_by,omitempty"` // tool_id
	CreatedAt time.Time `json:"created_at"`
}

// ResearchSourceLink is the persisted structured link from a research
// source to the event/correlation that produced it; the correlation_id
// scan is the fallback path when no link row exists (ProvenanceService
// step 4).
type ResearchSourceLink struct {
	RunID         string `json:"run_id"`
	SourceID      string `json:"source_id"`
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ProvenanceCacheRow is valid iff LastSeq equals the run's current high
// water mark.
type ProvenanceCacheRow struct {
	RunID      string    `json:"run_id"`
	LastSeq    int64     `json:"last_seq"`
	GraphBlob  []byte    `json:"graph_blob"`
	ComputedAt time.Time `json:"computed_at"`
}

// Notification carries a per-user monotonic NotificationSeq.
type Notification struct {
	NotificationID  string         `json:"notification_id"`
	UserID          string         `json:"user_id"`
	NotificationSeq int64          `json:"notification_seq"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload"`
	ProjectID       string         `json:"project_id,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ReadAt          *time.Time     `json:"read_at,omitempty"`
}

// NotificationState's LastSeenNotificationSeq is monotonic; the write path
// never regresses it.
type NotificationState struct {
	UserID                  string `json:"user_id"`
	LastSeenNotificationSeq int64  `json:"last_seen_notification_seq"`
}

// Activity is the project-scoped audit stream backing UI activity feeds.
type Activity struct {
	ProjectID    string         `json:"project_id"`
	ActivitySeq  int64          `json:"activity_seq"`
	Kind         string         `json:"kind"`
	RefType      string         `json:"ref_type"`
	RefID        string         `json:"ref_id"`
	ActorID      string         `json:"actor_id"`
	CreatedAt    time.Time      `json:"created_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Membership ties a user to a project with a role, used by
// NotificationRouter's "all project members" recipient rule.
type Membership struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"` // "owner" | "member"
}
