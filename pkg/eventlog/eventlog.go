// Package eventlog is the sole write path for run events. It enforces
// per-run monotonic seq, computes the derived run_metrics aggregates on
// every insert, and invalidates the provenance cache on provenance-affecting
// kinds, all inside the single transaction Store.AppendEventTx opens,
// mirroring the transactional envelope in the original append_event
// implementation this component was distilled from. On run completion it
// then emits a trailing metrics_computed event as a separate append, after
// the triggering event has committed.
package eventlog

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/mindburn-labs/substrate/pkg/canonicalize"
	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/quota"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// SchemaValidator validates a kind's payload shape; a nil entry for a kind
// means "no registered schema", which is itself a schema_violation.
type SchemaValidator interface {
	Validate(kind string, payload map[string]any) error
}

// NotificationObserver is invoked synchronously after commit, mirroring
// spec's "NotificationRouter is invoked synchronously after commit".
// EventLog depends on this narrow interface rather than the concrete
// notify package to avoid an import cycle (notify itself appends
// activity/notification rows through the same Store, not through EventLog).
type NotificationObserver interface {
	ObserveEvent(ctx context.Context, ev *contracts.Event)
}

// terminalStatuses and isRunTerminal implement the "run-terminal kinds" rule.
var terminalStatuses = map[string]bool{
	"complete": true, "completed": true, "denied": true, "failed": true,
}

// provenanceAffectingKinds resolves spec.md's Open Question per the
// original's _is_provenance_affecting_kind: this exact set, plus any kind
// with the workflow_ prefix. memory_item_created is deliberately absent.
var provenanceAffectingKinds = map[string]bool{
	"artifact_ref": true, "tool_call": true, "tool_result": true, "tool_error": true,
	"research_source_created": true, "research_report_created": true,
}

func isProvenanceAffecting(kind string) bool {
	if provenanceAffectingKinds[kind] {
		return true
	}
	return len(kind) > len("workflow_") && kind[:len("workflow_")] == "workflow_"
}

func isRunTerminal(kind string, payload map[string]any) bool {
	if kind == "workflow_run_completed" {
		return true
	}
	if kind != "run_status" {
		return false
	}
	status, _ := payload["status"].(string)
	return terminalStatuses[status]
}

// Log is the EventLog component.
type Log struct {
	Store      store.Store
	Guard      *quota.Guard
	Schema     SchemaValidator
	Clock      clock.Clock
	Notify     NotificationObserver
	Logger     *slog.Logger
	MaxRetries int
}

// New constructs an EventLog. observer may be nil if no component wants a
// synchronous post-commit hook (tests commonly pass nil).
func New(st store.Store, guard *quota.Guard, schema SchemaValidator, clk clock.Clock, observer NotificationObserver, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Store: st, Guard: guard, Schema: schema, Clock: clk, Notify: observer, Logger: logger, MaxRetries: 5}
}

// Append is the only write path for events. It validates, quota-checks,
// assigns seq, and updates all derived aggregates inside one transaction,
// retrying on write_contended up to MaxRetries before giving up.
func (l *Log) Append(ctx context.Context, intent contracts.EventIntent) (*contracts.Event, error) {
	run, err := l.Store.GetRun(ctx, intent.RunID)
	if err != nil {
		return nil, err
	}
	if l.Schema != nil {
		if err := l.Schema.Validate(intent.Kind, intent.Payload); err != nil {
			return nil, contracts.Wrap(contracts.ErrSchemaViolation, "payload does not match kind schema", err)
		}
	}

	var committed *contracts.Event
	for attempt := 0; attempt < l.MaxRetries; attempt++ {
		ev, err := l.appendOnce(ctx, run, intent, false)
		if err == nil {
			committed = ev
			break
		}
		if kind, ok := contracts.KindOf(err); ok && kind == contracts.ErrWriteContended {
			continue
		}
		return nil, err
	}
	if committed == nil {
		return nil, contracts.NewError(contracts.ErrWriteContended, "retry budget exhausted")
	}

	if l.Notify != nil {
		l.Notify.ObserveEvent(ctx, committed)
	}

	if isRunTerminal(committed.Kind, committed.Payload) && committed.Kind != "metrics_computed" {
		if _, err := l.appendMetricsComputed(ctx, run, committed); err != nil {
			l.Logger.Warn("metrics_computed follow-up failed", slog.String("run_id", run.RunID), slog.Any("error", err))
		}
	}

	return committed, nil
}

// appendOnce performs steps 3 of the contract inside a single transaction.
// isAudit marks the best-effort quota_exceeded audit write, which must
// never itself raise past this call.
func (l *Log) appendOnce(ctx context.Context, run *contracts.Run, intent contracts.EventIntent, isAudit bool) (*contracts.Event, error) {
	payloadBytes, err := canonicalize.JCS(intent.Payload)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrSchemaViolation, "payload not serializable", err)
	}
	addedBytes := int64(len(payloadBytes))

	return l.Store.AppendEventTx(ctx, func(tx *sql.Tx) (*contracts.Event, error) {
		metrics, err := l.Store.GetRunMetricsTx(ctx, tx, run.RunID)
		if err != nil {
			return nil, err
		}

		quotaErr := l.Guard.Check(metrics.EventCount, metrics.BytesIn+metrics.BytesOut, addedBytes)
		if quotaErr != nil {
			se, _ := quotaErr.(*contracts.SubstrateError)
			// The trailing metrics_computed event is always allowed past the
			// event-count ceiling (decided Open Question); a byte-ceiling
			// breach is never waived, even for it.
			bypass := intent.Kind == "metrics_computed" && se != nil && se.Scope == "events_per_run"
			if !bypass {
				if !isAudit && se != nil && se.Scope == "bytes_per_run" {
					go l.auditQuotaExceeded(context.WithoutCancel(ctx), run, se)
				}
				return nil, quotaErr
			}
		}

		seq, err := l.Store.GetMaxSeq(ctx, tx, run.RunID)
		if err != nil {
			return nil, err
		}
		seq++

		now := l.Clock.Now()
		ts := now
		if intent.Ts != nil {
			ts = *intent.Ts
		}
		eventID := intent.EventID
		if eventID == "" {
			eventID = l.Clock.NewID()
		}

		thread, err := l.Store.GetThread(ctx, run.ThreadID)
		if err != nil {
			return nil, err
		}
		projectID := ""
		if thread.ProjectID != nil {
			projectID = *thread.ProjectID
		}

		ev := &contracts.Event{
			EventID: eventID, RunID: run.RunID, ThreadID: run.ThreadID, ProjectID: projectID,
			Seq: seq, Ts: ts, Kind: intent.Kind, Payload: intent.Payload,
			ParentEventID: intent.ParentEventID, CorrelationID: intent.CorrelationID,
			Actor: intent.Actor, Privacy: intent.Privacy, Pins: intent.Pins,
		}
		if err := l.Store.InsertEvent(ctx, tx, ev); err != nil {
			return nil, err
		}

		if err := l.updateAggregatesTx(ctx, tx, ev, addedBytes); err != nil {
			return nil, err
		}

		if ev.Kind == "artifact_ref" {
			artifactID, _ := ev.Payload["artifact_id"].(string)
			if artifactID != "" {
				link := &contracts.ArtifactLink{
					RunID: ev.RunID, EventID: ev.EventID, ArtifactID: artifactID,
					CorrelationID: ev.CorrelationID, CreatedAt: ts,
				}
				if err := l.Store.PutArtifactLink(ctx, tx, link); err != nil {
					return nil, err
				}
			}
		}

		if err := l.updateCorrelationTx(ctx, tx, ev); err != nil {
			return nil, err
		}

		if isProvenanceAffecting(ev.Kind) {
			if err := l.Store.InvalidateProvenanceCache(ctx, tx, ev.RunID); err != nil {
				return nil, err
			}
		}

		l.Guard.Observe(ctx, ev.RunID, metrics.EventCount+1, metrics.BytesIn+metrics.BytesOut+addedBytes)
		return ev, nil
	})
}

func (l *Log) updateAggregatesTx(ctx context.Context, tx *sql.Tx, ev *contracts.Event, addedBytes int64) error {
	bytesInDelta, bytesOutDelta := int64(0), int64(0)
	if ev.Actor == contracts.ActorUser {
		bytesInDelta = addedBytes
	} else {
		bytesOutDelta = addedBytes
	}
	toolCallDelta, toolErrorDelta, artifactDelta := 0, 0, 0
	switch ev.Kind {
	case "tool_call":
		toolCallDelta = 1
	case "tool_error":
		toolErrorDelta = 1
	case "artifact_ref":
		artifactDelta = 1
	}

	if err := l.Store.UpdateRunAggregatesTx(ctx, tx, ev.RunID, toolCallDelta, toolErrorDelta, artifactDelta, bytesInDelta, bytesOutDelta); err != nil {
		return err
	}

	if isRunTerminal(ev.Kind, ev.Payload) {
		if err := l.Store.CompleteRunMetricsTx(ctx, tx, ev.RunID, ev.Ts); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) updateCorrelationTx(ctx context.Context, tx *sql.Tx, ev *contracts.Event) error {
	if ev.CorrelationID == "" {
		return nil
	}
	switch ev.Kind {
	case "tool_call":
		return l.Store.UpsertToolCorrelation(ctx, tx, &contracts.ToolCorrelation{RunID: ev.RunID, CorrelationID: ev.CorrelationID, ToolCallEventID: &ev.EventID})
	case "tool_result", "tool_error":
		return l.Store.UpsertToolCorrelation(ctx, tx, &contracts.ToolCorrelation{RunID: ev.RunID, CorrelationID: ev.CorrelationID, ToolOutcomeEventID: &ev.EventID})
	}
	return nil
}

// auditQuotaExceeded appends a best-effort quota_exceeded audit event
// through the normal path, subject to the event-count budget, per the
// "bytes_per_run rejection only" rule; failures here are swallowed after
// logging, never re-raised.
func (l *Log) auditQuotaExceeded(ctx context.Context, run *contracts.Run, cause *contracts.SubstrateError) {
	intent := contracts.EventIntent{
		RunID: run.RunID, Kind: "quota_exceeded", Actor: contracts.ActorSystem,
		Payload: map[string]any{"scope": cause.Scope, "message": cause.Message},
	}
	if _, err := l.appendOnce(ctx, run, intent, true); err != nil {
		l.Logger.Warn("quota_exceeded audit write failed", slog.String("run_id", run.RunID), slog.Any("error", err))
	}
}

func (l *Log) appendMetricsComputed(ctx context.Context, run *contracts.Run, trigger *contracts.Event) (*contracts.Event, error) {
	metrics, err := l.Store.GetRunMetrics(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	intent := contracts.EventIntent{
		RunID: run.RunID, Kind: "metrics_computed", Actor: contracts.ActorSystem,
		CorrelationID: trigger.CorrelationID,
		Payload: map[string]any{
			"event_count": metrics.EventCount, "tool_calls": metrics.ToolCalls, "tool_errors": metrics.ToolErrors,
			"artifacts_count": metrics.ArtifactsCount, "bytes_in": metrics.BytesIn, "bytes_out": metrics.BytesOut,
		},
	}
	// The trailing metrics_computed event is always allowed through even
	// past the event-count ceiling (Open Question, decided in DESIGN.md):
	// appendOnce waives an events_per_run rejection for this kind, while a
	// bytes_per_run rejection still applies.
	return l.appendOnce(ctx, run, intent, true)
}

func (l *Log) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int, kinds []string, errorsOnly bool) ([]*contracts.Event, error) {
	if _, err := l.Store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return l.Store.ListEvents(ctx, runID, afterSeq, limit, kinds, errorsOnly)
}

func (l *Log) GetEvent(ctx context.Context, runID, eventID string) (*contracts.Event, error) {
	return l.Store.GetEvent(ctx, runID, eventID)
}
