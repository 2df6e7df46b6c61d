// Package notify implements NotificationRouter: recipient derivation from
// committed events and activity rows, self-suppression of the acting
// user, and per-user monotonic notification sequencing. It satisfies
// eventlog.NotificationObserver so EventLog can invoke it synchronously
// after every commit without importing this package back (the narrow-
// interface idiom pkg/approval's EventAppender also follows).
package notify

import (
	"context"
	"log/slog"

	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/config"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// Router is the NotificationRouter component.
type Router struct {
	Store  store.Store
	Clock  clock.Clock
	Config *config.Config
	Logger *slog.Logger
}

func New(st store.Store, clk clock.Clock, cfg *config.Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Store: st, Clock: clk, Config: cfg, Logger: logger}
}

// ObserveEvent implements eventlog.NotificationObserver. It never returns
// an error: a routing failure is logged and swallowed, since a dropped
// notification must not fail the write path that produced the event.
func (r *Router) ObserveEvent(ctx context.Context, ev *contracts.Event) {
	if err := r.routeEvent(ctx, ev); err != nil {
		r.Logger.Warn("notification routing failed", slog.String("event_id", ev.EventID), slog.Any("error", err))
	}
}

// ObserveActivity is the activity-side entry point: callers that append a
// project.Activity row (member management, comments) invoke this after
// commit, mirroring ObserveEvent's contract.
func (r *Router) ObserveActivity(ctx context.Context, a *contracts.Activity) {
	if err := r.routeActivity(ctx, a); err != nil {
		r.Logger.Warn("activity notification routing failed", slog.Int64("activity_seq", a.ActivitySeq), slog.Any("error", err))
	}
}

func (r *Router) routeEvent(ctx context.Context, ev *contracts.Event) error {
	recipients, payload, err := r.recipientsForEvent(ctx, ev)
	if err != nil {
		return err
	}
	actingUser := actorUserID(ev.Payload)
	for _, userID := range recipients {
		if userID == "" || userID == actingUser {
			continue
		}
		if err := r.deliver(ctx, userID, ev.Kind, ev.ProjectID, ev.RunID, payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) recipientsForEvent(ctx context.Context, ev *contracts.Event) ([]string, map[string]any, error) {
	payload := map[string]any{
		"project_id": ev.ProjectID, "run_id": ev.RunID, "event_id": ev.EventID,
		"summary": ev.Kind,
	}

	switch ev.Kind {
	case "quota_exceeded":
		run, err := r.Store.GetRun(ctx, ev.RunID)
		if err != nil {
			return nil, nil, err
		}
		return []string{run.CreatedByUser}, payload, nil

	case "system_event":
		if code, _ := ev.Payload["code"].(string); code != "approval_required" {
			return nil, payload, nil
		}
		recipients, err := r.runCreatorAndOwners(ctx, ev.RunID, ev.ProjectID)
		return recipients, payload, err

	case "tool_error":
		if !r.Config.NotifyToolErrors {
			return nil, payload, nil
		}
		if code, _ := ev.Payload["code"].(string); !codeAllowed(r.Config.NotifyToolErrorsOnlyCodes, code) {
			return nil, payload, nil
		}
		if binding, _ := ev.Payload["binding"].(string); !codeAllowed(r.Config.NotifyToolErrorsOnlyBindings, binding) {
			return nil, payload, nil
		}
		count, err := r.Store.CountNotificationsByRunKind(ctx, ev.RunID, "run_tool_error")
		if err != nil {
			return nil, nil, err
		}
		if r.Config.NotifyToolErrorsMaxPerRun > 0 && count >= r.Config.NotifyToolErrorsMaxPerRun {
			return nil, payload, nil
		}
		run, err := r.Store.GetRun(ctx, ev.RunID)
		if err != nil {
			return nil, nil, err
		}
		if run.CreatedByUser != "" {
			return []string{run.CreatedByUser}, payload, nil
		}
		owners, err := r.projectOwners(ctx, ev.ProjectID)
		return owners, payload, err

	default:
		return nil, payload, nil
	}
}

// deliver stores the notification as kind "run_tool_error" for tool_error
// events specifically (the max-per-run counter's own key), and as the
// event's own kind otherwise.
func (r *Router) deliver(ctx context.Context, userID, eventKind, projectID, runID string, payload map[string]any) error {
	kind := eventKind
	if eventKind == "tool_error" {
		kind = "run_tool_error"
	}
	n := &contracts.Notification{
		NotificationID: r.Clock.NewID(), UserID: userID, Kind: kind,
		Payload: payload, ProjectID: projectID, RunID: runID, CreatedAt: r.Clock.Now(),
	}
	return r.Store.CreateNotification(ctx, n)
}

func (r *Router) routeActivity(ctx context.Context, a *contracts.Activity) error {
	payload := map[string]any{
		"project_id": a.ProjectID, "activity_seq": a.ActivitySeq, "summary": a.Kind,
	}

	var recipients []string
	switch a.Kind {
	case "comment_created":
		members, err := r.Store.ListProjectMembers(ctx, a.ProjectID)
		if err != nil {
			return err
		}
		for _, m := range members {
			recipients = append(recipients, m.UserID)
		}
	case "member_added", "member_role_changed":
		recipients = []string{a.RefID}
	default:
		return nil
	}

	for _, userID := range recipients {
		if userID == "" || userID == a.ActorID {
			continue
		}
		n := &contracts.Notification{
			NotificationID: r.Clock.NewID(), UserID: userID, Kind: a.Kind,
			Payload: payload, ProjectID: a.ProjectID, CreatedAt: r.Clock.Now(),
		}
		if err := r.Store.CreateNotification(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) runCreatorAndOwners(ctx context.Context, runID, projectID string) ([]string, error) {
	run, err := r.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	owners, err := r.projectOwners(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return append([]string{run.CreatedByUser}, owners...), nil
}

func (r *Router) projectOwners(ctx context.Context, projectID string) ([]string, error) {
	members, err := r.Store.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var owners []string
	for _, m := range members {
		if m.Role == "owner" {
			owners = append(owners, m.UserID)
		}
	}
	return owners, nil
}

// codeAllowed implements the "_only_codes"/"_only_bindings" qualifier: an
// empty filter list means unrestricted.
func codeAllowed(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == value {
			return true
		}
	}
	return false
}

// actorUserID extracts the acting user for self-suppression: the explicit
// actor_user_id payload field if present, else the decided_by field
// ApprovalLedger's denial path stamps onto approval_decided/tool_error
// payloads.
func actorUserID(payload map[string]any) string {
	if v, _ := payload["actor_user_id"].(string); v != "" {
		return v
	}
	v, _ := payload["decided_by"].(string)
	return v
}
