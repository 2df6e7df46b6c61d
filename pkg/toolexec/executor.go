// Package toolexec implements ToolExecutor: the eight-step contract that
// turns a requested tool invocation into a tool_call event, a policy
// decision, a dispatched binding, and a terminal tool_result or tool_error
// event. It is the one place every one of those steps is sequenced in
// order; every step's own logic lives in the package that owns it
// (pkg/manifest, pkg/policy, pkg/runtime/sandbox, pkg/eventlog,
// pkg/approval).
package toolexec

import (
	"context"

	"github.com/mindburn-labs/substrate/pkg/approval"
	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/eventlog"
	"github.com/mindburn-labs/substrate/pkg/manifest"
	"github.com/mindburn-labs/substrate/pkg/policy"
	"github.com/mindburn-labs/substrate/pkg/runtime/sandbox"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// Outcome is the result of Invoke or Resume: the correlation's final state
// plus the terminal event it produced, or the intermediate state it stopped
// at (waiting_approval).
type Outcome struct {
	CorrelationID string
	State         string // denied | waiting_approval | completed | errored
	Event         *contracts.Event
	Approval      *contracts.Approval
}

// Request is the caller-supplied tool invocation.
type Request struct {
	RunID           string
	ThreadID        string
	ProjectID       string
	ToolID          string
	ExplicitVersion string
	Inputs          map[string]any
	Actor           contracts.Actor
	ParentEventID   string
	Privacy         contracts.Privacy
}

// Executor wires the manifest registry, policy engine, event log,
// binding dispatcher, and approval ledger into the ToolExecutor contract.
type Executor struct {
	Store      store.Store
	Manifests  *manifest.Registry
	Schema     *manifest.SchemaValidator
	Policy     *policy.Engine
	Log        *eventlog.Log
	Dispatcher *sandbox.Dispatcher
	Approvals  *approval.Ledger
	Clock      clock.Clock
}

// Invoke implements the full step 1-8 contract.
func (e *Executor) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	run, err := e.Store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	// Step 1: version resolution.
	m, err := e.Manifests.Resolve(ctx, req.ToolID, req.ExplicitVersion, run.Pins)
	if err != nil {
		return nil, err
	}

	// Step 2: input schema validation, before any event write.
	if err := e.Schema.ValidateInputs(m, req.Inputs); err != nil {
		return nil, err
	}

	// Step 3: correlation_id allocation...
	correlationID := e.Clock.NewID()

	// ...and the tool_call event append.
	callEvent, err := e.Log.Append(ctx, contracts.EventIntent{
		RunID: req.RunID, Kind: "tool_call", Actor: req.Actor,
		ParentEventID: req.ParentEventID, CorrelationID: correlationID, Privacy: req.Privacy,
		Payload: map[string]any{"tool_id": m.ToolID, "tool_version": m.Version, "inputs": req.Inputs},
	})
	if err != nil {
		return nil, err
	}

	// Step 4: policy decision.
	verdict, err := e.Policy.Evaluate(ctx, req.ProjectID, m, req.RunID, correlationID, req.Inputs)
	if err != nil {
		return nil, err
	}

	switch verdict.Decision {
	case policy.Deny:
		ev, err := e.appendToolError(ctx, req.RunID, correlationID, callEvent.EventID, "POLICY_DENIED", verdict.Reason)
		if err != nil {
			return nil, err
		}
		return &Outcome{CorrelationID: correlationID, State: "denied", Event: ev}, nil

	case policy.ApprovalRequired:
		a, err := e.Approvals.RequestApproval(ctx, req.RunID, correlationID, callEvent.EventID, m.ToolID, m.Version, req.Inputs)
		if err != nil {
			return nil, err
		}
		return &Outcome{CorrelationID: correlationID, State: "waiting_approval", Approval: a}, nil
	}

	// verdict.Decision == Allow: dispatch the binding and settle the call.
	return e.settle(ctx, req.RunID, m, req.Inputs, correlationID, callEvent.EventID)
}

// Resume re-enters dispatch for a correlation whose approval has just been
// granted. The caller is responsible for having confirmed the Approval is
// approved; PolicyEngine will re-confirm via FindApprovedApproval.
func (e *Executor) Resume(ctx context.Context, req Request, correlationID, toolCallEventID string) (*Outcome, error) {
	run, err := e.Store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	m, err := e.Manifests.Resolve(ctx, req.ToolID, req.ExplicitVersion, run.Pins)
	if err != nil {
		return nil, err
	}
	verdict, err := e.Policy.Evaluate(ctx, req.ProjectID, m, req.RunID, correlationID, req.Inputs)
	if err != nil {
		return nil, err
	}
	if verdict.Decision != policy.Allow {
		ev, err := e.appendToolError(ctx, req.RunID, correlationID, toolCallEventID, "POLICY_DENIED", verdict.Reason)
		if err != nil {
			return nil, err
		}
		return &Outcome{CorrelationID: correlationID, State: "denied", Event: ev}, nil
	}
	return e.settle(ctx, req.RunID, m, req.Inputs, correlationID, toolCallEventID)
}

// settle implements steps 5-7: dispatch, output validation, terminal event.
func (e *Executor) settle(ctx context.Context, runID string, m *contracts.ToolManifest, inputs map[string]any, correlationID, toolCallEventID string) (*Outcome, error) {
	outputs, err := e.Dispatcher.Dispatch(ctx, m, inputs)
	if err != nil {
		kind, _ := contracts.KindOf(err)
		ev, appendErr := e.appendToolError(ctx, runID, correlationID, toolCallEventID, toolErrorCode(kind), err.Error())
		if appendErr != nil {
			return nil, appendErr
		}
		return &Outcome{CorrelationID: correlationID, State: "errored", Event: ev}, nil
	}

	if err := e.Schema.ValidateOutputs(m, outputs); err != nil {
		ev, appendErr := e.appendToolError(ctx, runID, correlationID, toolCallEventID, "SCHEMA_VIOLATION", err.Error())
		if appendErr != nil {
			return nil, appendErr
		}
		return &Outcome{CorrelationID: correlationID, State: "errored", Event: ev}, nil
	}

	ev, err := e.Log.Append(ctx, contracts.EventIntent{
		RunID: runID, Kind: "tool_result", Actor: contracts.ActorTool,
		ParentEventID: toolCallEventID, CorrelationID: correlationID,
		Payload: map[string]any{"tool_id": m.ToolID, "tool_version": m.Version, "outputs": outputs},
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{CorrelationID: correlationID, State: "completed", Event: ev}, nil
}

func (e *Executor) appendToolError(ctx context.Context, runID, correlationID, toolCallEventID, code, message string) (*contracts.Event, error) {
	return e.Log.Append(ctx, contracts.EventIntent{
		RunID: runID, Kind: "tool_error", Actor: contracts.ActorSystem,
		ParentEventID: toolCallEventID, CorrelationID: correlationID,
		Payload: map[string]any{"code": code, "message": message},
	})
}

func toolErrorCode(kind contracts.ErrorKind) string {
	switch kind {
	case contracts.ErrUnsafePath:
		return "UNSAFE_PATH"
	case contracts.ErrRestrictedPath:
		return "RESTRICTED_PATH"
	case contracts.ErrTimeout:
		return "TIMEOUT"
	case contracts.ErrMCPError:
		return "MCP_ERROR"
	case contracts.ErrPinnedVersionMissing:
		return "PINNED_VERSION_MISSING"
	default:
		return "EXECUTION_FAILED"
	}
}
