// Package policy implements PolicyEngine: the scope/approval/remote-access
// decision rule ToolExecutor consults before dispatching a tool binding.
// Simple membership and approval-existence checks don't need a rule
// engine, but the risk-flag predicates spec'd for future extension (e.g.
// conditional scope requirements keyed on tool inputs) are expressed as
// CEL programs the same way the teacher's CELPolicyEvaluator compiles and
// caches module-activation rules, so a deployment can tighten a tool's
// gate without a code change.
package policy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// Decision is PolicyEngine's three-way verdict.
type Decision string

const (
	Allow            Decision = "allow"
	Deny             Decision = "deny"
	ApprovalRequired Decision = "approval_required"
)

// Verdict carries the decision plus the reason that produced it, so
// ToolExecutor can append a faithful system_event.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Engine evaluates a tool invocation against a project's scope grants,
// existing approvals, and the manifest's risk flags.
type Engine struct {
	Store          store.Store
	AllowRemoteMCP bool

	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// New constructs a PolicyEngine. allowRemoteMCP mirrors the
// allow_remote_mcp operational flag consulted by the remote-binding rule.
func New(st store.Store, allowRemoteMCP bool) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool_id", cel.StringType),
		cel.Variable("scopes", cel.ListType(cel.StringType)),
		cel.Variable("external_write", cel.BoolType),
		cel.Variable("network_egress", cel.BoolType),
		cel.Variable("inputs", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build cel env: %w", err)
	}
	return &Engine{Store: st, AllowRemoteMCP: allowRemoteMCP, env: env, programs: make(map[string]cel.Program)}, nil
}

// Evaluate implements spec.md's three-step decision rule, plus the
// remote-binding rule for mcp_remote/openapi_proxy bindings.
func (e *Engine) Evaluate(ctx context.Context, projectID string, manifest *contracts.ToolManifest, runID, correlationID string, inputs map[string]any) (Verdict, error) {
	grants, err := e.Store.ListScopes(ctx, projectID)
	if err != nil {
		return Verdict{}, err
	}
	granted := make(map[string]bool, len(grants))
	for _, g := range grants {
		granted[g.Scope] = true
	}

	for _, scope := range manifest.Risk.ScopesRequired {
		if !granted[scope] {
			return Verdict{Decision: Deny, Reason: fmt.Sprintf("missing scope: %s", scope)}, nil
		}
	}

	if err := e.evaluateExtraRules(manifest, inputs); err != nil {
		return Verdict{Decision: Deny, Reason: err.Error()}, nil
	}

	if manifest.Risk.ExternalWrite || manifest.Risk.NetworkEgress {
		approved, err := e.Store.FindApprovedApproval(ctx, runID, manifest.ToolID, manifest.Version)
		if err != nil {
			return Verdict{}, err
		}
		if approved == nil {
			pending, err := e.Store.GetPendingApprovalForCorrelation(ctx, runID, correlationID)
			if err != nil {
				return Verdict{}, err
			}
			if pending != nil {
				return Verdict{Decision: ApprovalRequired, Reason: "awaiting pending approval"}, nil
			}
			return Verdict{Decision: ApprovalRequired, Reason: "external_write or network_egress requires approval"}, nil
		}
	}

	if manifest.Binding.Type == contracts.BindingMCPRemote || manifest.Binding.Type == contracts.BindingOpenAPIProxy {
		if !granted["mcp_call"] {
			return Verdict{Decision: Deny, Reason: "missing scope: mcp_call"}, nil
		}
		if loopback, ok := isLoopbackEndpoint(manifest.Binding.Entrypoint); ok && !loopback && !e.AllowRemoteMCP {
			return Verdict{Decision: Deny, Reason: "remote endpoint requires allow_remote_mcp"}, nil
		}
	}

	return Verdict{Decision: Allow}, nil
}

func (e *Engine) evaluateExtraRules(manifest *contracts.ToolManifest, inputs map[string]any) error {
	if manifest.PolicyRule == "" {
		return nil
	}
	prg, err := e.compile(manifest.PolicyRule)
	if err != nil {
		return fmt.Errorf("policy rule compile error: %w", err)
	}
	out, _, err := prg.Eval(map[string]any{
		"tool_id":        manifest.ToolID,
		"scopes":         manifest.Risk.ScopesRequired,
		"external_write": manifest.Risk.ExternalWrite,
		"network_egress": manifest.Risk.NetworkEgress,
		"inputs":         inputs,
	})
	if err != nil {
		return fmt.Errorf("policy rule eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return fmt.Errorf("policy rule for %s did not return bool", manifest.ToolID)
	}
	if !allowed {
		return fmt.Errorf("tool-scoped policy rule denied invocation")
	}
	return nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, err
	}
	e.programs[expr] = prg
	return prg, nil
}

// isLoopbackEndpoint reports whether entrypoint resolves to a loopback
// host, and whether it could be parsed as a network endpoint at all.
func isLoopbackEndpoint(entrypoint string) (loopback bool, parsed bool) {
	u, err := url.Parse(entrypoint)
	if err != nil || u.Hostname() == "" {
		return false, false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true, true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback(), true
	}
	return false, true
}
