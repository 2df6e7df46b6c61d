package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

// InProcFunc is a built-in tool implementation dispatched without leaving
// the executor process. Inputs have already passed schema validation.
type InProcFunc func(ctx context.Context, workspaceRoot string, inputs map[string]any) (map[string]any, error)

// Dispatcher carries out ToolExecutor step 5: invoking the binding named
// by a ToolManifest and returning its raw outputs (still unvalidated
// against outputs_schema — that is the caller's next step).
type Dispatcher struct {
	Wasi          Sandbox
	WorkspaceRoot string
	HTTPClient    *http.Client
	Registry      map[string]InProcFunc
	Enforcer      *PolicyEnforcer
	Credentials   *CredentialBroker
}

// NewDispatcher builds a Dispatcher with the built-in inproc_safe registry
// and a restrictive default PolicyEnforcer (workspace-root FS allowlist,
// network_deny_all). The policy engine has already confirmed the caller's
// project holds every scope manifest.Risk.ScopesRequired names by the time
// Dispatch runs; the CredentialBroker turns that grant into a short-lived
// token scoped to this one call, so sandbox_job and remote bindings never
// see a long-lived credential.
func NewDispatcher(wasi Sandbox, workspaceRoot string) *Dispatcher {
	policy := DefaultPolicy()
	policy.FSAllowlist = []string{workspaceRoot}
	d := &Dispatcher{
		Wasi:          wasi,
		WorkspaceRoot: workspaceRoot,
		HTTPClient:    &http.Client{},
		Registry:      make(map[string]InProcFunc),
		Enforcer:      NewPolicyEnforcer(policy),
		Credentials:   NewCredentialBroker(300),
	}
	registerBuiltins(d)
	return d
}

// issueScopedToken mints a token covering exactly manifest.Risk.ScopesRequired
// for this dispatch, recording the issuance for audit. The allowlist is set
// to the same scopes being requested: the policy engine is the authority on
// whether the project may use them, so the broker's allowlist check is a
// same-call confirmation, not an independent grant.
func (d *Dispatcher) issueScopedToken(manifest *contracts.ToolManifest) (*ScopedToken, error) {
	d.Credentials.SetScopeAllowlist(d.WorkspaceRoot, manifest.Risk.ScopesRequired)
	return d.Credentials.IssueToken(TokenRequest{
		SandboxID:       d.WorkspaceRoot,
		RequestedScopes: manifest.Risk.ScopesRequired,
	})
}

// Dispatch routes the call according to manifest.Binding.Type.
func (d *Dispatcher) Dispatch(ctx context.Context, manifest *contracts.ToolManifest, inputs map[string]any) (map[string]any, error) {
	switch manifest.Binding.Type {
	case contracts.BindingInProcSafe:
		return d.dispatchInProc(ctx, manifest, inputs)
	case contracts.BindingSandboxJob:
		return d.dispatchSandboxJob(ctx, manifest, inputs)
	case contracts.BindingMCPRemote, contracts.BindingOpenAPIProxy:
		return d.dispatchRemote(ctx, manifest, inputs)
	default:
		return nil, contracts.NewError(contracts.ErrExecutionFailed, "unknown binding type: "+string(manifest.Binding.Type))
	}
}

func (d *Dispatcher) dispatchInProc(ctx context.Context, manifest *contracts.ToolManifest, inputs map[string]any) (map[string]any, error) {
	fn, ok := d.Registry[manifest.Binding.Entrypoint]
	if !ok {
		return nil, contracts.NewError(contracts.ErrExecutionFailed, "no inproc_safe handler registered for "+manifest.Binding.Entrypoint)
	}
	if path, ok := stringInput(inputs, "path"); ok {
		resolved, err := resolveWorkspacePath(d.WorkspaceRoot, path)
		if err != nil {
			return nil, err
		}
		if res := d.Enforcer.CheckFS(resolved, isWriteTool(manifest.Binding.Entrypoint)); !res.Allowed {
			return nil, contracts.NewError(contracts.ErrUnsafePath, res.Reason)
		}
	}
	out, err := fn(ctx, d.WorkspaceRoot, inputs)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrExecutionFailed, "inproc_safe handler failed", err)
	}
	return out, nil
}

func (d *Dispatcher) dispatchSandboxJob(ctx context.Context, manifest *contracts.ToolManifest, inputs map[string]any) (map[string]any, error) {
	if d.Wasi == nil {
		return nil, contracts.NewError(contracts.ErrExecutionFailed, "sandbox_job binding unavailable: no WASI runtime configured")
	}
	token, err := d.issueScopedToken(manifest)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrExecutionFailed, "issue sandbox credential", err)
	}
	defer func() { _ = d.Credentials.RevokeToken(token.TokenID) }()

	inBytes, err := json.Marshal(inputs)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrExecutionFailed, "marshal sandbox_job inputs", err)
	}
	outBytes, err := d.Wasi.Run(ctx, manifest.Binding.Entrypoint, inBytes)
	if err != nil {
		var sbErr *SandboxError
		if errors.As(err, &sbErr) {
			switch sbErr.Code {
			case ErrComputeTimeExhausted:
				return nil, contracts.Wrap(contracts.ErrTimeout, sbErr.Message, err)
			default:
				return nil, contracts.Wrap(contracts.ErrExecutionFailed, sbErr.Message, err)
			}
		}
		if ctx.Err() != nil {
			return nil, contracts.Wrap(contracts.ErrTimeout, "sandbox_job exceeded its time budget", err)
		}
		return nil, contracts.Wrap(contracts.ErrExecutionFailed, "sandbox_job execution failed", err)
	}
	var out map[string]any
	if len(outBytes) > 0 {
		if err := json.Unmarshal(outBytes, &out); err != nil {
			return nil, contracts.Wrap(contracts.ErrExecutionFailed, "sandbox_job produced non-JSON output", err)
		}
	}
	return out, nil
}

func (d *Dispatcher) dispatchRemote(ctx context.Context, manifest *contracts.ToolManifest, inputs map[string]any) (map[string]any, error) {
	token, err := d.issueScopedToken(manifest)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrExecutionFailed, "issue remote tool credential", err)
	}
	defer func() { _ = d.Credentials.RevokeToken(token.TokenID) }()

	body, err := json.Marshal(inputs)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrExecutionFailed, "marshal remote tool inputs", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, manifest.Binding.Entrypoint, bytes.NewReader(body))
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrMCPError, "build remote tool request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.TokenHash)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contracts.Wrap(contracts.ErrTimeout, "remote tool call exceeded its time budget", err)
		}
		return nil, contracts.Wrap(contracts.ErrMCPError, "remote tool call failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrMCPError, "read remote tool response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, contracts.NewError(contracts.ErrMCPError, fmt.Sprintf("remote tool returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	var out map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, contracts.Wrap(contracts.ErrMCPError, "remote tool returned non-JSON response", err)
		}
	}
	return out, nil
}

func stringInput(inputs map[string]any, key string) (string, bool) {
	v, ok := inputs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func isWriteTool(entrypoint string) bool {
	return strings.Contains(entrypoint, "write") || strings.Contains(entrypoint, "delete")
}

// resolveWorkspacePath joins rel onto root and rejects any result that
// escapes root, matching ToolExecutor's unsafe_path edge case.
func resolveWorkspacePath(root, rel string) (string, error) {
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", contracts.NewError(contracts.ErrUnsafePath, "path escapes workspace root: "+rel)
	}
	return joined, nil
}
