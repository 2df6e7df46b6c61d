package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

func (s *SQLStore) PutToolManifest(ctx context.Context, m *contracts.ToolManifest) error {
	inSchema, err := json.Marshal(m.InputsSchema)
	if err != nil {
		return err
	}
	outSchema, err := json.Marshal(m.OutputsSchema)
	if err != nil {
		return err
	}
	scopes, err := json.Marshal(m.Risk.ScopesRequired)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO tool_manifests (tool_id, version, inputs_schema_json, outputs_schema_json, binding_type, binding_entrypoint, scopes_required_json, external_write, network_egress, policy_rule)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q, m.ToolID, m.Version, string(inSchema), string(outSchema), string(m.Binding.Type), m.Binding.Entrypoint, string(scopes), boolToInt(m.Risk.ExternalWrite), boolToInt(m.Risk.NetworkEgress), m.PolicyRule)
	return err
}

func (s *SQLStore) GetToolManifest(ctx context.Context, toolID, version string) (*contracts.ToolManifest, error) {
	q := s.rebind(`SELECT tool_id, version, inputs_schema_json, outputs_schema_json, binding_type, binding_entrypoint, scopes_required_json, external_write, network_egress, policy_rule
		FROM tool_manifests WHERE tool_id = ? AND version = ?`)
	row := s.db.QueryRowContext(ctx, q, toolID, version)
	m, err := scanToolManifest(row)
	if err == sql.ErrNoRows {
		return nil, contracts.NewError(contracts.ErrToolNotFound, "tool manifest not found")
	}
	return m, err
}

func (s *SQLStore) ListToolManifestVersions(ctx context.Context, toolID string) ([]*contracts.ToolManifest, error) {
	q := s.rebind(`SELECT tool_id, version, inputs_schema_json, outputs_schema_json, binding_type, binding_entrypoint, scopes_required_json, external_write, network_egress, policy_rule
		FROM tool_manifests WHERE tool_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, toolID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.ToolManifest
	for rows.Next() {
		m, err := scanToolManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanToolManifest(row rowScanner) (*contracts.ToolManifest, error) {
	var m contracts.ToolManifest
	var inSchema, outSchema, scopes, bindingType string
	var extWrite, netEgress int
	var policyRule sql.NullString
	if err := row.Scan(&m.ToolID, &m.Version, &inSchema, &outSchema, &bindingType, &m.Binding.Entrypoint, &scopes, &extWrite, &netEgress, &policyRule); err != nil {
		return nil, err
	}
	m.PolicyRule = policyRule.String
	m.Binding.Type = contracts.BindingType(bindingType)
	m.Risk.ExternalWrite = extWrite != 0
	m.Risk.NetworkEgress = netEgress != 0
	_ = json.Unmarshal([]byte(inSchema), &m.InputsSchema)
	_ = json.Unmarshal([]byte(outSchema), &m.OutputsSchema)
	_ = json.Unmarshal([]byte(scopes), &m.Risk.ScopesRequired)
	return &m, nil
}

func (s *SQLStore) GrantScope(ctx context.Context, g *contracts.ScopeGrant) error {
	q := s.rebind(`INSERT INTO scope_grants (project_id, scope, granted_by, granted_at) VALUES (?, ?, ?, ?)`)
	if s.dialect == DialectPostgres {
		q += ` ON CONFLICT (project_id, scope) DO NOTHING`
		_, err := s.db.ExecContext(ctx, s.rebind(q), g.ProjectID, g.Scope, g.GrantedBy, g.GrantedAt.UTC().Format(timeLayout))
		return err
	}
	q = `INSERT OR IGNORE INTO scope_grants (project_id, scope, granted_by, granted_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, g.ProjectID, g.Scope, g.GrantedBy, g.GrantedAt.UTC().Format(timeLayout))
	return err
}

func (s *SQLStore) ListScopes(ctx context.Context, projectID string) ([]contracts.ScopeGrant, error) {
	q := s.rebind(`SELECT project_id, scope, granted_by, granted_at FROM scope_grants WHERE project_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.ScopeGrant
	for rows.Next() {
		var g contracts.ScopeGrant
		var granted string
		if err := rows.Scan(&g.ProjectID, &g.Scope, &g.GrantedBy, &granted); err != nil {
			return nil, err
		}
		g.GrantedAt, _ = time.Parse(timeLayout, granted)
		out = append(out, g)
	}
	return out, rows.Err()
}
