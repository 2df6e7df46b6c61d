package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mindburn-labs/substrate/pkg/contracts"
)

// SchemaValidator compiles and caches the inputs_schema/outputs_schema of
// every ToolManifest it is asked to validate against, grounded on
// pkg/firewall's PolicyFirewall (compile-on-first-use, cache by a
// synthetic resource URL, Draft2020).
type SchemaValidator struct {
	mu      sync.RWMutex
	inputs  map[string]*jsonschema.Schema
	outputs map[string]*jsonschema.Schema
}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{inputs: make(map[string]*jsonschema.Schema), outputs: make(map[string]*jsonschema.Schema)}
}

func cacheKey(toolID, version string) string { return toolID + "@" + version }

// ValidateInputs implements ToolExecutor step 2.
func (v *SchemaValidator) ValidateInputs(m *contracts.ToolManifest, inputs map[string]any) error {
	schema, err := v.compiled(&v.inputs, m.ToolID, m.Version, "inputs", m.InputsSchema)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(toAnyMap(inputs)); err != nil {
		return contracts.Wrap(contracts.ErrSchemaViolation, "inputs do not match tool schema", err)
	}
	return nil
}

// ValidateOutputs implements ToolExecutor step 6.
func (v *SchemaValidator) ValidateOutputs(m *contracts.ToolManifest, outputs map[string]any) error {
	schema, err := v.compiled(&v.outputs, m.ToolID, m.Version, "outputs", m.OutputsSchema)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(toAnyMap(outputs)); err != nil {
		return contracts.Wrap(contracts.ErrSchemaViolation, "outputs do not match tool schema", err)
	}
	return nil
}

func (v *SchemaValidator) compiled(cache *map[string]*jsonschema.Schema, toolID, version, side string, raw map[string]any) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	key := cacheKey(toolID, version) + ":" + side

	v.mu.RLock()
	s, ok := (*cache)[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := (*cache)[key]; ok {
		return s, nil
	}

	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal %s schema for %s: %w", side, toolID, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	resourceURL := fmt.Sprintf("mem://substrate/%s.schema.json", strings.ReplaceAll(key, "/", "_"))
	if err := c.AddResource(resourceURL, strings.NewReader(string(rawJSON))); err != nil {
		return nil, fmt.Errorf("manifest: load %s schema for %s: %w", side, toolID, err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: compile %s schema for %s: %w", side, toolID, err)
	}
	(*cache)[key] = compiled
	return compiled, nil
}

func toAnyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
