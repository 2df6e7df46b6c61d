package sandbox

import (
	"context"
	"fmt"
	"os"
)

// registerBuiltins wires the inproc_safe handlers every deployment ships
// with: workspace-confined filesystem read/write. Tool manifests name
// these via binding.entrypoint ("fs.read", "fs.write").
func registerBuiltins(d *Dispatcher) {
	d.Registry["fs.read"] = fsRead
	d.Registry["fs.write"] = fsWrite
}

func fsRead(ctx context.Context, workspaceRoot string, inputs map[string]any) (map[string]any, error) {
	path, _ := inputs["path"].(string)
	resolved, err := resolveWorkspacePath(workspaceRoot, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("fs.read: %w", err)
	}
	return map[string]any{"content": string(data)}, nil
}

func fsWrite(ctx context.Context, workspaceRoot string, inputs map[string]any) (map[string]any, error) {
	path, _ := inputs["path"].(string)
	content, _ := inputs["content"].(string)
	resolved, err := resolveWorkspacePath(workspaceRoot, path)
	if err != nil {
		return nil, err
	}
	//nolint:gosec // G306: tool outputs are not secrets
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("fs.write: %w", err)
	}
	return map[string]any{"bytes_written": len(content)}, nil
}
