// Package manifest resolves and validates tool manifests: version
// selection against a run's pins (falling back to the newest installed
// version), and JSON Schema validation of tool inputs/outputs. Version
// comparison uses Masterminds/semver rather than a hand-rolled parser —
// the pinning rule needs correct prerelease/build-metadata precedence,
// which is exactly what a maintained semver library buys over a regexp.
package manifest

import (
	"context"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// Registry resolves tool manifests by id and optional explicit version.
type Registry struct {
	Store store.Store
}

func NewRegistry(st store.Store) *Registry { return &Registry{Store: st} }

// Resolve implements ToolExecutor step 1: an explicit version wins; absent
// one, the run's pin for tool_id is used; absent a pin, the newest
// installed version is selected. A pinned version that isn't installed is
// pinned_version_missing.
func (r *Registry) Resolve(ctx context.Context, toolID, explicitVersion string, pins contracts.Pins) (*contracts.ToolManifest, error) {
	version := explicitVersion
	pinned := false
	if version == "" {
		if v, ok := pins.ToolVersions[toolID]; ok && v != "" {
			version, pinned = v, true
		}
	}

	if version != "" {
		m, err := r.Store.GetToolManifest(ctx, toolID, version)
		if err != nil {
			if kind, ok := contracts.KindOf(err); ok && kind == contracts.ErrToolNotFound && pinned {
				return nil, contracts.NewError(contracts.ErrPinnedVersionMissing, "pinned version not installed: "+toolID+"@"+version)
			}
			return nil, err
		}
		return m, nil
	}

	return r.latest(ctx, toolID)
}

// latest picks the highest installed semver for a tool.
func (r *Registry) latest(ctx context.Context, toolID string) (*contracts.ToolManifest, error) {
	versions, err := r.Store.ListToolManifestVersions(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, contracts.NewError(contracts.ErrToolNotFound, "no installed versions for tool: "+toolID)
	}

	type parsed struct {
		v *semver.Version
		m *contracts.ToolManifest
	}
	candidates := make([]parsed, 0, len(versions))
	for _, m := range versions {
		sv, err := semver.NewVersion(m.Version)
		if err != nil {
			continue
		}
		candidates = append(candidates, parsed{v: sv, m: m})
	}
	if len(candidates) == 0 {
		return nil, contracts.NewError(contracts.ErrToolNotFound, "no parseable semver versions for tool: "+toolID)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].v.LessThan(candidates[j].v) })
	return candidates[len(candidates)-1].m, nil
}
