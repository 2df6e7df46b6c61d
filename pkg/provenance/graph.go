// Package provenance builds the run-scoped lineage graph ProvenanceService
// exposes: which tool calls produced which artifacts, which research
// sources fed which citations, and "why" an artifact exists, traced back
// to the events and workflow nodes that caused it.
package provenance

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/mindburn-labs/substrate/pkg/clock"
	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// NodeType enumerates the graph's node kinds.
type NodeType string

const (
	NodeEvent          NodeType = "event"
	NodeArtifact       NodeType = "artifact"
	NodeResearchSource NodeType = "research_source"
	NodeWorkflow       NodeType = "workflow_node"
)

// EdgeKind enumerates the graph's edge kinds.
type EdgeKind string

const (
	EdgeToolOutcome           EdgeKind = "tool_outcome"
	EdgeArtifactRef           EdgeKind = "artifact_ref"
	EdgeSourceEventArtifact   EdgeKind = "source_event_artifact"
	EdgeCorrelationArtifact   EdgeKind = "correlation_artifact"
	EdgeResearchSourceFromTool EdgeKind = "research_source_from_tool"
	EdgeCitation              EdgeKind = "citation"
	EdgeWorkflowEvent         EdgeKind = "workflow_event"
	EdgeOutputsRef            EdgeKind = "outputs_ref"
)

// Node is a graph vertex.
type Node struct {
	ID   string         `json:"id"`
	Type NodeType       `json:"type"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Edge is a directed graph edge.
type Edge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind EdgeKind       `json:"kind"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Graph is ProvenanceService's canonicalised output: nodes sorted by
// (type, id), edges by (from, to, kind, canonical(meta)).
type Graph struct {
	RunID          string `json:"run_id"`
	Nodes          []Node `json:"nodes"`
	Edges          []Edge `json:"edges"`
	NodesTruncated bool   `json:"nodes_truncated"`
	EdgesTruncated bool   `json:"edges_truncated"`
}

// Summary is the cheap provenance_summary(run_id) response: node/edge
// counts by kind, without the full graph body.
type Summary struct {
	RunID      string           `json:"run_id"`
	NodeCounts map[NodeType]int `json:"node_counts"`
	EdgeCounts map[EdgeKind]int `json:"edge_counts"`
}

// Path is one "why" chain: the node sequence from an artifact back to a
// terminal cause, and the edges connecting them, nodes[0] is the artifact.
type Path struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

const (
	defaultMaxDepth = 20
	defaultNodeCap  = 2000
	defaultEdgeCap  = 4000
	defaultMaxPaths = 20
)

// provenanceAffectingKinds mirrors pkg/eventlog's cache-invalidation set;
// duplicated here (rather than imported) to avoid a dependency from
// provenance back into eventlog for a handful of string constants.
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

// Service computes and caches run provenance graphs.
type Service struct {
	Store store.Store
	Clock clock.Clock
}

func New(st store.Store, clk clock.Clock) *Service {
	return &Service{Store: st, Clock: clk}
}

// Query parameters for Graph; zero values take the defaults that make a
// request eligible for the cache.
type Query struct {
	MaxDepth int
	NodeCap  int
	EdgeCap  int
}

func (q Query) isDefault() bool {
	return q.MaxDepth == 0 && q.NodeCap == 0 && q.EdgeCap == 0
}

func (q Query) withDefaults() Query {
	if q.MaxDepth <= 0 {
		q.MaxDepth = defaultMaxDepth
	}
	if q.NodeCap <= 0 {
		q.NodeCap = defaultNodeCap
	}
	if q.EdgeCap <= 0 {
		q.EdgeCap = defaultEdgeCap
	}
	return q
}

// Graph runs the full build-or-cache-hit path for provenance_graph(run_id).
func (s *Service) Graph(ctx context.Context, runID string, q Query) (*Graph, error) {
	events, err := s.Store.ListEvents(ctx, runID, 0, 0, nil, false)
	if err != nil {
		return nil, err
	}
	lastSeq := int64(0)
	for _, ev := range events {
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}

	if q.isDefault() {
		cached, err := s.Store.GetProvenanceCache(ctx, runID)
		if err != nil {
			return nil, err
		}
		if cached != nil && cached.LastSeq == lastSeq {
			_ = s.Store.IncrCounter(ctx, "provenance_cache.hit_count", 1)
			var g Graph
			if err := json.Unmarshal(cached.GraphBlob, &g); err != nil {
				return nil, err
			}
			return &g, nil
		}
		_ = s.Store.IncrCounter(ctx, "provenance_cache.miss_count", 1)
	}

	start := s.Clock.Now()
	g, err := s.build(ctx, runID, events, q.withDefaults())
	if err != nil {
		return nil, err
	}
	elapsedMs := float64(s.Clock.Now().Sub(start).Milliseconds())

	if q.isDefault() {
		_ = s.Store.IncrCounter(ctx, "provenance_cache.recompute_count", 1)
		_ = s.Store.SetGauge(ctx, "provenance_cache.last_recompute_ms", elapsedMs)
		blob, err := json.Marshal(g)
		if err == nil {
			_ = s.Store.PutProvenanceCache(ctx, &contracts.ProvenanceCacheRow{
				RunID: runID, LastSeq: lastSeq, GraphBlob: blob, ComputedAt: s.Clock.Now(),
			})
		}
	}
	return g, nil
}

// Summarize returns node/edge counts without persisting or caching — a
// cheap view for provenance_summary(run_id).
func (s *Service) Summarize(ctx context.Context, runID string) (*Summary, error) {
	events, err := s.Store.ListEvents(ctx, runID, 0, 0, nil, false)
	if err != nil {
		return nil, err
	}
	g, err := s.build(ctx, runID, events, Query{MaxDepth: defaultMaxDepth, NodeCap: 0, EdgeCap: 0}.withDefaults())
	if err != nil {
		return nil, err
	}
	sum := &Summary{RunID: runID, NodeCounts: map[NodeType]int{}, EdgeCounts: map[EdgeKind]int{}}
	for _, n := range g.Nodes {
		sum.NodeCounts[n.Type]++
	}
	for _, e := range g.Edges {
		sum.EdgeCounts[e.Kind]++
	}
	return sum, nil
}

type builder struct {
	nodes map[string]Node
	edges []Edge
}

func newBuilder() *builder { return &builder{nodes: map[string]Node{}} }

func (b *builder) addNode(id string, t NodeType, meta map[string]any) {
	if _, ok := b.nodes[id]; ok {
		return
	}
	b.nodes[id] = Node{ID: id, Type: t, Meta: meta}
}

func (b *builder) addEdge(from, to string, kind EdgeKind, meta map[string]any) {
	b.edges = append(b.edges, Edge{From: from, To: to, Kind: kind, Meta: meta})
}

func eventNodeID(eventID string) string    { return "event:" + eventID }
func artifactNodeID(artifactID string) string { return "artifact:" + artifactID }
func sourceNodeID(sourceID string) string  { return "source:" + sourceID }
func workflowNodeID(eventID string) string { return "workflow:" + eventID }

// build implements the nine-step algorithm: index call/outcome events by
// correlation_id, add event and tool_outcome edges, artifact nodes
// (persisted links preferred, artifact_ref event scan as fallback),
// research_source nodes, workflow nodes, citation edges, then depth-limit
// via bidirectional BFS from artifact nodes and enforce the node/edge caps.
func (s *Service) build(ctx context.Context, runID string, events []*contracts.Event, q Query) (*Graph, error) {
	b := newBuilder()

	callByCorrelation := map[string]*contracts.Event{}
	outcomeByCorrelation := map[string]*contracts.Event{}

	for _, ev := range events {
		b.addNode(eventNodeID(ev.EventID), NodeEvent, map[string]any{"kind": ev.Kind, "seq": ev.Seq})

		if ev.Kind == "tool_call" && ev.CorrelationID != "" {
			if _, exists := callByCorrelation[ev.CorrelationID]; !exists {
				callByCorrelation[ev.CorrelationID] = ev
			}
		}
		if (ev.Kind == "tool_result" || ev.Kind == "tool_error") && ev.CorrelationID != "" {
			outcomeByCorrelation[ev.CorrelationID] = ev // last wins
		}
	}
	for corrID, outcome := range outcomeByCorrelation {
		call, ok := callByCorrelation[corrID]
		if !ok {
			continue
		}
		b.addEdge(eventNodeID(call.EventID), eventNodeID(outcome.EventID), EdgeToolOutcome, map[string]any{"correlation_id": corrID})
	}

	if err := s.addArtifactNodes(ctx, b, runID, events, callByCorrelation); err != nil {
		return nil, err
	}
	if err := s.addResearchSourceNodes(ctx, b, runID, callByCorrelation); err != nil {
		return nil, err
	}
	s.addWorkflowNodes(b, events)
	s.addCitationEdges(b, events)

	return s.finalize(runID, b, q), nil
}

func (s *Service) addArtifactNodes(ctx context.Context, b *builder, runID string, events []*contracts.Event, callByCorrelation map[string]*contracts.Event) error {
	links, err := s.Store.ListArtifactLinks(ctx, runID)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		for _, l := range links {
			b.addNode(artifactNodeID(l.ArtifactID), NodeArtifact, map[string]any{"tool_id": l.ToolID})
			b.addEdge(eventNodeID(l.EventID), artifactNodeID(l.ArtifactID), EdgeArtifactRef, nil)
			if l.SourceEventID != "" {
				b.addEdge(eventNodeID(l.SourceEventID), artifactNodeID(l.ArtifactID), EdgeSourceEventArtifact, nil)
			}
			if l.CorrelationID != "" {
				if call, ok := callByCorrelation[l.CorrelationID]; ok {
					b.addEdge(eventNodeID(call.EventID), artifactNodeID(l.ArtifactID), EdgeCorrelationArtifact, map[string]any{"correlation_id": l.CorrelationID})
				}
			}
		}
		return nil
	}

	// Legacy fallback: scan artifact_ref events directly.
	for _, ev := range events {
		if ev.Kind != "artifact_ref" {
			continue
		}
		artifactID, _ := ev.Payload["artifact_id"].(string)
		if artifactID == "" {
			continue
		}
		b.addNode(artifactNodeID(artifactID), NodeArtifact, nil)
		b.addEdge(eventNodeID(ev.EventID), artifactNodeID(artifactID), EdgeArtifactRef, nil)
		if ev.CorrelationID != "" {
			if call, ok := callByCorrelation[ev.CorrelationID]; ok {
				b.addEdge(eventNodeID(call.EventID), artifactNodeID(artifactID), EdgeCorrelationArtifact, map[string]any{"correlation_id": ev.CorrelationID})
			}
		}
	}
	return nil
}

func (s *Service) addResearchSourceNodes(ctx context.Context, b *builder, runID string, callByCorrelation map[string]*contracts.Event) error {
	sources, err := s.Store.ListResearchSources(ctx, runID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}
	for _, src := range sources {
		b.addNode(sourceNodeID(src.SourceID), NodeResearchSource, map[string]any{"uri": src.URI, "title": src.Title})
	}

	links, err := s.Store.ListResearchSourceLinks(ctx, runID)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		for _, l := range links {
			b.addEdge(eventNodeID(l.EventID), sourceNodeID(l.SourceID), EdgeResearchSourceFromTool, nil)
			if l.CorrelationID != "" {
				if call, ok := callByCorrelation[l.CorrelationID]; ok {
					b.addEdge(eventNodeID(call.EventID), sourceNodeID(l.SourceID), EdgeResearchSourceFromTool, map[string]any{"correlation_id": l.CorrelationID})
				}
			}
		}
		return nil
	}

	// Fallback: link every source to the call sharing its fetched_by tool,
	// by correlation_id, when no explicit link row exists.
	for _, src := range sources {
		for corrID, call := range callByCorrelation {
			toolID, _ := call.Payload["tool_id"].(string)
			if toolID != "" && toolID == src.FetchedBy {
				b.addEdge(eventNodeID(call.EventID), sourceNodeID(src.SourceID), EdgeResearchSourceFromTool, map[string]any{"correlation_id": corrID})
			}
		}
	}
	return nil
}

func (s *Service) addWorkflowNodes(b *builder, events []*contracts.Event) {
	for _, ev := range events {
		if !isWorkflowKind(ev.Kind) {
			continue
		}
		b.addNode(workflowNodeID(ev.EventID), NodeWorkflow, map[string]any{"kind": ev.Kind})
		b.addEdge(workflowNodeID(ev.EventID), eventNodeID(ev.EventID), EdgeWorkflowEvent, nil)

		if ev.Kind == "workflow_node_completed" {
			if ref, ok := ev.Payload["outputs_ref"].(string); ok && ref != "" {
				b.addEdge(workflowNodeID(ev.EventID), artifactNodeID(ref), EdgeOutputsRef, nil)
			}
		}
	}
}

func isWorkflowKind(kind string) bool {
	return len(kind) > len("workflow_") && kind[:len("workflow_")] == "workflow_"
}

func (s *Service) addCitationEdges(b *builder, events []*contracts.Event) {
	for _, ev := range events {
		if ev.Kind != "research_report_created" {
			continue
		}
		citations, _ := ev.Payload["citations"].([]any)
		for _, c := range citations {
			sourceID, _ := c.(string)
			if sourceID == "" {
				continue
			}
			b.addEdge(eventNodeID(ev.EventID), sourceNodeID(sourceID), EdgeCitation, nil)
		}
	}
}

// finalize performs the depth-limited bidirectional BFS rooted at artifact
// nodes, enforces the node/edge caps, and canonicalises ordering.
func (s *Service) finalize(runID string, b *builder, q Query) *Graph {
	adjacency := map[string][]Edge{}
	reverse := map[string][]Edge{}
	for _, e := range b.edges {
		adjacency[e.From] = append(adjacency[e.From], e)
		reverse[e.To] = append(reverse[e.To], e)
	}

	var roots []string
	for id, n := range b.nodes {
		if n.Type == NodeArtifact {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	reached := map[string]bool{}
	if len(roots) == 0 {
		for id := range b.nodes {
			reached[id] = true
		}
	} else {
		for _, root := range roots {
			bfs(root, q.MaxDepth, adjacency, reverse, reached)
		}
	}

	var nodes []Node
	for id := range reached {
		nodes = append(nodes, b.nodes[id])
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type < nodes[j].Type
		}
		return nodes[i].ID < nodes[j].ID
	})

	var edges []Edge
	for _, e := range b.edges {
		if reached[e.From] && reached[e.To] {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		if edges[i].Kind != edges[j].Kind {
			return edges[i].Kind < edges[j].Kind
		}
		return canonicalMeta(edges[i].Meta) < canonicalMeta(edges[j].Meta)
	})

	g := &Graph{RunID: runID, Nodes: nodes, Edges: edges}
	if len(nodes) > q.NodeCap {
		g.Nodes = nodes[:q.NodeCap]
		g.NodesTruncated = true
	}
	if len(edges) > q.EdgeCap {
		g.Edges = edges[:q.EdgeCap]
		g.EdgesTruncated = true
	}
	return g
}

func bfs(root string, maxDepth int, adjacency, reverse map[string][]Edge, reached map[string]bool) {
	type frontier struct {
		id    string
		depth int
	}
	queue := []frontier{{id: root, depth: 0}}
	reached[root] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, e := range adjacency[cur.id] {
			if !reached[e.To] {
				reached[e.To] = true
				queue = append(queue, frontier{id: e.To, depth: cur.depth + 1})
			}
		}
		for _, e := range reverse[cur.id] {
			if !reached[e.From] {
				reached[e.From] = true
				queue = append(queue, frontier{id: e.From, depth: cur.depth + 1})
			}
		}
	}
}

func canonicalMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	b, _ := json.Marshal(meta)
	return string(b)
}

// Why computes reverse BFS "why paths" for provenance_why: from the
// artifact node, walk incoming edges, stopping at event/research_source/
// workflow_node terminal types or max_depth, collecting up to max_paths
// deterministically ordered paths.
func (s *Service) Why(ctx context.Context, runID, artifactID string, maxPaths, maxDepth int) ([]Path, error) {
	if maxPaths <= 0 {
		maxPaths = defaultMaxPaths
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	events, err := s.Store.ListEvents(ctx, runID, 0, 0, nil, false)
	if err != nil {
		return nil, err
	}
	b := newBuilder()
	callByCorrelation := map[string]*contracts.Event{}
	for _, ev := range events {
		b.addNode(eventNodeID(ev.EventID), NodeEvent, nil)
		if ev.Kind == "tool_call" && ev.CorrelationID != "" {
			if _, exists := callByCorrelation[ev.CorrelationID]; !exists {
				callByCorrelation[ev.CorrelationID] = ev
			}
		}
	}
	if err := s.addArtifactNodes(ctx, b, runID, events, callByCorrelation); err != nil {
		return nil, err
	}
	if err := s.addResearchSourceNodes(ctx, b, runID, callByCorrelation); err != nil {
		return nil, err
	}
	s.addWorkflowNodes(b, events)
	s.addCitationEdges(b, events)

	reverse := map[string][]Edge{}
	for _, e := range b.edges {
		reverse[e.To] = append(reverse[e.To], e)
	}

	root := artifactNodeID(artifactID)
	if _, ok := b.nodes[root]; !ok {
		return nil, contracts.NewError(contracts.ErrArtifactNotFound, "artifact not found in run provenance")
	}

	var paths []Path
	var walk func(nodeID string, trail []string, edgeTrail []Edge, depth int)
	walk = func(nodeID string, trail []string, edgeTrail []Edge, depth int) {
		if len(paths) >= maxPaths {
			return
		}
		t := b.nodes[nodeID].Type
		if nodeID != root && (t == NodeEvent || t == NodeResearchSource || t == NodeWorkflow) {
			paths = append(paths, Path{Nodes: append([]string{}, trail...), Edges: append([]Edge{}, edgeTrail...)})
			return
		}
		if depth >= maxDepth {
			paths = append(paths, Path{Nodes: append([]string{}, trail...), Edges: append([]Edge{}, edgeTrail...)})
			return
		}
		preds := reverse[nodeID]
		if len(preds) == 0 {
			paths = append(paths, Path{Nodes: append([]string{}, trail...), Edges: append([]Edge{}, edgeTrail...)})
			return
		}
		sort.Slice(preds, func(i, j int) bool { return preds[i].From < preds[j].From })
		for _, e := range preds {
			walk(e.From, append(trail, e.From), append(edgeTrail, e), depth+1)
			if len(paths) >= maxPaths {
				return
			}
		}
	}
	walk(root, []string{root}, nil, 0)

	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i].Nodes) != len(paths[j].Nodes) {
			return len(paths[i].Nodes) < len(paths[j].Nodes)
		}
		for k := range paths[i].Nodes {
			if paths[i].Nodes[k] != paths[j].Nodes[k] {
				return paths[i].Nodes[k] < paths[j].Nodes[k]
			}
		}
		return false
	})
	if len(paths) > maxPaths {
		paths = paths[:maxPaths]
	}
	return paths, nil
}
