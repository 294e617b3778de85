// Package depgraph implements the dependency resolver (C2) and the DAG
// builder (C5): turning a runnable's declared dependencies into a
// fingerprint plus DAG edges, and assembling those edges into an acyclic
// graph with a stable topological order.
//
// Grounded on turborepo's internal/core/engine.go, which wraps the same
// github.com/pyr-sh/dag.AcyclicGraph for its package-task graph.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/pyr-sh/dag"

	"github.com/qik-run/qik/internal/runnable"
)

// Edge annotates a DAG edge with the strict/isolated flags inherited from
// the declaring dependency (spec §3).
type Edge struct {
	Upstream   string
	Downstream string
	Strict     bool
	Isolated   bool
}

// Graph is the runnable dependency DAG: nodes are runnable slugs, edges
// point from upstream (producer) to downstream (consumer).
type Graph struct {
	inner *dag.AcyclicGraph
	// edgesByDownstream indexes edges by their downstream node, for
	// upstream traversal (selection expansion) and fingerprint recursion.
	edgesByDownstream map[string][]Edge
	// edgesByUpstream indexes edges by their upstream node, for strict
	// downstream traversal (spec §4.6: "strict downstream pull-in").
	edgesByUpstream map[string][]Edge
	slugs           util0Set
}

type util0Set map[string]struct{}

// NewGraph builds an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		inner:             &dag.AcyclicGraph{},
		edgesByDownstream: make(map[string][]Edge),
		edgesByUpstream:   make(map[string][]Edge),
		slugs:             make(util0Set),
	}
}

// AddNode registers a runnable slug as a DAG vertex.
func (g *Graph) AddNode(slug string) {
	if _, ok := g.slugs[slug]; ok {
		return
	}
	g.slugs[slug] = struct{}{}
	g.inner.Add(slug)
}

// AddEdge connects an upstream runnable to a downstream runnable. Both
// ends must already be registered with AddNode.
func (g *Graph) AddEdge(e Edge) {
	g.inner.Connect(dag.BasicEdge(e.Downstream, e.Upstream))
	g.edgesByDownstream[e.Downstream] = append(g.edgesByDownstream[e.Downstream], e)
	g.edgesByUpstream[e.Upstream] = append(g.edgesByUpstream[e.Upstream], e)
}

// Upstreams returns the direct upstream edges of slug (what slug depends on).
func (g *Graph) Upstreams(slug string) []Edge {
	return g.edgesByDownstream[slug]
}

// Downstreams returns the direct downstream edges of slug (what depends on slug).
func (g *Graph) Downstreams(slug string) []Edge {
	return g.edgesByUpstream[slug]
}

// Nodes returns all registered slugs, sorted for deterministic iteration.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.slugs))
	for s := range g.slugs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CycleError is returned by Validate when the graph is not acyclic. It
// enumerates one representative cycle as a path of slugs.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Path)
}

// Validate checks the graph is acyclic, returning a *CycleError naming one
// concrete cycle if not. Implemented as a recursive three-color DFS
// (spec §4.5) rather than relying on the underlying dag library's
// internal cycle reporting, since spec requires a concrete path and
// pyr-sh/dag only reports that a cycle exists.
func (g *Graph) Validate() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.slugs))
	parent := make(map[string]string)

	var visit func(node string) *CycleError
	visit = func(node string) *CycleError {
		color[node] = gray
		// Sort for deterministic cycle reporting across runs.
		ups := append([]Edge(nil), g.edgesByDownstream[node]...)
		sort.Slice(ups, func(i, j int) bool { return ups[i].Upstream < ups[j].Upstream })
		for _, e := range ups {
			next := e.Upstream
			switch color[next] {
			case white:
				parent[next] = node
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case gray:
				// Found a back edge: next is an upstream of node and still on
				// the DFS stack. Following parent links from node back to next
				// yields next -> node -> ... -> next, which already reads
				// upstream-to-downstream.
				path := []string{next}
				cur := node
				for cur != next {
					path = append(path, cur)
					cur = parent[cur]
				}
				path = append(path, next)
				return &CycleError{Path: path}
			}
		}
		color[node] = black
		return nil
	}

	for _, node := range g.Nodes() {
		if color[node] == white {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopoOrder returns all nodes in a stable topological order: upstream
// nodes before downstream, ties broken by slug (spec §4.5).
func (g *Graph) TopoOrder() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(g.slugs))
	for _, node := range g.Nodes() {
		indegree[node] = len(g.edgesByDownstream[node])
	}

	var ready []string
	for node, deg := range indegree {
		if deg == 0 {
			ready = append(ready, node)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)

		downs := append([]Edge(nil), g.edgesByUpstream[node]...)
		sort.Slice(downs, func(i, j int) bool { return downs[i].Downstream < downs[j].Downstream })
		for _, e := range downs {
			indegree[e.Downstream]--
			if indegree[e.Downstream] == 0 {
				ready = append(ready, e.Downstream)
			}
		}
	}

	if len(order) != len(g.slugs) {
		// Should be unreachable since Validate already passed.
		return nil, fmt.Errorf("depgraph: topo sort failed to order all nodes")
	}
	return order, nil
}

// TransitiveUpstreams returns the set of all nodes reachable by following
// upstream edges from slug (used by the selector's default upstream
// expansion, spec §4.6).
func (g *Graph) TransitiveUpstreams(slug string) util0Set {
	visited := make(util0Set)
	var walk func(string)
	walk = func(n string) {
		for _, e := range g.edgesByDownstream[n] {
			if _, seen := visited[e.Upstream]; seen {
				continue
			}
			visited[e.Upstream] = struct{}{}
			walk(e.Upstream)
		}
	}
	walk(slug)
	return visited
}

// TransitiveUpstreamsFiltered is TransitiveUpstreams but stops descending
// through an edge marked isolated=true (spec §3, §4.6: --isolated drops
// transitive upstreams unless the edge itself overrides isolation).
func (g *Graph) TransitiveUpstreamsFiltered(slug string, dropIsolated bool) util0Set {
	visited := make(util0Set)
	var walk func(string)
	walk = func(n string) {
		for _, e := range g.edgesByDownstream[n] {
			if dropIsolated && e.Isolated {
				continue
			}
			if _, seen := visited[e.Upstream]; seen {
				continue
			}
			visited[e.Upstream] = struct{}{}
			walk(e.Upstream)
		}
	}
	walk(slug)
	return visited
}

// StrictDownstreams returns the set of nodes reachable by following
// downstream edges marked strict=true from slug (spec §4.6: "--since
// <ref> that selects an upstream U also selects any downstream D whose
// edge from U is marked strict=true").
func (g *Graph) StrictDownstreams(slug string) util0Set {
	visited := make(util0Set)
	var walk func(string)
	walk = func(n string) {
		for _, e := range g.edgesByUpstream[n] {
			if !e.Strict {
				continue
			}
			if _, seen := visited[e.Downstream]; seen {
				continue
			}
			visited[e.Downstream] = struct{}{}
			walk(e.Downstream)
		}
	}
	walk(slug)
	return visited
}

// BuildFromRunnables registers every runnable as a node and wires edges
// from its resolved Deps: DepCommand variants per their declared
// strict/isolated flags, and DepPluginEmitted variants against their lock
// command with strict=true (spec §3/§4.2 — a plugin-emitted dependency
// "imposes an edge to the lock command with strict=true"). Other dep
// kinds don't contribute edges; they're resolved by the fingerprint
// resolver directly against the hash source.
func BuildFromRunnables(runnables map[string]*runnable.Runnable) (*Graph, error) {
	g := NewGraph()
	for slug := range runnables {
		g.AddNode(slug)
	}
	for slug, r := range runnables {
		for _, d := range r.Deps {
			switch d.Kind {
			case runnable.DepCommand:
				upstream, ok := resolveCommandSlug(runnables, d.CommandName)
				if !ok {
					return nil, fmt.Errorf("depgraph: %s depends on unknown command %q", slug, d.CommandName)
				}
				g.AddEdge(Edge{
					Upstream:   upstream,
					Downstream: slug,
					Strict:     d.Strict,
					Isolated:   d.IsolatedOrDefault(),
				})

			case runnable.DepPluginEmitted:
				upstream, ok := resolveCommandSlug(runnables, d.PluginName)
				if !ok {
					return nil, fmt.Errorf("depgraph: %s depends on unknown plugin lock command %q", slug, d.PluginName)
				}
				g.AddEdge(Edge{
					Upstream:   upstream,
					Downstream: slug,
					Strict:     true,
					Isolated:   d.IsolatedOrDefault(),
				})
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// resolveCommandSlug finds the runnable produced for a bare command name
// referenced by a `command` dependency. If more than one runnable shares
// that command name (parametric expansion), all of them are wired as
// separate edges by the caller iterating per-module; here we match on
// exact slug first, then fall back to the bare command name for
// non-parametric commands.
func resolveCommandSlug(runnables map[string]*runnable.Runnable, commandName string) (string, bool) {
	if _, ok := runnables[commandName]; ok {
		return commandName, true
	}
	for slug, r := range runnables {
		if r.CommandName == commandName {
			return slug, true
		}
	}
	return "", false
}
