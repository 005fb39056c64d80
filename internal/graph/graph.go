package graph

import (
	"slices"

	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

// Graph is a validated, acyclic dependency graph over a workflow's tasks.
// It is immutable after Build returns.
type Graph struct {
	ids   []string // declaration order
	preds map[string][]string
	succs map[string][]string
	depth map[string]int
}

// Build validates specs and constructs the dependency graph. It rejects empty
// and duplicate ids, dependencies on undeclared tasks, and cycles.
func Build(specs []workflow.TaskSpec) (*Graph, error) {
	g := &Graph{
		ids:   make([]string, 0, len(specs)),
		preds: make(map[string][]string, len(specs)),
		succs: make(map[string][]string, len(specs)),
		depth: make(map[string]int, len(specs)),
	}

	for _, s := range specs {
		if s.ID == "" {
			return nil, invalidf("task with empty id")
		}
		if _, ok := g.preds[s.ID]; ok {
			return nil, &DuplicateIDError{ID: s.ID}
		}
		g.preds[s.ID] = nil
		g.ids = append(g.ids, s.ID)
	}

	for _, s := range specs {
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			if _, ok := g.preds[dep]; !ok {
				return nil, &UnknownDependencyError{TaskID: s.ID, DependsOn: dep}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.preds[s.ID] = append(g.preds[s.ID], dep)
			g.succs[dep] = append(g.succs[dep], s.ID)
		}
	}
	for id := range g.succs {
		slices.Sort(g.succs[id])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	g.computeDepth()
	return g, nil
}

const (
	white = iota
	grey
	black
)

// findCycle runs a coloring DFS over dependency edges and returns the first
// cycle found, closed with its starting id.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.ids))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.preds[id] {
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				cycle = append(slices.Clone(stack[start:]), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// computeDepth assigns each task its longest distance from a root using
// Kahn's algorithm.
func (g *Graph) computeDepth() {
	inDegree := make(map[string]int, len(g.ids))
	queue := make([]string, 0, len(g.ids))
	for _, id := range g.ids {
		inDegree[id] = len(g.preds[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
			g.depth[id] = 0
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.succs[id] {
			if d := g.depth[id] + 1; d > g.depth[next] {
				g.depth[next] = d
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
}

// IDs returns every task id in declaration order.
func (g *Graph) IDs() []string {
	return slices.Clone(g.ids)
}

func (g *Graph) Len() int {
	return len(g.ids)
}

// Has reports whether id is a task in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.preds[id]
	return ok
}

// Roots returns the tasks with no dependencies, sorted by id.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.ids {
		if len(g.preds[id]) == 0 {
			roots = append(roots, id)
		}
	}
	slices.Sort(roots)
	return roots
}

// Successors returns the direct dependents of id, sorted by id.
func (g *Graph) Successors(id string) []string {
	return slices.Clone(g.succs[id])
}

// Predecessors returns the direct dependencies of id.
func (g *Graph) Predecessors(id string) []string {
	return slices.Clone(g.preds[id])
}

// Descendants returns every transitive dependent of id, sorted by id.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	queue := slices.Clone(g.succs[id])
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.succs[next]...)
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// Depth returns the layer index of id.
func (g *Graph) Depth(id string) int {
	return g.depth[id]
}

// Layers groups tasks into waves where every task in wave k depends only on
// tasks in earlier waves. Ids within a wave are sorted. The scheduler treats
// this as a hint; it starts a task as soon as its predecessors succeed.
func (g *Graph) Layers() [][]string {
	maxDepth := -1
	for _, d := range g.depth {
		maxDepth = max(maxDepth, d)
	}
	layers := make([][]string, maxDepth+1)
	for _, id := range g.ids {
		d := g.depth[id]
		layers[d] = append(layers[d], id)
	}
	for _, l := range layers {
		slices.Sort(l)
	}
	return layers
}
