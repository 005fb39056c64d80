package graph

import (
	"errors"
	"slices"
	"testing"

	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

func task(id string, deps ...string) workflow.TaskSpec {
	return workflow.TaskSpec{ID: id, Name: id, AgentName: "echo", Dependencies: deps}
}

func TestBuild_FanOut(t *testing.T) {
	g, err := Build([]workflow.TaskSpec{task("a"), task("c", "a"), task("b", "a")})
	if err != nil {
		t.Fatal(err)
	}
	if roots := g.Roots(); !slices.Equal(roots, []string{"a"}) {
		t.Fatalf("expected roots [a], got %v", roots)
	}
	if succ := g.Successors("a"); !slices.Equal(succ, []string{"b", "c"}) {
		t.Fatalf("expected successors [b c], got %v", succ)
	}
	if pred := g.Predecessors("b"); !slices.Equal(pred, []string{"a"}) {
		t.Fatalf("expected predecessors [a], got %v", pred)
	}
	layers := g.Layers()
	if len(layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(layers))
	}
	if !slices.Equal(layers[1], []string{"b", "c"}) {
		t.Fatalf("expected second layer [b c], got %v", layers[1])
	}
}

func TestBuild_Diamond(t *testing.T) {
	g, err := Build([]workflow.TaskSpec{
		task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if g.Depth("d") != 2 {
		t.Fatalf("expected d at depth 2, got %d", g.Depth("d"))
	}
	if desc := g.Descendants("a"); !slices.Equal(desc, []string{"b", "c", "d"}) {
		t.Fatalf("expected descendants [b c d], got %v", desc)
	}
	if desc := g.Descendants("b"); !slices.Equal(desc, []string{"d"}) {
		t.Fatalf("expected descendants [d], got %v", desc)
	}
}

func TestBuild_LongestPathDepth(t *testing.T) {
	// d depends on a directly and on c through b, so it lands after c.
	g, err := Build([]workflow.TaskSpec{
		task("a"), task("b", "a"), task("c", "b"), task("d", "a", "c"),
	})
	if err != nil {
		t.Fatal(err)
	}
	layers := g.Layers()
	for k, layer := range layers {
		for _, id := range layer {
			for _, dep := range g.Predecessors(id) {
				if g.Depth(dep) >= k {
					t.Fatalf("%s in layer %d depends on %s in layer %d", id, k, dep, g.Depth(dep))
				}
			}
		}
	}
	if g.Depth("d") != 3 {
		t.Fatalf("expected d at depth 3, got %d", g.Depth("d"))
	}
}

func TestBuild_Empty(t *testing.T) {
	g, err := Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 0 || len(g.Roots()) != 0 || len(g.Layers()) != 0 {
		t.Fatal("expected empty graph")
	}
}

func TestBuild_DuplicateID(t *testing.T) {
	_, err := Build([]workflow.TaskSpec{task("a"), task("a")})
	var dup *DuplicateIDError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateIDError, got %v", err)
	}
	if dup.ID != "a" {
		t.Fatalf("expected id a, got %s", dup.ID)
	}
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatal("expected error to match ErrInvalidGraph")
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build([]workflow.TaskSpec{task("a", "ghost")})
	var unk *UnknownDependencyError
	if !errors.As(err, &unk) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}
	if unk.TaskID != "a" || unk.DependsOn != "ghost" {
		t.Fatalf("unexpected error fields: %+v", unk)
	}
}

func TestBuild_SelfDependency(t *testing.T) {
	_, err := Build([]workflow.TaskSpec{task("x", "x")})
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !slices.Equal(cyc.Path, []string{"x", "x"}) {
		t.Fatalf("expected path [x x], got %v", cyc.Path)
	}
}

func TestBuild_Cycle(t *testing.T) {
	_, err := Build([]workflow.TaskSpec{
		task("root"), task("a", "root", "c"), task("b", "a"), task("c", "b"),
	})
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cyc.Path) != 4 || cyc.Path[0] != cyc.Path[len(cyc.Path)-1] {
		t.Fatalf("expected closed 3-cycle, got %v", cyc.Path)
	}
	for _, id := range cyc.Path {
		if id == "root" {
			t.Fatalf("root is not part of the cycle: %v", cyc.Path)
		}
	}
}

func TestBuild_EmptyID(t *testing.T) {
	_, err := Build([]workflow.TaskSpec{task("")})
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestBuild_DuplicateDependencyCollapsed(t *testing.T) {
	g, err := Build([]workflow.TaskSpec{task("a"), task("b", "a", "a")})
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Predecessors("b")) != 1 || len(g.Successors("a")) != 1 {
		t.Fatal("expected duplicate dependency edges to collapse")
	}
}
