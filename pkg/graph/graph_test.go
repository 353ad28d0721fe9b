package graph

import (
	"reflect"
	"strings"
	"testing"

	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
)

func addUnits(t *testing.T, g *Graph, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := g.AddUnit(NewUnit(p + "/terragrid.hcl")); err != nil {
			t.Fatalf("AddUnit(%s): %v", p, err)
		}
	}
}

func TestGraph_AddUnit(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/vpc")

	if err := g.AddUnit(NewUnit("/repo/vpc/terragrid.hcl")); err == nil {
		t.Error("expected duplicate unit to fail")
	}

	if g.GetUnit("/repo/vpc") == nil {
		t.Error("expected unit to be retrievable by path")
	}
	if g.GetUnit("/repo/missing") != nil {
		t.Error("expected missing unit lookup to return nil")
	}
}

func TestGraph_AddEdge(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/vpc", "/repo/app")

	if err := g.AddEdge("/repo/app", "/repo/vpc"); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	app := g.GetUnit("/repo/app")
	vpc := g.GetUnit("/repo/vpc")
	if !reflect.DeepEqual(app.DependsOn, []string{"/repo/vpc"}) {
		t.Errorf("expected app to depend on vpc, got %v", app.DependsOn)
	}
	if !reflect.DeepEqual(vpc.DependedOnBy, []string{"/repo/app"}) {
		t.Errorf("expected vpc to be depended on by app, got %v", vpc.DependedOnBy)
	}

	// Adding the same edge twice must not duplicate it.
	if err := g.AddEdge("/repo/app", "/repo/vpc"); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if len(app.DependsOn) != 1 {
		t.Errorf("expected edge to be recorded once, got %v", app.DependsOn)
	}

	if err := g.AddEdge("/repo/app", "/repo/missing"); err == nil {
		t.Error("expected edge to missing unit to fail")
	}
}

func TestGraph_TopologicalSort_RespectsEdges(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/c", "/repo/b", "/repo/a")
	if err := g.AddEdge("/repo/c", "/repo/b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("/repo/b", "/repo/a"); err != nil {
		t.Fatal(err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	want := []string{"/repo/a", "/repo/b", "/repo/c"}
	if !reflect.DeepEqual(unitPaths(order), want) {
		t.Errorf("expected order %v, got %v", want, unitPaths(order))
	}
}

func TestGraph_TopologicalSort_LexicographicTieBreak(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/zebra", "/repo/alpha", "/repo/mike")

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	want := []string{"/repo/alpha", "/repo/mike", "/repo/zebra"}
	if !reflect.DeepEqual(unitPaths(order), want) {
		t.Errorf("expected lexicographic order %v, got %v", want, unitPaths(order))
	}
}

func TestGraph_TopologicalSort_Deterministic(t *testing.T) {
	build := func() *Graph {
		g := New("/repo")
		addUnits(t, g, "/repo/d", "/repo/b", "/repo/e", "/repo/a", "/repo/c")
		for _, edge := range [][2]string{
			{"/repo/c", "/repo/a"},
			{"/repo/d", "/repo/a"},
			{"/repo/e", "/repo/b"},
		} {
			if err := g.AddEdge(edge[0], edge[1]); err != nil {
				t.Fatal(err)
			}
		}
		return g
	}

	want := []string{"/repo/a", "/repo/b", "/repo/c", "/repo/d", "/repo/e"}
	for i := 0; i < 50; i++ {
		order, err := build().TopologicalSort()
		if err != nil {
			t.Fatalf("TopologicalSort: %v", err)
		}
		if !reflect.DeepEqual(unitPaths(order), want) {
			t.Fatalf("run %d: expected %v, got %v", i, want, unitPaths(order))
		}
	}
}

func TestGraph_ReverseTopologicalSort(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/a", "/repo/b", "/repo/c")
	if err := g.AddEdge("/repo/c", "/repo/b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("/repo/b", "/repo/a"); err != nil {
		t.Fatal(err)
	}

	order, err := g.ReverseTopologicalSort()
	if err != nil {
		t.Fatalf("ReverseTopologicalSort: %v", err)
	}
	want := []string{"/repo/c", "/repo/b", "/repo/a"}
	if !reflect.DeepEqual(unitPaths(order), want) {
		t.Errorf("expected reverse order %v, got %v", want, unitPaths(order))
	}
}

func TestGraph_CycleDetection(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/a", "/repo/b", "/repo/c")
	for _, edge := range [][2]string{
		{"/repo/a", "/repo/b"},
		{"/repo/b", "/repo/c"},
		{"/repo/c", "/repo/a"},
	} {
		if err := g.AddEdge(edge[0], edge[1]); err != nil {
			t.Fatal(err)
		}
	}

	_, err := g.TopologicalSort()
	if err == nil {
		t.Fatal("expected cycle to be rejected")
	}
	if !tgerrors.Is(err, tgerrors.ErrCodeCycle) {
		t.Errorf("expected cycle error code, got %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("expected error to name the cycle path, got %q", err.Error())
	}
}

func TestGraph_Validate(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/a", "/repo/b")
	if err := g.AddEdge("/repo/b", "/repo/a"); err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err != nil {
		t.Errorf("expected acyclic graph to validate, got %v", err)
	}

	if err := g.AddEdge("/repo/a", "/repo/b"); err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err == nil {
		t.Error("expected cyclic graph to fail validation")
	}
}

func TestGraph_DependencyClosure(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/a", "/repo/b", "/repo/c", "/repo/d")
	if err := g.AddEdge("/repo/c", "/repo/b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("/repo/b", "/repo/a"); err != nil {
		t.Fatal(err)
	}

	closure := g.DependencyClosure([]string{"/repo/c"})
	for _, p := range []string{"/repo/a", "/repo/b", "/repo/c"} {
		if !closure[p] {
			t.Errorf("expected closure to contain %s", p)
		}
	}
	if closure["/repo/d"] {
		t.Error("expected closure to exclude unrelated unit d")
	}
}

func TestGraph_ExcludeWithDependencies(t *testing.T) {
	g := New("/repo")
	addUnits(t, g, "/repo/a", "/repo/b", "/repo/c")
	if err := g.AddEdge("/repo/b", "/repo/a"); err != nil {
		t.Fatal(err)
	}

	g.ExcludeWithDependencies("/repo/b")

	if !g.GetUnit("/repo/b").Excluded {
		t.Error("expected b to be excluded")
	}
	if !g.GetUnit("/repo/a").Excluded {
		t.Error("expected dependency a to be excluded alongside b")
	}
	if g.GetUnit("/repo/c").Excluded {
		t.Error("expected unrelated unit c to stay included")
	}
}

func unitPaths(units []*Unit) []string {
	paths := make([]string, len(units))
	for i, u := range units {
		paths[i] = u.Path
	}
	return paths
}
