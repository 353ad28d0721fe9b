package graph

import (
	"sort"

	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
)

// Graph is the dependency graph of discovered units.
type Graph struct {
	// Units indexed by absolute directory path.
	Units map[string]*Unit

	// WorkDir is the discovery root.
	WorkDir string

	// Stacks lists directories holding stack configuration files.
	Stacks []string
}

// New creates an empty graph rooted at workDir.
func New(workDir string) *Graph {
	return &Graph{
		Units:   make(map[string]*Unit),
		WorkDir: workDir,
	}
}

// AddUnit adds a unit to the graph.
func (g *Graph) AddUnit(unit *Unit) error {
	if _, exists := g.Units[unit.Path]; exists {
		return tgerrors.DiscoveryError(g.WorkDir,
			tgerrors.New(tgerrors.ErrCodeDiscovery, "unit "+unit.Path+" already exists"))
	}
	g.Units[unit.Path] = unit
	return nil
}

// GetUnit returns a unit by path.
func (g *Graph) GetUnit(path string) *Unit {
	return g.Units[path]
}

// AddEdge records that dependent requires dependency.
func (g *Graph) AddEdge(dependentPath, dependencyPath string) error {
	dependent := g.GetUnit(dependentPath)
	if dependent == nil {
		return tgerrors.New(tgerrors.ErrCodeDiscovery, "dependent unit "+dependentPath+" not found")
	}
	dependency := g.GetUnit(dependencyPath)
	if dependency == nil {
		return tgerrors.New(tgerrors.ErrCodeDiscovery, "dependency unit "+dependencyPath+" not found")
	}

	dependent.AddDependency(dependencyPath)
	dependency.AddDependent(dependentPath)
	return nil
}

// Paths returns every unit path in lexicographic order.
func (g *Graph) Paths() []string {
	paths := make([]string, 0, len(g.Units))
	for path := range g.Units {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// TopologicalSort returns units in dependency-first order. The sort is
// stable across runs: among units whose order is otherwise unconstrained,
// lexicographic path order decides.
func (g *Graph) TopologicalSort() ([]*Unit, error) {
	// Kahn's algorithm with a sorted ready queue.
	inDegree := make(map[string]int, len(g.Units))
	for path, unit := range g.Units {
		degree := 0
		for _, dep := range unit.DependsOn {
			if _, exists := g.Units[dep]; exists {
				degree++
			}
		}
		inDegree[path] = degree
	}

	var queue []string
	for path, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, path)
		}
	}
	sort.Strings(queue)

	var result []*Unit
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]

		unit := g.Units[path]
		result = append(result, unit)

		for _, dependent := range unit.DependedOnBy {
			if _, exists := g.Units[dependent]; !exists {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
				sort.Strings(queue)
			}
		}
	}

	if len(result) != len(g.Units) {
		return nil, tgerrors.CycleError(g.findCycle())
	}
	return result, nil
}

// ReverseTopologicalSort returns units in dependents-first order, used
// for destructive commands.
func (g *Graph) ReverseTopologicalSort() ([]*Unit, error) {
	sorted, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return sorted, nil
}

// Validate rejects graphs containing a dependency cycle.
func (g *Graph) Validate() error {
	_, err := g.TopologicalSort()
	return err
}

// findCycle locates one concrete cycle for error reporting. The returned
// slice starts and ends with the same unit path.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(g.Units))
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(id string) bool {
		state[id] = inStack
		path = append(path, id)

		deps := append([]string{}, g.Units[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, exists := g.Units[dep]; !exists {
				continue
			}
			switch state[dep] {
			case unvisited:
				if visit(dep) {
					return true
				}
			case inStack:
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		return false
	}

	for _, id := range g.Paths() {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// DependencyClosure returns the set of unit paths reachable by following
// dependency edges from the given roots, roots included.
func (g *Graph) DependencyClosure(roots []string) map[string]bool {
	closure := make(map[string]bool)
	stack := append([]string{}, roots...)
	for len(stack) > 0 {
		path := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[path] {
			continue
		}
		unit := g.Units[path]
		if unit == nil {
			continue
		}
		closure[path] = true
		stack = append(stack, unit.DependsOn...)
	}
	return closure
}

// ExcludeWithDependencies marks the unit and its transitive dependencies
// excluded.
func (g *Graph) ExcludeWithDependencies(path string) {
	for dep := range g.DependencyClosure([]string{path}) {
		g.Units[dep].Excluded = true
	}
}
