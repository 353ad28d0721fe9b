package visual

import (
	"fmt"
	"sort"
	"strings"

	"github.com/terragrid-io/terragrid/pkg/graph"
)

// DotOptions controls how a graph is rendered to Graphviz DOT.
type DotOptions struct {
	// Name is the digraph name. Defaults to "terragrid".
	Name string

	// IncludeExcluded renders filtered-out units with a dashed outline.
	IncludeExcluded bool

	// RankDir sets the layout direction ("TB", "LR"). Defaults to "TB".
	RankDir string
}

// RenderDot generates a Graphviz digraph from a dependency graph, with
// nodes and edges emitted in deterministic order so output diffs stay
// meaningful.
func RenderDot(g *graph.Graph, opts DotOptions) (string, error) {
	if g == nil {
		return "", fmt.Errorf("graph is nil")
	}

	name := opts.Name
	if name == "" {
		name = "terragrid"
	}
	rankDir := opts.RankDir
	if rankDir == "" {
		rankDir = "TB"
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return "", fmt.Errorf("failed to sort graph: %w", err)
	}
	units := selectUnits(sorted, opts.IncludeExcluded)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("digraph %q {\n", name))
	b.WriteString(fmt.Sprintf("    rankdir=%s;\n", rankDir))
	b.WriteString("    node [shape=box];\n\n")

	labels := make(map[string]string, len(units))
	for _, u := range units {
		labels[u.Path] = u.DisplayPath(g.WorkDir)
	}

	for _, u := range units {
		attrs := ""
		if u.Excluded {
			attrs = " [style=dashed]"
		} else if u.External {
			attrs = " [style=dotted]"
		}
		b.WriteString(fmt.Sprintf("    %q%s;\n", labels[u.Path], attrs))
	}

	b.WriteString("\n")
	for _, u := range units {
		deps := make([]string, len(u.DependsOn))
		copy(deps, u.DependsOn)
		sort.Strings(deps)
		for _, dep := range deps {
			if depLabel, ok := labels[dep]; ok {
				b.WriteString(fmt.Sprintf("    %q -> %q;\n", depLabel, labels[u.Path]))
			}
		}
	}

	b.WriteString("}\n")
	return b.String(), nil
}
