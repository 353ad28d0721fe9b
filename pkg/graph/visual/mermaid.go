// Package visual renders dependency graphs for human consumption.
// It operates directly on *graph.Graph and has no dependency on command
// types, making it usable from the CLI as well as report generation.
package visual

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/terragrid-io/terragrid/pkg/graph"
)

// MermaidOptions controls how a graph is rendered to a Mermaid flowchart.
type MermaidOptions struct {
	// Direction is the flowchart direction: "TD" (top-down) or "LR"
	// (left-right). Defaults to "TD" if empty.
	Direction string

	// Title is an optional diagram title.
	Title string

	// GroupByParent wraps units sharing an immediate parent directory in
	// a subgraph, which keeps large environment trees readable.
	GroupByParent bool

	// IncludeExcluded renders units filtered out of the run set. They are
	// drawn with a dashed outline so the run boundary stays visible.
	IncludeExcluded bool
}

// RenderMermaid generates a Mermaid flowchart from a dependency graph.
// The output can be embedded in Markdown or rendered by mermaid-cli.
func RenderMermaid(g *graph.Graph, opts MermaidOptions) (string, error) {
	if g == nil {
		return "", fmt.Errorf("graph is nil")
	}

	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return "", fmt.Errorf("failed to sort graph: %w", err)
	}
	units := selectUnits(sorted, opts.IncludeExcluded)

	var b strings.Builder

	if opts.Title != "" {
		b.WriteString(fmt.Sprintf("---\ntitle: %s\n---\n", opts.Title))
	}
	b.WriteString(fmt.Sprintf("flowchart %s\n", direction))

	displayIDs := make(map[string]string, len(units))
	for _, u := range units {
		displayIDs[u.Path] = sanitizeMermaidID(u.DisplayPath(g.WorkDir))
	}

	if opts.GroupByParent {
		renderGrouped(&b, g, units, displayIDs)
	} else {
		renderFlat(&b, g, units, displayIDs)
	}

	b.WriteString("\n")
	renderEdges(&b, units, displayIDs)

	var excluded []string
	for _, u := range units {
		if u.Excluded {
			excluded = append(excluded, displayIDs[u.Path])
		}
	}
	if len(excluded) > 0 {
		b.WriteString("\n")
		for _, id := range excluded {
			b.WriteString(fmt.Sprintf("    style %s stroke-dasharray: 5 5\n", id))
		}
	}

	return b.String(), nil
}

func selectUnits(sorted []*graph.Unit, includeExcluded bool) []*graph.Unit {
	if includeExcluded {
		return sorted
	}
	var units []*graph.Unit
	for _, u := range sorted {
		if !u.Excluded {
			units = append(units, u)
		}
	}
	return units
}

func renderFlat(b *strings.Builder, g *graph.Graph, units []*graph.Unit, displayIDs map[string]string) {
	for _, u := range units {
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n",
			displayIDs[u.Path], escapeMermaidLabel(u.DisplayPath(g.WorkDir))))
	}
}

func renderGrouped(b *strings.Builder, g *graph.Graph, units []*graph.Unit, displayIDs map[string]string) {
	groups := make(map[string][]*graph.Unit)
	var order []string
	for _, u := range units {
		parent := filepath.ToSlash(filepath.Dir(u.DisplayPath(g.WorkDir)))
		if _, ok := groups[parent]; !ok {
			order = append(order, parent)
		}
		groups[parent] = append(groups[parent], u)
	}
	sort.Strings(order)

	for _, parent := range order {
		if parent != "." {
			b.WriteString(fmt.Sprintf("    subgraph %s [\"%s\"]\n",
				sanitizeSubgraphID(parent), escapeMermaidLabel(parent)))
		}
		for _, u := range groups[parent] {
			b.WriteString(fmt.Sprintf("        %s[\"%s\"]\n",
				displayIDs[u.Path], escapeMermaidLabel(filepath.Base(u.DisplayPath(g.WorkDir)))))
		}
		if parent != "." {
			b.WriteString("    end\n")
		}
	}
}

func renderEdges(b *strings.Builder, units []*graph.Unit, displayIDs map[string]string) {
	for _, u := range units {
		deps := make([]string, len(u.DependsOn))
		copy(deps, u.DependsOn)
		sort.Strings(deps)
		for _, dep := range deps {
			if depID, ok := displayIDs[dep]; ok {
				b.WriteString(fmt.Sprintf("    %s --> %s\n", depID, displayIDs[u.Path]))
			}
		}
	}
}

// sanitizeMermaidID converts a unit display path into a Mermaid-safe node
// identifier. Slashes carry edge semantics in Mermaid, so they become
// double dashes.
func sanitizeMermaidID(displayPath string) string {
	r := strings.NewReplacer("/", "--", " ", "_", ".", "_")
	return r.Replace(displayPath)
}

func sanitizeSubgraphID(parent string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_", " ", "_")
	return "sg_" + r.Replace(parent)
}

func escapeMermaidLabel(s string) string {
	return strings.ReplaceAll(s, `"`, `#quot;`)
}
