package graph

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// applyFilters computes each unit's excluded flag from directory globs,
// strict-include mode, and the unit's own exclusion rule.
func applyFilters(g *Graph, opts DiscoverOptions) {
	for _, path := range g.Paths() {
		unit := g.Units[path]
		rel := relSlash(g.WorkDir, path)

		if matchesAny(opts.ExcludeDirs, rel) {
			unit.Excluded = true
		}

		if excludedByRule(unit, opts.Command) {
			unit.Excluded = true
			if unit.Config.Exclude.ExcludeDependencies != nil && *unit.Config.Exclude.ExcludeDependencies {
				g.ExcludeWithDependencies(path)
			}
		}
	}

	if len(opts.IncludeDirs) == 0 {
		return
	}

	var matched []string
	for _, path := range g.Paths() {
		if matchesAny(opts.IncludeDirs, relSlash(g.WorkDir, path)) {
			matched = append(matched, path)
		}
	}

	keep := make(map[string]bool, len(matched))
	if opts.StrictInclude {
		for _, path := range matched {
			keep[path] = true
		}
	} else {
		keep = g.DependencyClosure(matched)
	}

	for path, unit := range g.Units {
		if !keep[path] {
			unit.Excluded = true
		}
	}
}

// excludedByRule reports whether the unit's exclude block applies to the
// current command.
func excludedByRule(unit *Unit, command string) bool {
	if unit.Config == nil {
		return false
	}
	return unit.Config.Exclude.AppliesTo(command)
}

// matchesAny reports whether rel matches any pattern, where a pattern
// also covers everything under a matching directory.
func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(filepath.Clean(pattern))
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern+"/**", rel); err == nil && ok {
			return true
		}
	}
	return false
}
