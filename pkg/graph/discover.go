package graph

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/terragrid-io/terragrid/pkg/config"
	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
	"github.com/terragrid-io/terragrid/pkg/log"
)

// DiscoverOptions controls tree walking and unit filtering.
type DiscoverOptions struct {
	// WorkDir is the discovery root.
	WorkDir string

	// Command is the action the graph is being built for; exclusion rules
	// match their actions list against it.
	Command string

	// IncludeDirs restricts the run set to units matching these globs
	// (relative to WorkDir). Unless StrictInclude is set, dependencies of
	// matching units stay in the run set too.
	IncludeDirs []string

	// ExcludeDirs removes matching units from the run set.
	ExcludeDirs []string

	// StrictInclude limits the run set to exactly the units matching
	// IncludeDirs, excluding even their dependencies.
	StrictInclude bool

	// IncludeExternal pulls dependencies outside WorkDir into the graph;
	// otherwise edges to them are dropped.
	IncludeExternal bool

	// IncludeHidden walks hidden directories, which are skipped by
	// default unless an include glob names them.
	IncludeHidden bool

	FeatureOverrides map[string]string
	RunCache         *config.RunCache
	MaxDepth         int
	Logger           *zap.Logger
}

// Discover walks the directory tree under opts.WorkDir, parses every unit
// configuration at dependency level, links declared dependencies, applies
// the filters, and rejects cyclic graphs.
func Discover(opts DiscoverOptions) (*Graph, error) {
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, tgerrors.DiscoveryError(opts.WorkDir, err)
	}
	logger := log.OrNop(opts.Logger)

	unitFiles, stackDirs, err := collectConfigFiles(workDir, opts)
	if err != nil {
		return nil, tgerrors.DiscoveryError(workDir, err)
	}

	g := New(workDir)
	g.Stacks = stackDirs

	parser := config.New(config.Options{
		Mode:             config.ParseDependenciesOnly,
		RunCache:         opts.RunCache,
		FeatureOverrides: opts.FeatureOverrides,
		MaxDepth:         opts.MaxDepth,
		Logger:           opts.Logger,
	})

	// Dependencies may point outside the walked tree; the frontier grows
	// while external units pull in externals of their own.
	pending := append([]string{}, unitFiles...)
	edges := make(map[string][]string)

	for len(pending) > 0 {
		configPath := pending[0]
		pending = pending[1:]

		unitDir := filepath.Dir(configPath)
		if g.GetUnit(unitDir) != nil {
			continue
		}

		doc, err := parser.ParseFile(configPath)
		if err != nil {
			return nil, err
		}

		unit := NewUnit(configPath)
		unit.Config = doc
		unit.External = !isUnder(workDir, unitDir)
		unit.Skip = doc.IsSkipped()
		if err := g.AddUnit(unit); err != nil {
			return nil, err
		}

		for _, depPath := range doc.DependencyPaths() {
			target := depPath
			if !filepath.IsAbs(target) {
				target = filepath.Join(unitDir, target)
			}
			target = filepath.Clean(target)
			if strings.HasSuffix(target, string(filepath.Separator)+config.UnitFileName) {
				target = filepath.Dir(target)
			}

			if !isUnder(workDir, target) && !opts.IncludeExternal {
				logger.Debug("ignoring external dependency",
					zap.String("unit", unitDir),
					zap.String("dependency", target))
				continue
			}

			targetConfig := filepath.Join(target, config.UnitFileName)
			if _, err := os.Stat(targetConfig); err != nil {
				return nil, tgerrors.DiscoveryError(workDir,
					tgerrors.New(tgerrors.ErrCodeDiscovery,
						"unit "+unitDir+" depends on "+target+" which has no "+config.UnitFileName))
			}

			edges[unitDir] = append(edges[unitDir], target)
			if g.GetUnit(target) == nil {
				pending = append(pending, targetConfig)
			}
		}
	}

	for _, dependent := range sortedKeys(edges) {
		for _, dependency := range edges[dependent] {
			if err := g.AddEdge(dependent, dependency); err != nil {
				return nil, err
			}
		}
	}

	applyFilters(g, opts)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// collectConfigFiles walks the tree and returns unit config files in
// lexicographic order plus the directories holding stack files.
func collectConfigFiles(workDir string, opts DiscoverOptions) ([]string, []string, error) {
	var unitFiles []string
	var stackDirs []string

	err := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == workDir {
				return nil
			}
			name := d.Name()
			if name == ".terraform" || name == ".terragrid-cache" {
				return filepath.SkipDir
			}
			if strings.HasPrefix(name, ".") && !opts.IncludeHidden {
				rel := relSlash(workDir, path)
				if !matchesAny(opts.IncludeDirs, rel) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		switch d.Name() {
		case config.UnitFileName:
			unitFiles = append(unitFiles, path)
		case config.StackFileName:
			stackDirs = append(stackDirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sort.Strings(unitFiles)
	sort.Strings(stackDirs)
	return unitFiles, stackDirs, nil
}

func isUnder(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

func relSlash(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
