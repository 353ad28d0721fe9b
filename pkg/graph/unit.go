// Package graph discovers terragrid units across a directory tree and
// builds the dependency graph that orders their execution.
package graph

import (
	"path/filepath"

	"github.com/terragrid-io/terragrid/pkg/config"
)

// Unit is one deployable configuration location: a directory holding a
// unit configuration file. Units are keyed by absolute directory path.
type Unit struct {
	// Path is the absolute unit directory and the graph key.
	Path string

	// ConfigPath is the absolute path of the unit's configuration file.
	ConfigPath string

	// Config is the dependency-level parse of the unit configuration.
	Config *config.Document

	// DependsOn holds the paths of units this unit depends on.
	DependsOn []string

	// DependedOnBy holds the paths of units depending on this unit.
	DependedOnBy []string

	// External marks a dependency living outside the discovery root.
	External bool

	// Excluded units stay in the graph for ordering but are not executed.
	Excluded bool

	// Skip mirrors the unit's skip attribute.
	Skip bool
}

// NewUnit creates a unit for the configuration file at configPath.
func NewUnit(configPath string) *Unit {
	return &Unit{
		Path:         filepath.Dir(configPath),
		ConfigPath:   configPath,
		DependsOn:    []string{},
		DependedOnBy: []string{},
	}
}

// AddDependency records a dependency edge target, ignoring duplicates.
func (u *Unit) AddDependency(path string) {
	for _, dep := range u.DependsOn {
		if dep == path {
			return
		}
	}
	u.DependsOn = append(u.DependsOn, path)
}

// AddDependent records a reverse edge, ignoring duplicates.
func (u *Unit) AddDependent(path string) {
	for _, dep := range u.DependedOnBy {
		if dep == path {
			return
		}
	}
	u.DependedOnBy = append(u.DependedOnBy, path)
}

// DisplayPath renders the unit path relative to workDir for output.
func (u *Unit) DisplayPath(workDir string) string {
	rel, err := filepath.Rel(workDir, u.Path)
	if err != nil {
		return u.Path
	}
	return filepath.ToSlash(rel)
}

// NoRun reports whether the unit's exclusion carries the no_run flag,
// meaning the unit must not execute even when targeted directly.
func (u *Unit) NoRun() bool {
	if u.Config == nil || u.Config.Exclude == nil || u.Config.Exclude.NoRun == nil {
		return false
	}
	return *u.Config.Exclude.NoRun
}
