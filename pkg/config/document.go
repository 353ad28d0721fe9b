// Package config parses, evaluates, and merges terragrid unit configuration
// files.
package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

const (
	// UnitFileName is the configuration file that marks a directory as a unit.
	UnitFileName = "terragrid.hcl"

	// StackFileName marks a directory as a stack definition.
	StackFileName = "terragrid.stack.hcl"
)

// MergeStrategy controls how a parent document merges into a child.
type MergeStrategy string

const (
	NoMerge      MergeStrategy = "no_merge"
	ShallowMerge MergeStrategy = "shallow"
	DeepMerge    MergeStrategy = "deep"
)

// MockMergeStrategy controls how mock outputs combine with partial real state.
type MockMergeStrategy string

const (
	MockNoMerge     MockMergeStrategy = "no_merge"
	MockShallow     MockMergeStrategy = "shallow"
	MockDeepMapOnly MockMergeStrategy = "deep_map_only"
)

// Document is the parsed form of one configuration file. A document is
// immutable once parsing completes; re-parsing allocates a new document.
type Document struct {
	// Path is the absolute path of the configuration file.
	Path string
	// Dir is the directory containing the file.
	Dir string

	Includes []*IncludeDeclaration

	Locals map[string]cty.Value
	Inputs map[string]cty.Value

	Terraform    *TerraformBlock
	RemoteState  *RemoteStateBlock
	Generate     []*GenerateBlock
	Dependencies *DependenciesBlock
	Dependency   []*DependencyBlock
	Features     []*FeatureBlock
	Errors       *ErrorsBlock
	Exclude      *ExcludeBlock

	Skip            *bool
	PreventDestroy  *bool
	IamRole         *string
	DownloadDir     *string
	TerraformBinary *string
}

// IncludeDeclaration references a parent configuration to merge from.
// Only a single level of nesting is permitted: a parent that itself
// declares an include is a fatal configuration error.
type IncludeDeclaration struct {
	// Label names the include for exposure as include.<label>. An
	// unlabeled include block gets the label "root".
	Label string
	// Path is the parent file path, resolved relative to the child's dir.
	Path string
	// Expose makes the parsed parent available to child expressions.
	Expose bool
	// Strategy is one of no_merge, shallow, deep. Defaults to shallow.
	Strategy MergeStrategy

	// parent is the parsed parent document, populated during resolution.
	parent *Document
}

// Parent returns the resolved parent document, or nil before resolution.
func (i *IncludeDeclaration) Parent() *Document {
	return i.parent
}

// TerraformBlock configures the wrapped tool invocation for a unit.
type TerraformBlock struct {
	Source                *string
	CopyTerraformLockFile *bool
	ExtraArguments        []*ExtraArgumentsBlock
}

// ExtraArgumentsBlock appends CLI arguments and env vars to matching
// commands of the wrapped tool.
type ExtraArgumentsBlock struct {
	Name      string
	Commands  []string
	Arguments []string
	EnvVars   map[string]string
}

// RemoteStateBlock declares where a unit's state is stored. It is always
// shallow-replaced during merges, never combined field by field.
type RemoteStateBlock struct {
	BackendName      string
	DisableBootstrap bool
	Generate         *RemoteStateGenerate
	// Config holds the backend-specific settings as an object value.
	Config cty.Value
	// ConfigRefsDependencies records whether the config expression
	// referenced dependency outputs. When false, the state location is
	// self-contained and eligible for direct backend reads.
	ConfigRefsDependencies bool
}

// RemoteStateGenerate renders the backend configuration into the working
// directory before the tool runs.
type RemoteStateGenerate struct {
	Path     string
	IfExists string
}

// GenerateBlock writes an arbitrary file into the unit working directory.
// Like remote_state, generate blocks are always shallow-replaced on merge.
type GenerateBlock struct {
	Name          string
	Path          string
	IfExists      string
	Contents      string
	Disable       bool
	CommentPrefix string
}

// DependenciesBlock lists ordering-only prerequisite unit paths.
type DependenciesBlock struct {
	Paths []string
}

// DependencyBlock declares a unit whose outputs this unit consumes.
type DependencyBlock struct {
	Name        string
	ConfigPath  string
	Enabled     *bool
	SkipOutputs bool

	MockOutputs cty.Value
	// MockOutputsAllowedCommands restricts which commands may substitute
	// mocks for missing real outputs. Empty means all commands.
	MockOutputsAllowedCommands []string
	MockOutputsMergeStrategy   MockMergeStrategy
}

// MocksAllowedFor reports whether mock outputs may stand in for real
// outputs when running command.
func (d *DependencyBlock) MocksAllowedFor(command string) bool {
	if d.MockOutputs == cty.NilVal || d.MockOutputs.IsNull() {
		return false
	}
	if len(d.MockOutputsAllowedCommands) == 0 {
		return true
	}
	for _, c := range d.MockOutputsAllowedCommands {
		if c == command {
			return true
		}
	}
	return false
}

// FeatureBlock declares a feature flag with a lazily evaluated default.
type FeatureBlock struct {
	Name string
	// DefaultExpr is only evaluated when no override is present.
	DefaultExpr hcl.Expression
	// Value is the resolved flag value.
	Value FeatureValue
}

// ErrorsBlock groups the retry and ignore rules of a unit.
type ErrorsBlock struct {
	Retry  []*RetryBlock
	Ignore []*IgnoreBlock
}

// RetryBlock retries failures whose output matches one of the patterns.
type RetryBlock struct {
	Label            string
	RetryableErrors  []string
	MaxAttempts      int
	SleepIntervalSec int
}

// IgnoreBlock absorbs failures whose output matches one of the patterns.
// A pattern with a leading "!" negates: if it matches, the rule never
// ignores the error.
type IgnoreBlock struct {
	Label           string
	IgnorableErrors []string
	Message         string
	Signals         map[string]cty.Value
}

// ExcludeBlock removes a unit from the run queue for matching commands.
type ExcludeBlock struct {
	If                  bool
	Actions             []string
	ExcludeDependencies *bool
	NoRun               *bool
}

// AppliesTo reports whether the exclude block covers command. The
// action list may name commands literally or use the "all" and
// "all_except_output" wildcards.
func (e *ExcludeBlock) AppliesTo(command string) bool {
	if e == nil || !e.If {
		return false
	}
	for _, action := range e.Actions {
		switch action {
		case "all":
			return true
		case "all_except_output":
			if command != "output" {
				return true
			}
		default:
			if action == command {
				return true
			}
		}
	}
	return false
}

// DependencyPaths returns the ordering prerequisites of the document:
// dependencies.paths followed by the config_paths of enabled dependency
// blocks, deduplicated in first-seen order.
func (d *Document) DependencyPaths() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	if d.Dependencies != nil {
		for _, p := range d.Dependencies.Paths {
			add(p)
		}
	}
	for _, dep := range d.Dependency {
		if dep.Enabled != nil && !*dep.Enabled {
			continue
		}
		add(dep.ConfigPath)
	}
	return out
}

// FindDependency returns the dependency block with the given name.
func (d *Document) FindDependency(name string) *DependencyBlock {
	for _, dep := range d.Dependency {
		if dep.Name == name {
			return dep
		}
	}
	return nil
}

// IsSkipped reports whether the document opts out of runs entirely.
func (d *Document) IsSkipped() bool {
	return d.Skip != nil && *d.Skip
}
