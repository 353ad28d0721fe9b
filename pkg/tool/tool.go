// Package tool provides the plugin framework for the IaC binaries
// terragrid wraps.
package tool

import (
	"context"
	"io"

	"github.com/zclconf/go-cty/cty"
)

// Tool defines the interface for wrapped IaC binary plugins.
type Tool interface {
	// Name returns the plugin identifier (e.g., "opentofu", "terraform")
	Name() string

	// Run executes one subcommand in a unit directory, streaming output
	// to the invocation writers while capturing it. A nonzero exit
	// returns the populated Result alongside an error describing it.
	Run(ctx context.Context, inv Invocation) (*Result, error)

	// OutputJSON reads the unit's outputs via `output -json` and decodes
	// them into a cty object value. An empty state decodes to an empty
	// object rather than an error.
	OutputJSON(ctx context.Context, dir string, env map[string]string) (cty.Value, error)

	// Init prepares the working directory (providers, backend wiring).
	// Safe to call repeatedly.
	Init(ctx context.Context, dir string, env map[string]string) error

	// MigrateState re-initializes the directory, copying state from the
	// previously configured backend into the current one.
	MigrateState(ctx context.Context, dir string, env map[string]string) error
}

// Invocation configures a single tool execution.
type Invocation struct {
	// WorkDir is the directory the command runs in.
	WorkDir string

	// Command is the tool subcommand (plan, apply, destroy, output, ...).
	Command string

	// Args are the remaining arguments after the subcommand.
	Args []string

	// Env holds extra environment entries layered over the process
	// environment.
	Env map[string]string

	// Inputs are the unit's resolved input values; each tool encodes
	// them through its own variable-passing mechanism.
	Inputs map[string]cty.Value

	// Stdout/Stderr receive streamed output. May be nil; output is
	// captured in the Result either way.
	Stdout io.Writer
	Stderr io.Writer
}

// Result contains the outcome of a tool invocation.
type Result struct {
	// ExitCode is the tool's process exit code.
	ExitCode int

	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string
}
