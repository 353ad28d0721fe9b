// Package opentofu implements a tool plugin for OpenTofu/Terraform.
package opentofu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/terragrid-io/terragrid/pkg/tool"
)

// TFPathEnv overrides binary resolution when no explicit path is given.
const TFPathEnv = "TERRAGRID_TFPATH"

func init() {
	// Register both opentofu and terraform names
	tool.Register("opentofu", func() (tool.Tool, error) {
		return New("")
	})
	tool.Register("terraform", func() (tool.Tool, error) {
		return NewTerraform("")
	})
}

// Plugin implements the tool plugin interface for OpenTofu/Terraform.
type Plugin struct {
	// name is the registry identity ("opentofu" or "terraform")
	name string
	// binaryPath is the resolved path to the tofu/terraform binary
	binaryPath string
	// binaryName is the base name of the resolved binary
	binaryName string
}

// New resolves the binary and returns a ready plugin. Resolution order:
// the explicit path, the TERRAGRID_TFPATH environment variable, tofu on
// PATH, then terraform on PATH.
func New(explicit string) (*Plugin, error) {
	return newPlugin("opentofu", explicit, "tofu", "terraform")
}

// NewTerraform is like New but prefers the terraform binary over tofu.
func NewTerraform(explicit string) (*Plugin, error) {
	return newPlugin("terraform", explicit, "terraform", "tofu")
}

func newPlugin(name, explicit, preferred, alternate string) (*Plugin, error) {
	var candidates []string
	switch {
	case explicit != "":
		candidates = []string{explicit}
	case os.Getenv(TFPathEnv) != "":
		candidates = []string{os.Getenv(TFPathEnv)}
	default:
		candidates = []string{preferred, alternate}
	}

	for _, candidate := range candidates {
		if binaryPath, err := exec.LookPath(candidate); err == nil {
			return &Plugin{
				name:       name,
				binaryPath: binaryPath,
				binaryName: filepath.Base(binaryPath),
			}, nil
		}
	}
	return nil, fmt.Errorf("no IaC binary found (tried %s)", strings.Join(candidates, ", "))
}

func (p *Plugin) Name() string {
	return p.name
}

// Binary returns the resolved binary path.
func (p *Plugin) Binary() string {
	return p.binaryPath
}

// Run executes one subcommand, streaming output to the invocation writers
// while capturing it. Inputs become TF_VAR_ environment variables.
func (p *Plugin) Run(ctx context.Context, inv tool.Invocation) (*tool.Result, error) {
	args := append([]string{inv.Command}, inv.Args...)
	cmd := exec.CommandContext(ctx, p.binaryPath, args...)
	cmd.Dir = inv.WorkDir

	env, err := p.commandEnv(inv.Env, inv.Inputs)
	if err != nil {
		return nil, err
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if inv.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, inv.Stdout)
	}
	if inv.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, inv.Stderr)
	}

	runErr := cmd.Run()
	result := &tool.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%s %s exited with code %d: %s",
			p.binaryName, inv.Command, result.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return nil, fmt.Errorf("failed to run %s %s: %w", p.binaryName, inv.Command, runErr)
}

// OutputJSON reads the unit's outputs. An empty state yields an empty
// object value.
func (p *Plugin) OutputJSON(ctx context.Context, dir string, env map[string]string) (cty.Value, error) {
	result, err := p.Run(ctx, tool.Invocation{
		WorkDir: dir,
		Command: "output",
		Args:    []string{"-json"},
		Env:     env,
	})
	if err != nil {
		return cty.NilVal, err
	}
	return DecodeOutputJSON([]byte(result.Stdout))
}

// Init runs `init -input=false` unless the directory already carries a
// .terraform dir.
func (p *Plugin) Init(ctx context.Context, dir string, env map[string]string) error {
	if _, err := os.Stat(filepath.Join(dir, ".terraform")); err == nil {
		return nil
	}
	_, err := p.Run(ctx, tool.Invocation{
		WorkDir: dir,
		Command: "init",
		Args:    []string{"-input=false"},
		Env:     env,
	})
	return err
}

// MigrateState re-initializes the directory, copying state from the
// previously configured backend into the current one. The old state key
// is left in place.
func (p *Plugin) MigrateState(ctx context.Context, dir string, env map[string]string) error {
	_, err := p.Run(ctx, tool.Invocation{
		WorkDir: dir,
		Command: "init",
		Args:    []string{"-migrate-state", "-force-copy", "-input=false"},
		Env:     env,
	})
	return err
}

func (p *Plugin) commandEnv(extra map[string]string, inputs map[string]cty.Value) ([]string, error) {
	env := os.Environ()

	// Disable interactive prompts
	env = append(env, "TF_INPUT=0")
	env = append(env, "TF_IN_AUTOMATION=1")

	for _, k := range sortedEnvKeys(extra) {
		env = append(env, k+"="+extra[k])
	}

	vars, err := InputsToEnv(inputs)
	if err != nil {
		return nil, err
	}
	for _, k := range sortedEnvKeys(vars) {
		env = append(env, k+"="+vars[k])
	}
	return env, nil
}

// InputsToEnv renders resolved input values as TF_VAR_ environment
// entries. Strings pass through bare; every other type is JSON-encoded,
// which the binary parses for complex-typed variables.
func InputsToEnv(inputs map[string]cty.Value) (map[string]string, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(inputs))
	for name, val := range inputs {
		if val == cty.NilVal || val.IsNull() {
			continue
		}
		if val.Type() == cty.String {
			out["TF_VAR_"+name] = val.AsString()
			continue
		}
		data, err := ctyjson.Marshal(val, val.Type())
		if err != nil {
			return nil, fmt.Errorf("input %s cannot be encoded: %w", name, err)
		}
		out["TF_VAR_"+name] = string(data)
	}
	return out, nil
}

// outputEntry is one entry of `output -json` or of a state file's outputs
// section.
type outputEntry struct {
	Value     json.RawMessage `json:"value"`
	Type      json.RawMessage `json:"type"`
	Sensitive bool            `json:"sensitive"`
}

// DecodeOutputJSON decodes the map printed by `output -json` into a cty
// object value.
func DecodeOutputJSON(data []byte) (cty.Value, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return cty.EmptyObjectVal, nil
	}

	var entries map[string]outputEntry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return cty.NilVal, fmt.Errorf("undecodable output json: %w", err)
	}
	return decodeEntries(entries)
}

// stateFile is the slice of a state blob the output reader cares about.
type stateFile struct {
	Version int                    `json:"version"`
	Outputs map[string]outputEntry `json:"outputs"`
}

// DecodeStateOutputs extracts the outputs section from a raw state blob.
// Used by the direct-backend fast path, so every failure mode must be an
// error the caller can fall back from.
func DecodeStateOutputs(data []byte) (cty.Value, error) {
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return cty.NilVal, fmt.Errorf("undecodable state: %w", err)
	}
	if state.Version != 0 && state.Version != 4 {
		return cty.NilVal, fmt.Errorf("unsupported state version %d", state.Version)
	}
	return decodeEntries(state.Outputs)
}

func decodeEntries(entries map[string]outputEntry) (cty.Value, error) {
	if len(entries) == 0 {
		return cty.EmptyObjectVal, nil
	}
	values := make(map[string]cty.Value, len(entries))
	for name, entry := range entries {
		typ, err := ctyjson.UnmarshalType(entry.Type)
		if err != nil {
			typ, err = ctyjson.ImpliedType(entry.Value)
			if err != nil {
				return cty.NilVal, fmt.Errorf("output %s has no usable type: %w", name, err)
			}
		}
		val, err := ctyjson.Unmarshal(entry.Value, typ)
		if err != nil {
			return cty.NilVal, fmt.Errorf("output %s cannot be decoded: %w", name, err)
		}
		values[name] = val
	}
	return cty.ObjectVal(values), nil
}

func sortedEnvKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ensure we implement the Tool interface
var _ tool.Tool = (*Plugin)(nil)
