package opentofu

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/zclconf/go-cty/cty"

	"github.com/terragrid-io/terragrid/pkg/tool"
)

// fakeBinary writes an executable shell script and returns its path.
func fakeBinary(t *testing.T, dir, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries require sh")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestNew_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, "custom-tofu", "exit 0")

	p, err := New(bin)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Binary() != bin {
		t.Errorf("expected explicit binary %s, got %s", bin, p.Binary())
	}
	if p.Name() != "opentofu" {
		t.Errorf("expected name opentofu, got %s", p.Name())
	}
}

func TestNew_TFPathEnv(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, "pinned-tofu", "exit 0")
	t.Setenv(TFPathEnv, bin)

	p, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Binary() != bin {
		t.Errorf("expected env-resolved binary %s, got %s", bin, p.Binary())
	}
}

func TestNew_PathLookupPrefersTofu(t *testing.T) {
	dir := t.TempDir()
	fakeBinary(t, dir, "tofu", "exit 0")
	fakeBinary(t, dir, "terraform", "exit 0")
	t.Setenv("PATH", dir)
	t.Setenv(TFPathEnv, "")

	p, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.binaryName != "tofu" {
		t.Errorf("expected tofu to win resolution, got %s", p.binaryName)
	}

	tf, err := NewTerraform("")
	if err != nil {
		t.Fatalf("NewTerraform: %v", err)
	}
	if tf.binaryName != "terraform" {
		t.Errorf("expected terraform to win resolution, got %s", tf.binaryName)
	}
}

func TestNew_NothingFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv(TFPathEnv, "")

	if _, err := New(""); err == nil {
		t.Error("expected resolution to fail with no binaries on PATH")
	}
}

func TestRun_CapturesAndStreams(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, "tofu", `echo "plan ok"
echo "warning" >&2`)

	p := &Plugin{name: "opentofu", binaryPath: bin, binaryName: "tofu"}

	var streamed bytes.Buffer
	result, err := p.Run(context.Background(), tool.Invocation{
		WorkDir: dir,
		Command: "plan",
		Stdout:  &streamed,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "plan ok") {
		t.Errorf("expected captured stdout, got %q", result.Stdout)
	}
	if !strings.Contains(streamed.String(), "plan ok") {
		t.Errorf("expected streamed stdout, got %q", streamed.String())
	}
	if !strings.Contains(result.Stderr, "warning") {
		t.Errorf("expected captured stderr, got %q", result.Stderr)
	}
}

func TestRun_NonzeroExit(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, "tofu", `echo "access denied" >&2
exit 3`)

	p := &Plugin{name: "opentofu", binaryPath: bin, binaryName: "tofu"}

	result, err := p.Run(context.Background(), tool.Invocation{WorkDir: dir, Command: "apply"})
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	if result == nil || result.ExitCode != 3 {
		t.Fatalf("expected result with exit 3, got %+v", result)
	}
	if !strings.Contains(err.Error(), "access denied") {
		t.Errorf("expected stderr in error, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "exited with code 3") {
		t.Errorf("expected exit code in error, got %q", err.Error())
	}
}

func TestRun_StartFailure(t *testing.T) {
	p := &Plugin{name: "opentofu", binaryPath: "/nonexistent/tofu", binaryName: "tofu"}

	result, err := p.Run(context.Background(), tool.Invocation{WorkDir: t.TempDir(), Command: "plan"})
	if err == nil {
		t.Fatal("expected error when the binary cannot start")
	}
	if result != nil {
		t.Errorf("expected nil result for a start failure, got %+v", result)
	}
}

func TestRun_Environment(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, "tofu", `echo "automation=$TF_IN_AUTOMATION input=$TF_INPUT region=$TF_VAR_region extra=$DEPLOY_ENV"`)

	p := &Plugin{name: "opentofu", binaryPath: bin, binaryName: "tofu"}

	result, err := p.Run(context.Background(), tool.Invocation{
		WorkDir: dir,
		Command: "apply",
		Env:     map[string]string{"DEPLOY_ENV": "prod"},
		Inputs:  map[string]cty.Value{"region": cty.StringVal("us-east-1")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, want := range []string{"automation=1", "input=0", "region=us-east-1", "extra=prod"} {
		if !strings.Contains(result.Stdout, want) {
			t.Errorf("expected %q in output, got %q", want, result.Stdout)
		}
	}
}

func TestInputsToEnv(t *testing.T) {
	inputs := map[string]cty.Value{
		"region":   cty.StringVal("us-east-1"),
		"replicas": cty.NumberIntVal(3),
		"enabled":  cty.True,
		"tags":     cty.ObjectVal(map[string]cty.Value{"team": cty.StringVal("platform")}),
		"absent":   cty.NullVal(cty.String),
	}

	env, err := InputsToEnv(inputs)
	if err != nil {
		t.Fatalf("InputsToEnv: %v", err)
	}

	if env["TF_VAR_region"] != "us-east-1" {
		t.Errorf("expected bare string, got %q", env["TF_VAR_region"])
	}
	if env["TF_VAR_replicas"] != "3" {
		t.Errorf("expected number json, got %q", env["TF_VAR_replicas"])
	}
	if env["TF_VAR_enabled"] != "true" {
		t.Errorf("expected bool json, got %q", env["TF_VAR_enabled"])
	}
	if env["TF_VAR_tags"] != `{"team":"platform"}` {
		t.Errorf("expected object json, got %q", env["TF_VAR_tags"])
	}
	if _, ok := env["TF_VAR_absent"]; ok {
		t.Error("expected null input to be skipped")
	}

	if env, err := InputsToEnv(nil); err != nil || env != nil {
		t.Errorf("expected nil env for nil inputs, got %v, %v", env, err)
	}
}

func TestOutputJSON(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, "tofu", `cat <<'EOF'
{
  "vpc_id": {"value": "vpc-123", "type": "string", "sensitive": false},
  "cidrs": {"value": ["10.0.0.0/16"], "type": ["list", "string"], "sensitive": false}
}
EOF`)

	p := &Plugin{name: "opentofu", binaryPath: bin, binaryName: "tofu"}

	val, err := p.OutputJSON(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("OutputJSON: %v", err)
	}

	if got := val.GetAttr("vpc_id"); got != cty.StringVal("vpc-123") {
		t.Errorf("expected vpc-123, got %#v", got)
	}
	cidrs := val.GetAttr("cidrs")
	if cidrs.LengthInt() != 1 || cidrs.Index(cty.NumberIntVal(0)) != cty.StringVal("10.0.0.0/16") {
		t.Errorf("unexpected cidrs: %#v", cidrs)
	}
}

func TestDecodeOutputJSON(t *testing.T) {
	t.Run("empty payload", func(t *testing.T) {
		for _, data := range []string{"", "  \n", "{}"} {
			val, err := DecodeOutputJSON([]byte(data))
			if err != nil {
				t.Fatalf("DecodeOutputJSON(%q): %v", data, err)
			}
			if !val.RawEquals(cty.EmptyObjectVal) {
				t.Errorf("expected empty object for %q, got %#v", data, val)
			}
		}
	})

	t.Run("implied type fallback", func(t *testing.T) {
		val, err := DecodeOutputJSON([]byte(`{"count": {"value": 2}}`))
		if err != nil {
			t.Fatalf("DecodeOutputJSON: %v", err)
		}
		if got := val.GetAttr("count"); got.AsBigFloat().String() != "2" {
			t.Errorf("expected 2, got %#v", got)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		if _, err := DecodeOutputJSON([]byte("not json")); err == nil {
			t.Error("expected error for invalid json")
		}
	})
}

func TestDecodeStateOutputs(t *testing.T) {
	state := `{
  "version": 4,
  "terraform_version": "1.8.0",
  "outputs": {
    "endpoint": {"value": "https://db.internal", "type": "string"},
    "ports": {"value": {"http": 80}, "type": ["object", {"http": "number"}]}
  },
  "resources": []
}`

	val, err := DecodeStateOutputs([]byte(state))
	if err != nil {
		t.Fatalf("DecodeStateOutputs: %v", err)
	}
	if got := val.GetAttr("endpoint"); got != cty.StringVal("https://db.internal") {
		t.Errorf("expected endpoint, got %#v", got)
	}
	if got := val.GetAttr("ports").GetAttr("http"); got.AsBigFloat().String() != "80" {
		t.Errorf("expected port 80, got %#v", got)
	}
}

func TestDecodeStateOutputs_Errors(t *testing.T) {
	if _, err := DecodeStateOutputs([]byte("garbage")); err == nil {
		t.Error("expected error for undecodable state")
	}
	if _, err := DecodeStateOutputs([]byte(`{"version": 3, "outputs": {}}`)); err == nil {
		t.Error("expected error for unsupported state version")
	}

	val, err := DecodeStateOutputs([]byte(`{"version": 4, "outputs": {}}`))
	if err != nil {
		t.Fatalf("DecodeStateOutputs: %v", err)
	}
	if !val.RawEquals(cty.EmptyObjectVal) {
		t.Errorf("expected empty object, got %#v", val)
	}
}

func TestInit_AlreadyInitialized(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".terraform"), 0o755); err != nil {
		t.Fatal(err)
	}

	// The binary path is unresolvable on purpose; Init must return before
	// ever invoking it.
	p := &Plugin{name: "opentofu", binaryPath: "/nonexistent/tofu", binaryName: "tofu"}
	if err := p.Init(context.Background(), dir, nil); err != nil {
		t.Errorf("expected no error for already initialized directory, got: %v", err)
	}
}

func TestInit_RunsInit(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, "tofu", `echo "$@" > "`+filepath.Join(dir, "args.txt")+`"`)

	p := &Plugin{name: "opentofu", binaryPath: bin, binaryName: "tofu"}
	if err := p.Init(context.Background(), dir, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(args), "init -input=false") {
		t.Errorf("expected init args, got %q", string(args))
	}
}

func TestMigrateState_Args(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, "tofu", `echo "$@" > "`+filepath.Join(dir, "args.txt")+`"`)

	p := &Plugin{name: "opentofu", binaryPath: bin, binaryName: "tofu"}
	if err := p.MigrateState(context.Background(), dir, nil); err != nil {
		t.Fatalf("MigrateState: %v", err)
	}

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"init", "-migrate-state", "-force-copy", "-input=false"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("expected %q in args, got %q", want, string(args))
		}
	}
}

func TestPlugin_Interface(t *testing.T) {
	var _ tool.Tool = (*Plugin)(nil)
}
