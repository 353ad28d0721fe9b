package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/terragrid-io/terragrid/pkg/config"
)

func TestWriteGeneratedFiles_Basic(t *testing.T) {
	dir := t.TempDir()
	doc := &config.Document{
		Generate: []*config.GenerateBlock{
			{
				Name:          "provider",
				Path:          filepath.Join("nested", "provider.tf"),
				IfExists:      "error",
				CommentPrefix: "# ",
				Contents:      "provider \"aws\" {}\n",
			},
		},
	}

	require.NoError(t, writeGeneratedFiles(doc, dir, zap.NewNop()))

	data, err := os.ReadFile(filepath.Join(dir, "nested", "provider.tf"))
	require.NoError(t, err)
	assert.Equal(t, "# Generated by terragrid\nprovider \"aws\" {}\n", string(data))
}

func TestWriteGeneratedFiles_Disable(t *testing.T) {
	dir := t.TempDir()
	doc := &config.Document{
		Generate: []*config.GenerateBlock{
			{Name: "off", Path: "off.tf", IfExists: "error", Disable: true, Contents: "x"},
		},
	}

	require.NoError(t, writeGeneratedFiles(doc, dir, zap.NewNop()))
	assert.NoFileExists(t, filepath.Join(dir, "off.tf"))
}

func TestWriteGenerated_IfExists(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "versions.tf")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))

	err := writeGenerated(dir, "versions.tf", "error", "new", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, writeGenerated(dir, "versions.tf", "skip", "new", zap.NewNop()))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	require.NoError(t, writeGenerated(dir, "versions.tf", "overwrite", "new", zap.NewNop()))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriteGenerated_OverwriteTerragrid(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "backend.tf")

	// A hand-written file is never replaced.
	require.NoError(t, os.WriteFile(target, []byte("terraform {}\n"), 0o644))
	err := writeGenerated(dir, "backend.tf", "overwrite_terragrid", "new", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not generated by terragrid")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "terraform {}\n", string(data))

	// A marker-carrying file from an earlier run is.
	require.NoError(t, os.WriteFile(target, []byte("# Generated by terragrid\nold\n"), 0o644))
	require.NoError(t, writeGenerated(dir, "backend.tf", "overwrite_terragrid", "new", zap.NewNop()))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRenderBackendFile(t *testing.T) {
	rs := &config.RemoteStateBlock{
		BackendName: "s3",
		Config: cty.ObjectVal(map[string]cty.Value{
			"bucket":                 cty.StringVal("my-state"),
			"key":                    cty.StringVal("prod/terraform.tfstate"),
			"region":                 cty.StringVal("us-east-1"),
			"skip_bucket_versioning": cty.True,
			"dropped":                cty.NullVal(cty.String),
		}),
	}

	out, err := renderBackendFile(rs)
	require.NoError(t, err)
	assert.Contains(t, out, "# Generated by terragrid")
	assert.Contains(t, out, "terraform {")
	assert.Contains(t, out, `backend "s3"`)
	assert.Contains(t, out, `bucket = "my-state"`)
	assert.Contains(t, out, `key    = "prod/terraform.tfstate"`)
	assert.NotContains(t, out, "skip_bucket_versioning")
	assert.NotContains(t, out, "dropped")
}

func TestRenderBackendFile_EmptyConfig(t *testing.T) {
	out, err := renderBackendFile(&config.RemoteStateBlock{BackendName: "local", Config: cty.NilVal})
	require.NoError(t, err)
	assert.Contains(t, out, `backend "local"`)
}

func TestRenderBackendFile_NonObjectConfig(t *testing.T) {
	_, err := renderBackendFile(&config.RemoteStateBlock{
		BackendName: "s3",
		Config:      cty.StringVal("not an object"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be an object")
}

func TestRemoteStateGenerateWritesThroughRun(t *testing.T) {
	dir := t.TempDir()
	doc := &config.Document{
		RemoteState: &config.RemoteStateBlock{
			BackendName: "local",
			Generate:    &config.RemoteStateGenerate{Path: "backend.tf", IfExists: "overwrite"},
			Config: cty.ObjectVal(map[string]cty.Value{
				"path": cty.StringVal("terraform.tfstate"),
			}),
		},
	}

	require.NoError(t, writeGeneratedFiles(doc, dir, zap.NewNop()))
	data, err := os.ReadFile(filepath.Join(dir, "backend.tf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `backend "local"`)
	assert.Contains(t, string(data), `path = "terraform.tfstate"`)
}
