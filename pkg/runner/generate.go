package runner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/terragrid-io/terragrid/pkg/config"
	"github.com/terragrid-io/terragrid/pkg/log"
)

// generatedMarker opens every machine-written file so a later run can
// tell its own output from hand-written code.
const generatedMarker = "Generated by terragrid"

// backendOnlyKeys configure terragrid's own bootstrap behavior. The
// wrapped tool's backend block does not know them and rejects unknown
// arguments, so they are filtered out of generated files.
var backendOnlyKeys = map[string]bool{
	"skip_bucket_versioning":             true,
	"skip_bucket_ssencryption":           true,
	"skip_bucket_public_access_blocking": true,
	"skip_bucket_enforced_tls":           true,
	"accesslogging_bucket_name":          true,
	"accesslogging_target_prefix":        true,
	"project":                            true,
	"location":                           true,
	"kms_key_name":                       true,
	"log_bucket":                         true,
	"versioning_enabled":                 true,
}

// writeGeneratedFiles renders generate blocks and the remote_state
// backend file into the unit working directory before the tool runs.
func writeGeneratedFiles(doc *config.Document, workDir string, logger *zap.Logger) error {
	logger = log.OrNop(logger)
	for _, gen := range doc.Generate {
		if gen == nil || gen.Disable {
			continue
		}
		contents := gen.Contents
		if gen.CommentPrefix != "" {
			contents = gen.CommentPrefix + generatedMarker + "\n" + contents
		}
		if err := writeGenerated(workDir, gen.Path, gen.IfExists, contents, logger); err != nil {
			return fmt.Errorf("generate %q: %w", gen.Name, err)
		}
	}
	if rs := doc.RemoteState; rs != nil && rs.Generate != nil {
		contents, err := renderBackendFile(rs)
		if err != nil {
			return err
		}
		if err := writeGenerated(workDir, rs.Generate.Path, rs.Generate.IfExists, contents, logger); err != nil {
			return fmt.Errorf("remote_state generate: %w", err)
		}
	}
	return nil
}

func writeGenerated(workDir, relPath, ifExists, contents string, logger *zap.Logger) error {
	target := relPath
	if !filepath.IsAbs(target) {
		target = filepath.Join(workDir, target)
	}
	if _, err := os.Stat(target); err == nil {
		switch ifExists {
		case "overwrite":
		case "overwrite_terragrid":
			if !wasGenerated(target) {
				return fmt.Errorf("file %s exists but was not generated by terragrid (if_exists = %q)", target, ifExists)
			}
		case "skip":
			logger.Debug("generated file exists, skipping", zap.String("path", target))
			return nil
		default:
			return fmt.Errorf("file %s already exists and if_exists is %q", target, ifExists)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	logger.Debug("writing generated file", zap.String("path", target))
	return os.WriteFile(target, []byte(contents), 0o644)
}

// wasGenerated reports whether the file's first line carries the
// generated-file marker. Files written without a comment prefix carry
// no marker and are treated as hand-written.
func wasGenerated(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.Contains(line, generatedMarker)
}

// renderBackendFile emits the terraform block wiring the unit to its
// remote state store.
func renderBackendFile(rs *config.RemoteStateBlock) (string, error) {
	f := hclwrite.NewEmptyFile()
	tf := f.Body().AppendNewBlock("terraform", nil)
	be := tf.Body().AppendNewBlock("backend", []string{rs.BackendName})

	cfg := rs.Config
	if cfg != cty.NilVal && !cfg.IsNull() {
		if !cfg.Type().IsObjectType() && !cfg.Type().IsMapType() {
			return "", fmt.Errorf("remote_state config must be an object to generate a backend file, got %s",
				cfg.Type().FriendlyName())
		}
		m := cfg.AsValueMap()
		keys := make([]string, 0, len(m))
		for k := range m {
			if backendOnlyKeys[k] || m[k].IsNull() {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			be.Body().SetAttributeValue(k, m[k])
		}
	}
	return "# " + generatedMarker + "\n" + string(f.Bytes()), nil
}
