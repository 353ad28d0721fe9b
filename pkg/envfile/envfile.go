// Package envfile loads dotenv-style files for a run. Files are read as
// a chain with later entries overriding earlier ones:
//
//	.env
//	.env.local
//	.env.<environment>
//	.env.<environment>.local
//
// Missing files are skipped, so a tree with no env files loads an empty
// map. Precedence against the process environment is the caller's
// business; Load only reports what the files say.
package envfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Load reads the env file chain rooted at dir. The environment name
// selects the optional .env.<environment> pair; pass "" to load only
// the base pair.
func Load(dir, environment string) (map[string]string, error) {
	files := []string{".env", ".env.local"}
	if environment != "" {
		files = append(files, ".env."+environment, ".env."+environment+".local")
	}

	vars := make(map[string]string)
	for _, name := range files {
		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := parseEnvFile(content, vars); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return vars, nil
}

// parseEnvFile scans KEY=value lines into vars, overwriting existing
// keys. Blank lines and #-comments are ignored, an "export " prefix is
// stripped, and values may be single- or double-quoted; unquoted values
// keep embedded spaces as written.
func parseEnvFile(content []byte, vars map[string]string) error {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("line %d: expected KEY=value, got %q", lineNo, line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("line %d: empty key", lineNo)
		}

		vars[key] = unquote(strings.TrimSpace(value))
	}
	return scanner.Err()
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}
