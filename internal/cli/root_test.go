package cli

import (
	"errors"
	"fmt"
	"testing"
)

func TestRootCmd(t *testing.T) {
	if rootCmd.Use != "terragrid" {
		t.Errorf("expected use 'terragrid', got '%s'", rootCmd.Use)
	}

	// Check persistent flags
	flags := []string{
		"working-dir",
		"log-level",
		"log-format",
		"parallelism",
		"feature",
		"non-interactive",
		"download-dir",
		"tool",
	}
	for _, flagName := range flags {
		if rootCmd.PersistentFlags().Lookup(flagName) == nil {
			t.Errorf("expected --%s persistent flag", flagName)
		}
	}

	// Check that subcommands are registered
	subcommands := make(map[string]bool)
	for _, sub := range rootCmd.Commands() {
		subcommands[sub.Name()] = true
	}

	expectedCommands := []string{
		"run",
		"list",
		"graph",
		"backend",
		"version",
		"completion",
	}

	for _, expected := range expectedCommands {
		if !subcommands[expected] {
			t.Errorf("expected subcommand '%s' not found", expected)
		}
	}
}

func TestParseKeyValues(t *testing.T) {
	pairs, err := parseKeyValues([]string{"region=us-east-1", "flag=a=b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pairs["region"] != "us-east-1" {
		t.Errorf("expected region=us-east-1, got %q", pairs["region"])
	}
	// Only the first '=' splits; the value keeps the rest.
	if pairs["flag"] != "a=b" {
		t.Errorf("expected flag=a=b, got %q", pairs["flag"])
	}

	if _, err := parseKeyValues([]string{"no-equals"}); err == nil {
		t.Error("expected error for pair without '='")
	}

	pairs, err = parseKeyValues(nil)
	if err != nil {
		t.Fatalf("unexpected error for empty input: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("expected empty map, got %v", pairs)
	}
}

func TestExitCodeError(t *testing.T) {
	inner := errors.New("2 unit(s) failed")
	err := &ExitCodeError{Code: 1, Err: inner}

	if err.Error() != inner.Error() {
		t.Errorf("expected wrapped message, got %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("expected Unwrap to expose the inner error")
	}

	// Pending-changes exits carry no inner error.
	bare := &ExitCodeError{Code: 2}
	if bare.Error() != "exit status 2" {
		t.Errorf("expected 'exit status 2', got %q", bare.Error())
	}

	// errors.As must find it through wrapping, as main relies on.
	wrapped := fmt.Errorf("run: %w", err)
	var target *ExitCodeError
	if !errors.As(wrapped, &target) {
		t.Fatal("expected errors.As to find ExitCodeError")
	}
	if target.Code != 1 {
		t.Errorf("expected code 1, got %d", target.Code)
	}
}
