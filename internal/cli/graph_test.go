package cli

import (
	"testing"
)

func TestNewGraphCmd_Flags(t *testing.T) {
	cmd := newGraphCmd()

	if cmd.Use != "graph" {
		t.Errorf("expected use 'graph', got '%s'", cmd.Use)
	}

	flags := []string{
		"output",
		"out-file",
		"direction",
		"include-excluded",
		"group",
		"include-dir",
		"exclude-dir",
		"strict-include",
		"include-hidden",
	}
	for _, flagName := range flags {
		if cmd.Flags().Lookup(flagName) == nil {
			t.Errorf("expected --%s flag", flagName)
		}
	}

	if cmd.Flags().ShorthandLookup("o") == nil {
		t.Error("expected -o shorthand for --output")
	}
	if got := cmd.Flags().Lookup("output").DefValue; got != "dot" {
		t.Errorf("expected default format 'dot', got %q", got)
	}
}
