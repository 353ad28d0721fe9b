// Package main provides the terragrid CLI entry point.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/terragrid-io/terragrid/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		// Run reports already printed their summary; exit codes carry
		// the detailed-exit-code contract (2 = pending changes).
		var exitErr *cli.ExitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
