// Package cli implements the terragrid CLI commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/terragrid-io/terragrid/pkg/log"

	// Import state backends to register them via init()
	_ "github.com/terragrid-io/terragrid/pkg/backend/azurerm"
	_ "github.com/terragrid-io/terragrid/pkg/backend/gcs"
	_ "github.com/terragrid-io/terragrid/pkg/backend/local"
	_ "github.com/terragrid-io/terragrid/pkg/backend/s3"

	// Import tool plugins to register them via init()
	_ "github.com/terragrid-io/terragrid/pkg/tool/opentofu"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "terragrid",
	Short: "Run OpenTofu/Terraform across a tree of units",
	Long: `terragrid is a thin wrapper around OpenTofu/Terraform for working with
many infrastructure units at once.

Each unit is a directory with a terragrid.hcl file. terragrid parses the
configurations, links units through their declared dependencies, and runs
the wrapped tool across the resulting graph in dependency order.`,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("working-dir", ".", "Directory to discover and run units in")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().Int("parallelism", 0, "Maximum units running at once (0 = number of CPUs)")
	rootCmd.PersistentFlags().StringArray("feature", nil, "Override a feature flag (name=value)")
	rootCmd.PersistentFlags().Bool("non-interactive", false, "Never prompt; refuse actions that require confirmation")
	rootCmd.PersistentFlags().String("download-dir", "", "Override the source download cache location for every unit")
	rootCmd.PersistentFlags().String("tool", "opentofu", "Wrapped tool plugin (opentofu, terraform)")

	// Bind to viper so TERRAGRID_* environment variables work
	for _, name := range []string{"working-dir", "log-level", "log-format", "parallelism", "feature", "non-interactive", "download-dir", "tool"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	viper.SetEnvPrefix("TERRAGRID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Add subcommands
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newGraphCmd())
	rootCmd.AddCommand(newBackendCmd())
	rootCmd.AddCommand(newVersionCmd())

	registerFlagCompletions()
}

// newLogger builds the zap logger from the global flags.
func newLogger() (*zap.Logger, error) {
	return log.New(viper.GetString("log-level"), viper.GetString("log-format"))
}

// resolveWorkingDir expands and absolutizes the --working-dir flag.
func resolveWorkingDir() (string, error) {
	dir := viper.GetString("working-dir")
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", fmt.Errorf("expanding working dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolving working dir %s: %w", dir, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return "", fmt.Errorf("working dir %s is not a directory", dir)
	}
	return abs, nil
}

// parseKeyValues splits repeatable name=value flag values into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

// isInteractive returns true if the CLI is running in an interactive
// terminal, --non-interactive was not given, and no CI environment is
// detected.
func isInteractive() bool {
	if viper.GetBool("non-interactive") {
		return false
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	for _, env := range []string{"CI", "CONTINUOUS_INTEGRATION", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI", "JENKINS_URL", "BUILDKITE"} {
		if os.Getenv(env) != "" {
			return false
		}
	}
	return true
}

// confirm prompts on the terminal and reports whether the user answered
// yes. Callers must check isInteractive first.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// ExitCodeError carries a process exit code through cobra. The run
// report has already been printed when it is returned, so main exits
// with the code without printing the error again.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}
