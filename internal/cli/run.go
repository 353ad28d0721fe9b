package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terragrid-io/terragrid/pkg/config"
	"github.com/terragrid-io/terragrid/pkg/envfile"
	"github.com/terragrid-io/terragrid/pkg/graph"
	"github.com/terragrid-io/terragrid/pkg/runner"
	"github.com/terragrid-io/terragrid/pkg/tool"
	"github.com/terragrid-io/terragrid/pkg/tool/opentofu"
)

func newRunCmd() *cobra.Command {
	var (
		all                   bool
		includeDirs           []string
		excludeDirs           []string
		strictInclude         bool
		queueIncludeExternal  bool
		queueExcludeExternal  bool
		failFast              bool
		ignoreDepErrors       bool
		fetchOutputsFromState bool
		source                string
		backendBootstrap      bool
		pluginCacheDir        string
		authProviderCmd       string
		reportFile            string
		dotenvName            string
	)

	cmd := &cobra.Command{
		Use:   "run <command> [flags] [-- <tool args>]",
		Short: "Run a wrapped tool command in one unit or across the tree",
		Long: `Run an OpenTofu/Terraform command.

Without --all, the command runs in the unit at the working directory,
with dependency outputs resolved from the dependency units' state.

With --all, terragrid discovers every unit under the working directory,
builds the dependency graph, and runs the command across it in
dependency order (reverse order for destroy). Failed units block their
dependents; everything is reported at the end.

Env files (.env, .env.local, plus the --dotenv variants) in the working
directory are loaded into every unit's environment; variables already
exported in the shell always win.

Arguments after -- are passed to the wrapped tool unchanged.

Examples:
  # Plan the unit in the current directory
  terragrid run plan

  # Apply the whole tree, at most 4 units at a time
  terragrid run apply --all --parallelism 4

  # Plan everything under live/prod with pending-change detection
  terragrid run plan --all --include-dir 'live/prod/**' -- -detailed-exitcode

  # Destroy the tree, stopping at the first failure
  terragrid run destroy --all --fail-fast`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Accept both `run plan -- <args>` and `run -- plan <args>`.
			command := args[0]
			toolArgs := args[1:]
			if at := cmd.ArgsLenAtDash(); at > 1 {
				return fmt.Errorf("expected one command before --, got %d", at)
			} else if at < 0 && len(args) > 1 {
				return fmt.Errorf("pass tool arguments after --, e.g. terragrid run %s -- %s", command, args[1])
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			workDir, err := resolveWorkingDir()
			if err != nil {
				return err
			}
			features, err := parseKeyValues(viper.GetStringSlice("feature"))
			if err != nil {
				return err
			}
			envVars, err := loadEnvFiles(workDir, dotenvName)
			if err != nil {
				return err
			}

			t, err := tool.Get(viper.GetString("tool"))
			if err != nil {
				return err
			}

			runCache := config.NewRunCache()
			var g *graph.Graph
			if all {
				includeExternal := queueIncludeExternal && !queueExcludeExternal
				g, err = graph.Discover(graph.DiscoverOptions{
					WorkDir:          workDir,
					Command:          command,
					IncludeDirs:      includeDirs,
					ExcludeDirs:      excludeDirs,
					StrictInclude:    strictInclude,
					IncludeExternal:  includeExternal,
					FeatureOverrides: features,
					RunCache:         runCache,
					Logger:           logger,
				})
			} else {
				g, err = singleUnitGraph(workDir, features, runCache)
			}
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			r := runner.New(t, runner.Options{
				Command:                command,
				Args:                   toolArgs,
				Parallelism:            viper.GetInt("parallelism"),
				FailFast:               failFast,
				IgnoreDependencyErrors: ignoreDepErrors,
				FetchOutputsFromState:  fetchOutputsFromState,
				BackendBootstrap:       backendBootstrap,
				Source:                 source,
				DownloadDir:            viper.GetString("download-dir"),
				PluginCacheDir:         pluginCacheDir,
				AuthProviderCommand:    authProviderCmd,
				FeatureOverrides:       features,
				Env:                    envVars,
				Stdout:                 os.Stdout,
				Stderr:                 os.Stderr,
				ToolForBinary: func(path string) (tool.Tool, error) {
					return opentofu.New(path)
				},
			}, logger)

			report, err := r.Run(ctx, g)
			if err != nil {
				return err
			}

			// The table goes to stderr so stdout stays reserved for tool
			// output, same as the logger.
			report.WriteTable(os.Stderr)
			if reportFile != "" {
				if err := writeReportFile(report, reportFile); err != nil {
					return err
				}
			}

			if code := report.ExitCode(); code != 0 {
				return &ExitCodeError{Code: code, Err: report.Err()}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Run across every unit under the working directory")
	cmd.Flags().StringArrayVar(&includeDirs, "include-dir", nil, "Only run units matching this glob (repeatable; dependencies stay unless --strict-include)")
	cmd.Flags().StringArrayVar(&excludeDirs, "exclude-dir", nil, "Skip units matching this glob (repeatable)")
	cmd.Flags().BoolVar(&strictInclude, "strict-include", false, "Run only units matching --include-dir, not their dependencies")
	cmd.Flags().BoolVar(&queueIncludeExternal, "queue-include-external", false, "Pull dependencies outside the working directory into the run")
	cmd.Flags().BoolVar(&queueExcludeExternal, "queue-exclude-external", false, "Never run dependencies outside the working directory (wins over --queue-include-external)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Cancel outstanding units after the first failure")
	cmd.Flags().BoolVar(&ignoreDepErrors, "ignore-dependency-errors", false, "Keep running dependents of failed units")
	cmd.Flags().BoolVar(&fetchOutputsFromState, "fetch-outputs-from-state", false, "Read dependency outputs directly from the state store when possible")
	cmd.Flags().StringVar(&source, "source", "", "Override terraform.source for every unit")
	cmd.Flags().BoolVar(&backendBootstrap, "backend-bootstrap", false, "Provision remote state stores before units run")
	cmd.Flags().StringVar(&pluginCacheDir, "plugin-cache-dir", "", "Share one provider plugin cache across units (serializes init)")
	cmd.Flags().StringVar(&authProviderCmd, "auth-provider-cmd", "", "Command that prints credentials JSON, run once per unit")
	cmd.Flags().StringVar(&reportFile, "report-file", "", "Write the run report as JSON to this file")
	cmd.Flags().StringVar(&dotenvName, "dotenv", "", "Also load .env.<name> and .env.<name>.local from the working directory")

	return cmd
}

// singleUnitGraph builds a one-unit graph for the unit at workDir,
// bypassing tree discovery. Dependencies are parsed for output
// resolution but stay outside the graph.
func singleUnitGraph(workDir string, features map[string]string, runCache *config.RunCache) (*graph.Graph, error) {
	configPath := filepath.Join(workDir, config.UnitFileName)
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("no %s found in %s (use --all to run a tree of units)", config.UnitFileName, workDir)
	}

	parser := config.New(config.Options{
		Mode:             config.ParseDependenciesOnly,
		FeatureOverrides: features,
		RunCache:         runCache,
	})
	doc, err := parser.ParseFile(configPath)
	if err != nil {
		return nil, err
	}

	g := graph.New(workDir)
	unit := graph.NewUnit(configPath)
	unit.Config = doc
	if err := g.AddUnit(unit); err != nil {
		return nil, err
	}
	return g, nil
}

// signalContext returns a context canceled by SIGINT/SIGTERM. A second
// signal exits immediately.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, finishing running units... (press Ctrl+C again to force quit)")
		cancel()
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nForce quitting...")
		os.Exit(1)
	}()
	return ctx, cancel
}

// loadEnvFiles reads the working directory's dotenv chain and drops
// keys the process environment already sets: exported variables always
// win over files.
func loadEnvFiles(workDir, environment string) (map[string]string, error) {
	vars, err := envfile.Load(workDir, environment)
	if err != nil {
		return nil, err
	}
	for k := range vars {
		if _, ok := os.LookupEnv(k); ok {
			delete(vars, k)
		}
	}
	return vars, nil
}

func writeReportFile(report *runner.Report, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer f.Close()
	return report.WriteJSON(f)
}
