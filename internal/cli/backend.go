package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/terragrid-io/terragrid/pkg/backend"
	"github.com/terragrid-io/terragrid/pkg/config"
	"github.com/terragrid-io/terragrid/pkg/graph"
	"github.com/terragrid-io/terragrid/pkg/tool"
)

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage remote state stores",
		Long: `Provision, migrate, and delete the remote state stores declared by
remote_state blocks, without running the wrapped tool's full lifecycle.`,
	}

	cmd.AddCommand(newBackendBootstrapCmd())
	cmd.AddCommand(newBackendDeleteCmd())
	cmd.AddCommand(newBackendMigrateCmd())

	return cmd
}

func newBackendBootstrapCmd() *cobra.Command {
	var (
		all         bool
		includeDirs []string
		excludeDirs []string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Provision remote state stores",
		Long: `Create the state store each unit's remote_state block points at:
S3 buckets (with versioning and a DynamoDB lock table), GCS buckets,
Azure storage containers, or local state directories. Stores that
already exist are left untouched.

Examples:
  terragrid backend bootstrap
  terragrid backend bootstrap --all
  terragrid backend bootstrap --all --include-dir 'live/prod/**'`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			t, err := tool.Get(viper.GetString("tool"))
			if err != nil {
				return err
			}
			manager := backend.NewManager(t, logger)

			units, err := remoteStateUnits(all, includeDirs, excludeDirs, logger)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				logger.Info("no units declare a remote_state backend")
				return nil
			}

			ctx, cancel := signalContext()
			defer cancel()
			for _, u := range units {
				if err := manager.Bootstrap(ctx, u.remoteState); err != nil {
					return fmt.Errorf("bootstrap %s: %w", u.dir, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Bootstrap every unit under the working directory")
	cmd.Flags().StringArrayVar(&includeDirs, "include-dir", nil, "Only bootstrap units matching this glob (repeatable)")
	cmd.Flags().StringArrayVar(&excludeDirs, "exclude-dir", nil, "Exclude units matching this glob (repeatable)")

	return cmd
}

func newBackendDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the unit's remote state object",
		Long: `Delete the state object of the unit in the working directory. The
store must be versioned so the object stays recoverable; --force
overrides that check and skips the confirmation prompt.

Examples:
  terragrid backend delete
  terragrid backend delete --force`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			unit, err := currentRemoteStateUnit(logger)
			if err != nil {
				return err
			}

			if !force {
				if !isInteractive() {
					return fmt.Errorf("refusing to delete state non-interactively (re-run with --force)")
				}
				if !confirm(fmt.Sprintf("Delete remote state for %s? This cannot be undone from terragrid", unit.dir)) {
					return fmt.Errorf("delete aborted")
				}
			}

			t, err := tool.Get(viper.GetString("tool"))
			if err != nil {
				return err
			}
			manager := backend.NewManager(t, logger)
			ctx, cancel := signalContext()
			defer cancel()
			return manager.Delete(ctx, unit.remoteState, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Delete without confirmation, even from unversioned stores")

	return cmd
}

func newBackendMigrateCmd() *cobra.Command {
	var (
		fromBackend string
		fromConfig  []string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the unit's state between stores",
		Long: `Move the state of the unit in the working directory from a previous
store to the one its remote_state block declares now. Same-kind stores
copy the object directly and delete the source after verification;
across kinds the wrapped tool performs the migration and the source
object is left in place.

The previous store is described with --from-backend and repeated
--from-config key=value pairs.

Examples:
  terragrid backend migrate --from-backend s3 \
    --from-config bucket=old-state --from-config key=prod/app.tfstate --from-config region=us-east-1
  terragrid backend migrate --from-backend local --from-config path=terraform.tfstate`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			unit, err := currentRemoteStateUnit(logger)
			if err != nil {
				return err
			}

			pairs, err := parseKeyValues(fromConfig)
			if err != nil {
				return err
			}
			src := &config.RemoteStateBlock{
				BackendName: fromBackend,
				Config:      stringObjectVal(pairs),
			}

			t, err := tool.Get(viper.GetString("tool"))
			if err != nil {
				return err
			}
			manager := backend.NewManager(t, logger)
			ctx, cancel := signalContext()
			defer cancel()
			return manager.Migrate(ctx, src, unit.remoteState, unit.dir, nil)
		},
	}

	cmd.Flags().StringVar(&fromBackend, "from-backend", "", "Backend kind of the previous store (s3, gcs, azurerm, local)")
	cmd.Flags().StringArrayVar(&fromConfig, "from-config", nil, "Previous store config as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("from-backend")

	return cmd
}

// remoteStateUnit pairs a unit directory with its parsed remote_state.
type remoteStateUnit struct {
	dir         string
	remoteState *config.RemoteStateBlock
}

// currentRemoteStateUnit parses the unit in the working directory and
// requires it to declare a remote_state block.
func currentRemoteStateUnit(logger *zap.Logger) (*remoteStateUnit, error) {
	workDir, err := resolveWorkingDir()
	if err != nil {
		return nil, err
	}
	configPath := filepath.Join(workDir, config.UnitFileName)
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("no %s found in %s", config.UnitFileName, workDir)
	}
	doc, err := parseUnitDocument(configPath, logger)
	if err != nil {
		return nil, err
	}
	if doc.RemoteState == nil {
		return nil, fmt.Errorf("%s declares no remote_state block", configPath)
	}
	return &remoteStateUnit{dir: workDir, remoteState: doc.RemoteState}, nil
}

// remoteStateUnits collects the remote_state declarations to operate on.
// Without --all only the working directory's unit is considered. Units
// whose configuration cannot be fully evaluated here (for example a
// remote_state block referencing dependency outputs) are skipped with a
// warning rather than failing the whole sweep.
func remoteStateUnits(all bool, includeDirs, excludeDirs []string, logger *zap.Logger) ([]*remoteStateUnit, error) {
	if !all {
		unit, err := currentRemoteStateUnit(logger)
		if err != nil {
			return nil, err
		}
		return []*remoteStateUnit{unit}, nil
	}

	workDir, err := resolveWorkingDir()
	if err != nil {
		return nil, err
	}
	g, err := graph.Discover(graph.DiscoverOptions{
		WorkDir:     workDir,
		IncludeDirs: includeDirs,
		ExcludeDirs: excludeDirs,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	var units []*remoteStateUnit
	for _, path := range g.Paths() {
		unit := g.Units[path]
		if unit.Excluded || unit.External {
			continue
		}
		doc, err := parseUnitDocument(unit.ConfigPath, logger)
		if err != nil {
			logger.Warn("skipping unit, configuration did not evaluate",
				zap.String("unit", unit.DisplayPath(workDir)), zap.Error(err))
			continue
		}
		if doc.RemoteState == nil {
			continue
		}
		units = append(units, &remoteStateUnit{dir: unit.Path, remoteState: doc.RemoteState})
	}
	return units, nil
}

// parseUnitDocument runs a full parse with no injected dependency
// outputs. Documents whose remote_state references dependency outputs
// fail here and the caller decides whether that is fatal.
func parseUnitDocument(configPath string, logger *zap.Logger) (*config.Document, error) {
	features, err := parseKeyValues(viper.GetStringSlice("feature"))
	if err != nil {
		return nil, err
	}
	parser := config.New(config.Options{
		FeatureOverrides: features,
		Logger:           logger,
	})
	return parser.ParseFile(configPath)
}

// stringObjectVal builds the cty object a remote_state config carries
// from flat key=value pairs.
func stringObjectVal(pairs map[string]string) cty.Value {
	if len(pairs) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(pairs))
	for k, v := range pairs {
		attrs[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(attrs)
}
