package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terragrid-io/terragrid/pkg/graph"
)

// unitListing is the serializable view of one discovered unit.
type unitListing struct {
	Path         string   `json:"path" yaml:"path"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Excluded     bool     `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Skip         bool     `json:"skip,omitempty" yaml:"skip,omitempty"`
	External     bool     `json:"external,omitempty" yaml:"external,omitempty"`
}

type treeListing struct {
	WorkingDir string        `json:"working_dir" yaml:"working_dir"`
	Units      []unitListing `json:"units" yaml:"units"`
	Stacks     []string      `json:"stacks,omitempty" yaml:"stacks,omitempty"`
}

func newListCmd() *cobra.Command {
	var (
		outputFormat  string
		includeDirs   []string
		excludeDirs   []string
		strictInclude bool
		includeHidden bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List discovered units",
		Long: `Discover every unit under the working directory and list it with its
dependencies. Output is deterministic: units sort by path.

Examples:
  terragrid list
  terragrid list -o json
  terragrid list --include-dir 'live/prod/**'`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := discoverForInspection(includeDirs, excludeDirs, strictInclude, includeHidden)
			if err != nil {
				return err
			}
			listing := buildListing(g)

			switch outputFormat {
			case "json":
				data, err := json.MarshalIndent(listing, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			case "yaml":
				data, err := yaml.Marshal(listing)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
			default:
				printListingTable(listing)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	cmd.Flags().StringArrayVar(&includeDirs, "include-dir", nil, "Only list units matching this glob (repeatable)")
	cmd.Flags().StringArrayVar(&excludeDirs, "exclude-dir", nil, "Exclude units matching this glob (repeatable)")
	cmd.Flags().BoolVar(&strictInclude, "strict-include", false, "List only units matching --include-dir, not their dependencies")
	cmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "Walk hidden directories during discovery")

	return cmd
}

// discoverForInspection runs discovery for the read-only commands. The
// command passed to exclusion rules is empty, so only rules covering
// every action mark units excluded here.
func discoverForInspection(includeDirs, excludeDirs []string, strictInclude, includeHidden bool) (*graph.Graph, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	workDir, err := resolveWorkingDir()
	if err != nil {
		return nil, err
	}
	return graph.Discover(graph.DiscoverOptions{
		WorkDir:       workDir,
		IncludeDirs:   includeDirs,
		ExcludeDirs:   excludeDirs,
		StrictInclude: strictInclude,
		IncludeHidden: includeHidden,
		Logger:        logger,
	})
}

func buildListing(g *graph.Graph) treeListing {
	listing := treeListing{WorkingDir: g.WorkDir, Stacks: nil}
	for _, path := range g.Paths() {
		unit := g.Units[path]
		l := unitListing{
			Path:     unit.DisplayPath(g.WorkDir),
			Excluded: unit.Excluded,
			Skip:     unit.Skip,
			External: unit.External,
		}
		for _, dep := range unit.DependsOn {
			if depUnit := g.GetUnit(dep); depUnit != nil {
				l.Dependencies = append(l.Dependencies, depUnit.DisplayPath(g.WorkDir))
			}
		}
		listing.Units = append(listing.Units, l)
	}
	for _, stack := range g.Stacks {
		listing.Stacks = append(listing.Stacks, displayPath(stack, g.WorkDir))
	}
	return listing
}

// displayPath mirrors Unit.DisplayPath for bare directory paths.
func displayPath(path, workDir string) string {
	rel, err := filepath.Rel(workDir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func printListingTable(listing treeListing) {
	if len(listing.Units) == 0 {
		fmt.Println("No units found.")
		return
	}

	width := len("UNIT")
	for _, u := range listing.Units {
		if len(u.Path) > width {
			width = len(u.Path)
		}
	}

	fmt.Printf("%-*s  %-10s  %s\n", width, "UNIT", "FLAGS", "DEPENDS ON")
	for _, u := range listing.Units {
		var flags []string
		if u.Excluded {
			flags = append(flags, "excluded")
		}
		if u.Skip {
			flags = append(flags, "skip")
		}
		if u.External {
			flags = append(flags, "external")
		}
		fmt.Printf("%-*s  %-10s  %s\n", width, u.Path, strings.Join(flags, ","), strings.Join(u.Dependencies, ", "))
	}

	if len(listing.Stacks) > 0 {
		fmt.Printf("\nStacks:\n")
		for _, stack := range listing.Stacks {
			fmt.Printf("  %s\n", stack)
		}
	}
}
