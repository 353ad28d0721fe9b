package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terragrid-io/terragrid/pkg/graph/visual"
)

func newGraphCmd() *cobra.Command {
	var (
		outputFormat    string
		outFile         string
		direction       string
		includeExcluded bool
		groupByParent   bool
		includeDirs     []string
		excludeDirs     []string
		strictInclude   bool
		includeHidden   bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the unit dependency graph",
		Long: `Render the dependency graph of the discovered units. The default
format is Graphviz DOT; mermaid produces a flowchart for Markdown
embedding, and json/yaml emit the same structure as 'terragrid list'.

When --out-file ends in .png the graph is rendered to an image via
mermaid-cli (mmdc), which must be installed separately.

Examples:
  terragrid graph | dot -Tsvg > graph.svg
  terragrid graph -o mermaid --group
  terragrid graph --out-file graph.png
  terragrid graph --include-excluded`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := discoverForInspection(includeDirs, excludeDirs, strictInclude, includeHidden)
			if err != nil {
				return err
			}

			if strings.EqualFold(filepath.Ext(outFile), ".png") {
				data, err := visual.RenderImage(g, visual.ImageOptions{
					MermaidOptions: visual.MermaidOptions{
						Direction:       direction,
						GroupByParent:   groupByParent,
						IncludeExcluded: includeExcluded,
					},
				})
				if err != nil {
					return err
				}
				return os.WriteFile(outFile, data, 0644)
			}

			var out string
			switch outputFormat {
			case "dot":
				out, err = visual.RenderDot(g, visual.DotOptions{
					RankDir:         direction,
					IncludeExcluded: includeExcluded,
				})
			case "mermaid":
				out, err = visual.RenderMermaid(g, visual.MermaidOptions{
					Direction:       direction,
					GroupByParent:   groupByParent,
					IncludeExcluded: includeExcluded,
				})
			case "json":
				var data []byte
				data, err = json.MarshalIndent(buildListing(g), "", "  ")
				out = string(data) + "\n"
			case "yaml":
				var data []byte
				data, err = yaml.Marshal(buildListing(g))
				out = string(data)
			default:
				return fmt.Errorf("unsupported output format %q (expected dot, mermaid, json, or yaml)", outputFormat)
			}
			if err != nil {
				return err
			}

			if outFile != "" {
				return os.WriteFile(outFile, []byte(out), 0644)
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "dot", "Output format: dot, mermaid, json, yaml")
	cmd.Flags().StringVar(&outFile, "out-file", "", "Write the graph to a file instead of stdout (.png renders an image)")
	cmd.Flags().StringVar(&direction, "direction", "", "Layout direction (dot: TB, LR; mermaid: TD, LR)")
	cmd.Flags().BoolVar(&includeExcluded, "include-excluded", false, "Render units excluded from the run queue")
	cmd.Flags().BoolVar(&groupByParent, "group", false, "Group mermaid nodes by parent directory")
	cmd.Flags().StringArrayVar(&includeDirs, "include-dir", nil, "Only render units matching this glob (repeatable)")
	cmd.Flags().StringArrayVar(&excludeDirs, "exclude-dir", nil, "Exclude units matching this glob (repeatable)")
	cmd.Flags().BoolVar(&strictInclude, "strict-include", false, "Render only units matching --include-dir, not their dependencies")
	cmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "Walk hidden directories during discovery")

	return cmd
}
