package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terragrid-io/terragrid/pkg/tool"
)

func init() {
	rootCmd.AddCommand(newCompletionCmd())
}

// registerFlagCompletions attaches completion functions to the
// persistent flags. Called from the root init after the flags exist.
func registerFlagCompletions() {
	_ = rootCmd.RegisterFlagCompletionFunc("tool", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return tool.List(), cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("log-format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"console", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for terragrid.

To load completions:

Bash:
  $ source <(terragrid completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ terragrid completion bash > /etc/bash_completion.d/terragrid
  # macOS:
  $ terragrid completion bash > $(brew --prefix)/etc/bash_completion.d/terragrid

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ terragrid completion zsh > "${fpath[1]}/_terragrid"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ terragrid completion fish | source

  # To load completions for each session, execute once:
  $ terragrid completion fish > ~/.config/fish/completions/terragrid.fish

PowerShell:
  PS> terragrid completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> terragrid completion powershell > terragrid.ps1
  # and source this file from your PowerShell profile.
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				return rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				return rootCmd.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unknown shell: %s", args[0])
			}
		},
	}

	return cmd
}
