package cmd

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate a completion script for your shell.

  bash:        source <(sentinel completion bash)
  zsh:         sentinel completion zsh > "${fpath[1]}/_sentinel"
  fish:        sentinel completion fish | source
  powershell:  sentinel completion powershell | Out-String | Invoke-Expression

Tool names complete for 'sentinel tools describe'.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  runCompletion,
}

func init() {
	toolsDescribeCmd.ValidArgsFunction = completeToolNames
	for _, c := range []*cobra.Command{runCmd, planValidateCmd, planLayersCmd} {
		_ = c.RegisterFlagCompletionFunc("plan", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return []string{"json", "yaml", "yml"}, cobra.ShellCompDirectiveFilterFileExt
		})
	}
	_ = runCmd.RegisterFlagCompletionFunc("strategy", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"graph", "batch", "stream"}, cobra.ShellCompDirectiveNoFileComp
	})
	rootCmd.AddCommand(completionCmd)
}

func runCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return rootCmd.GenBashCompletionV2(out, true)
	case "zsh":
		return rootCmd.GenZshCompletion(out)
	case "fish":
		return rootCmd.GenFishCompletion(out, true)
	case "powershell":
		return rootCmd.GenPowerShellCompletionWithDesc(out)
	}
	return nil
}

// completeToolNames offers the built-in capability names.
func completeToolNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	reg := tool.NewRegistry(log.Discard())
	if err := tool.RegisterBuiltins(reg, tool.DockerOptions{}); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	var names []string
	for _, d := range reg.List() {
		names = append(names, d.Name+"\t"+d.Description)
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
