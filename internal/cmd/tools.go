package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List and describe capabilities",
	Long: `List the capabilities plans can call and show their argument schemas.

Examples:
  sentinel tools list
  sentinel tools describe tcp_probe`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered capabilities",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

var toolsDescribeCmd = &cobra.Command{
	Use:   "describe <name>",
	Short: "Show a capability's descriptor and argument schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsDescribe,
}

var toolsOutput string

func init() {
	toolsListCmd.Flags().StringVarP(&toolsOutput, "output", "o", "text", "output format (text, json)")
	toolsCmd.AddCommand(toolsListCmd, toolsDescribeCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	descs := a.tools.List()
	out := cmd.OutOrStdout()
	if toolsOutput == "json" {
		return writeJSON(out, descs)
	}

	for _, d := range descs {
		status := "available"
		if !a.tools.IsAvailable(d.Name) {
			status = "unavailable"
		}
		fmt.Fprintf(out, "%-14s %-12s %-12s %s\n", d.Name, d.Category, status, d.Description)
	}
	return nil
}

func runToolsDescribe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	d, err := a.tools.Describe(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name:        %s\n", d.Name)
	fmt.Fprintf(out, "Category:    %s\n", d.Category)
	fmt.Fprintf(out, "Description: %s\n", d.Description)
	fmt.Fprintf(out, "Available:   %t\n", a.tools.IsAvailable(d.Name))
	fmt.Fprintf(out, "Cacheable:   %t\n", !d.NoCache)
	if len(d.Equivalents) > 0 {
		fmt.Fprintf(out, "Equivalents: %s\n", strings.Join(d.Equivalents, ", "))
	}
	if d.Schema != nil {
		fmt.Fprintln(out, "Arguments:")
		return writeJSON(out, d.Schema)
	}
	return nil
}
