package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect plan files",
	Long: `Inspect plan files without running them.

Commands:
  validate  Check structure, dependencies and tool names
  layers    Show the execution layers of the dependency graph

Examples:
  sentinel plan validate --plan recon.yaml
  sentinel plan layers --plan recon.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var planValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a plan",
	Long: `Validate a plan: step IDs, dependencies, references, cycles, and that
every tool is a registered capability.`,
	Args: cobra.NoArgs,
	RunE: runPlanValidate,
}

var planLayersCmd = &cobra.Command{
	Use:   "layers",
	Short: "Show execution layers",
	Long: `Show the execution layers of a plan. Steps in the same layer have no
dependencies on each other and may run concurrently.`,
	Args: cobra.NoArgs,
	RunE: runPlanLayers,
}

var (
	planFile   string
	planOutput string
)

func init() {
	for _, c := range []*cobra.Command{planValidateCmd, planLayersCmd} {
		c.Flags().StringVar(&planFile, "plan", "", "plan file (JSON or YAML)")
		_ = c.MarkFlagRequired("plan")
		planCmd.AddCommand(c)
	}
	planLayersCmd.Flags().StringVarP(&planOutput, "output", "o", "text", "output format (text, json)")

	rootCmd.AddCommand(planCmd)
}

func runPlanValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(planFile)
	if err != nil {
		return err
	}
	g, err := p.Compile()
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	out := cmd.OutOrStdout()
	var missing []string
	for _, s := range p.Steps {
		if _, err := a.tools.Describe(s.Tool); err != nil {
			missing = append(missing, s.Tool)
			fmt.Fprintf(out, "✗ %s: unknown tool %s\n", s.ID, s.Tool)
			continue
		}
		if !a.tools.IsAvailable(s.Tool) {
			fmt.Fprintf(out, "! %s: tool %s is currently unavailable\n", s.ID, s.Tool)
		}
	}
	if len(missing) > 0 {
		return errors.NewCapabilityNotFoundError(strings.Join(missing, ", "))
	}

	fmt.Fprintf(out, "✓ plan %s is valid: %d steps in %d layers\n", displayID(p), len(p.Steps), len(g.Layers()))
	return nil
}

func runPlanLayers(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(planFile)
	if err != nil {
		return err
	}
	layers, err := plan.Resolve(p)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planOutput == "json" {
		return writeJSON(out, layers)
	}

	fmt.Fprintf(out, "Plan %s: %d steps, %d layers\n", displayID(p), len(p.Steps), len(layers))
	for i, layer := range layers {
		fmt.Fprintf(out, "\nLayer %d:\n", i)
		for _, id := range layer {
			s, _ := p.Step(id)
			line := fmt.Sprintf("  %s  %s", id, s.Tool)
			if len(s.DependsOn) > 0 {
				line += "  ← " + strings.Join(s.DependsOn, ", ")
			}
			if s.Critical {
				line += "  [critical]"
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

func displayID(p *plan.Plan) string {
	if p.ID == "" {
		return "(unnamed)"
	}
	return p.ID
}
