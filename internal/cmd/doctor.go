package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/sentinel/internal/exitcode"
	"github.com/felixgeelhaar/sentinel/internal/health"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run system diagnostics and health checks",
	Long: `Check that sentinel is ready to run plans.

Checks include:
  - store is readable
  - docker daemon for the shell capability
  - availability of every registered capability

Examples:
  sentinel doctor
  sentinel doctor --format json`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

var doctorFormat string

func init() {
	doctorCmd.Flags().StringVarP(&doctorFormat, "format", "f", "text", "output format (text, json)")
	rootCmd.AddCommand(doctorCmd)
}

// healthManager builds the checks for a loaded app.
func (a *app) healthManager() *health.Manager {
	m := health.NewManager(
		health.NewDockerChecker(),
		health.CapabilityChecker{Registry: a.tools},
	)
	if st, err := a.openStore(); err == nil {
		m.Add(health.StoreChecker{Store: st, Driver: a.cfg.Store.Driver})
	} else {
		m.Add(health.StoreChecker{Driver: a.cfg.Store.Driver})
	}
	return m
}

func runDoctor(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	report := a.healthManager().Check(cmd.Context())

	out := cmd.OutOrStdout()
	if doctorFormat == "json" {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		for _, name := range report.Names() {
			r := report.Checks[name]
			fmt.Fprintf(out, "%s %-14s %s\n", healthIcon(r.Status), name, r.Message)
			if s, ok := r.Details["suggestion"]; ok {
				fmt.Fprintf(out, "  → %v\n", s)
			}
		}
		fmt.Fprintf(out, "\nOverall: %s\n", report.Status)
	}

	if report.Status == health.StatusUnhealthy {
		return exitcode.New(exitcode.GeneralError, "one or more health checks failed")
	}
	return nil
}

func healthIcon(s health.Status) string {
	switch s {
	case health.StatusHealthy:
		return "✓"
	case health.StatusDegraded:
		return "!"
	default:
		return "✗"
	}
}
