package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Inspect recorded execution sessions",
	Long: `Inspect execution sessions recorded in the store.

Every plan revision executed by 'sentinel run' is recorded as a session
with the full per-step trace.

Examples:
  sentinel sessions list
  sentinel sessions show 2f0c6f2e-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions",
	Long:  `List recorded sessions, most recently started first.`,
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's step trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var (
	sessionLimit  int
	sessionOutput string
)

func init() {
	sessionListCmd.Flags().IntVarP(&sessionLimit, "limit", "n", 20, "maximum number of sessions to list (0 for all)")
	for _, c := range []*cobra.Command{sessionListCmd, sessionShowCmd} {
		c.Flags().StringVarP(&sessionOutput, "output", "o", "text", "output format (text, json)")
		sessionCmd.AddCommand(c)
	}
	rootCmd.AddCommand(sessionCmd)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	st, err := a.openStore()
	if err != nil {
		return err
	}
	sums, err := st.ListSessions(cmd.Context(), sessionLimit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if sessionOutput == "json" {
		return writeJSON(out, sums)
	}
	if len(sums) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	fmt.Fprintln(out, "Sessions:")
	fmt.Fprintln(out)
	for _, s := range sums {
		outcome := string(s.Outcome)
		if outcome == "" {
			outcome = string(s.State)
		}
		fmt.Fprintf(out, "%s %s\n", outcomeIcon(s.Outcome), s.ID)
		fmt.Fprintf(out, "   Plan:     %s\n", s.PlanID)
		fmt.Fprintf(out, "   Outcome:  %s\n", outcome)
		fmt.Fprintf(out, "   Started:  %s\n", s.StartedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "   Steps:    %d/%d completed, %d failed, %d skipped\n", s.Completed, s.Steps, s.Failed, s.Skipped)
		fmt.Fprintln(out)
	}
	return nil
}

// sessionDetail is the JSON form of `sessions show`.
type sessionDetail struct {
	Session   session.Snapshot  `json:"session"`
	Anomalies []anomaly.Anomaly `json:"anomalies,omitempty"`
	Replans   []replan.Record   `json:"replans,omitempty"`
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	st, err := a.openStore()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	snap, err := st.LoadSession(ctx, args[0])
	if err != nil {
		return err
	}
	found, err := st.Anomalies(ctx, snap.ID)
	if err != nil {
		return err
	}
	recs, err := st.Replans(ctx, snap.PlanID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if sessionOutput == "json" {
		return writeJSON(out, sessionDetail{Session: snap, Anomalies: found, Replans: recs})
	}

	fmt.Fprintf(out, "Session:   %s\n", snap.ID)
	fmt.Fprintf(out, "Plan:      %s\n", snap.PlanID)
	fmt.Fprintf(out, "State:     %s\n", snap.State)
	if snap.Outcome != "" {
		fmt.Fprintf(out, "Outcome:   %s %s\n", outcomeIcon(snap.Outcome), snap.Outcome)
	}
	fmt.Fprintf(out, "Started:   %s\n", snap.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Duration:  %s\n", snap.Duration().Round(time.Millisecond))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Steps:")
	for _, r := range snap.Runs {
		line := fmt.Sprintf("  %-12s %-14s %-10s attempts=%d", r.StepID, r.Tool, r.Status, r.Attempts)
		if r.Duration > 0 {
			line += fmt.Sprintf(" %s", r.Duration.Round(time.Millisecond))
		}
		if r.Carried {
			line += " carried"
		}
		if r.Cached {
			line += " cached"
		}
		if r.ErrorCode != "" {
			line += fmt.Sprintf(" [%s] %s", r.ErrorCode, r.Error)
		}
		fmt.Fprintln(out, line)
	}

	if len(found) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Anomalies:")
		for _, an := range found {
			fmt.Fprintf(out, "  %s\n", an)
		}
	}
	if len(recs) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Replans:")
		for _, rec := range recs {
			fmt.Fprintf(out, "  %s → %s %s (confidence %.2f) %s\n",
				rec.OriginPlanID, rec.RevisedPlanID, rec.Strategy, rec.Confidence, rec.Decision.Reason)
		}
	}
	return nil
}

func outcomeIcon(o session.Outcome) string {
	switch o {
	case session.OutcomeCompleted:
		return "✓"
	case session.OutcomeCompletedWithWarnings:
		return "!"
	case session.OutcomeFailed:
		return "✗"
	case session.OutcomeCancelled:
		return "⊘"
	default:
		return "·"
	}
}
