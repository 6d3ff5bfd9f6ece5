package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/sentinel/internal/exitcode"
	"github.com/felixgeelhaar/sentinel/internal/health"
	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/metrics"
	"github.com/felixgeelhaar/sentinel/internal/orchestrator"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/progress"
	"github.com/felixgeelhaar/sentinel/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan",
	Long: `Execute a plan and print the run report.

Steps run as soon as their dependencies complete, up to the adapter's
concurrency limit. Latency, error-rate and resource anomalies, and failed
steps, trigger a plan revision that keeps every completed step.

Exit codes:
  0  completed, with or without warnings
  3  the plan is invalid or cyclic
  4  the run failed
  130 interrupted

Examples:
  sentinel run --plan recon.yaml
  sentinel run --plan recon.json --strategy batch --no-replan
  sentinel run --plan recon.yaml --metrics-addr :9090 --output json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runPlanFile    string
	runStrategy    string
	runNoReplan    bool
	runMetricsAddr string
	runOutput      string
	runVerbose     bool
)

func init() {
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "plan file (JSON or YAML)")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "adapter strategy (graph, batch, stream); overrides config")
	runCmd.Flags().BoolVar(&runNoReplan, "no-replan", false, "record triggers without revising the plan")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format (text, json)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "print every step transition")
	_ = runCmd.MarkFlagRequired("plan")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runOutput != "text" && runOutput != "json" {
		return exitcode.New(exitcode.UsageError, fmt.Sprintf("unknown output format %q (want text or json)", runOutput))
	}

	p, err := plan.Load(runPlanFile)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(ctx)

	addr := runMetricsAddr
	if addr == "" && a.cfg.Metrics.Enabled {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		stop, err := serveMetrics(a, addr)
		if err != nil {
			return err
		}
		defer stop()
	}

	stream := hooks.NewStream()
	defer stream.Close()

	stopHooks, err := a.attachHooks(ctx, stream)
	if err != nil {
		return err
	}
	printer := progress.NewPrinter(progress.Config{Writer: cmd.OutOrStdout(), Verbose: runVerbose})
	stopPrinter := func() {}
	if runOutput == "text" {
		stopPrinter = printer.Attach(stream)
	}

	engine, err := a.engine(stream, engineOptions{strategy: runStrategy, noReplan: runNoReplan})
	if err != nil {
		stopPrinter()
		stopHooks()
		return err
	}

	report, err := engine.Run(ctx, p)
	stopPrinter()
	stopHooks()
	if err != nil {
		return err
	}
	if dropped := stream.Dropped(); dropped > 0 {
		a.logger.Warn("progress events dropped", "count", dropped)
	}

	if runOutput == "json" {
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printer.PrintReport(report)
	}
	return outcomeError(report)
}

// outcomeError maps a finished run to the command's exit status.
func outcomeError(r *orchestrator.Report) error {
	switch r.Outcome {
	case session.OutcomeFailed:
		return exitcode.New(exitcode.SessionFailed, fmt.Sprintf("run of plan %s failed", r.Plan.ID))
	case session.OutcomeCancelled:
		return exitcode.New(exitcode.Interrupted, "run cancelled")
	default:
		return nil
	}
}

// serveMetrics exposes the app's registry on /metrics and the health
// checks on /healthz until stop is called.
func serveMetrics(a *app, addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(a.promReg))
	checks := a.healthManager()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := checks.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = writeJSON(w, report)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Warn("metrics server stopped")
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
