package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/sentinel/internal/adapter"
	"github.com/felixgeelhaar/sentinel/internal/config"
	"github.com/felixgeelhaar/sentinel/internal/exitcode"
	"github.com/felixgeelhaar/sentinel/internal/guard"
	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/metrics"
	"github.com/felixgeelhaar/sentinel/internal/orchestrator"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/store"
	"github.com/felixgeelhaar/sentinel/internal/telemetry"
	"github.com/felixgeelhaar/sentinel/internal/tool"
	"github.com/felixgeelhaar/sentinel/internal/version"
)

// app holds what a command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	tools    *tool.Registry
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	shutdown func(context.Context) error
	store    store.Store
}

// newApp loads configuration and builds the logger, tracer provider,
// metrics and capability registry. Logs go to the command's error stream.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	lc, err := cfg.LogConfig()
	if err != nil {
		return nil, exitcode.Wrap(exitcode.UsageError, "invalid --log-level", err)
	}
	lc.Output = cmd.ErrOrStderr()
	lc.ServiceVersion = version.GetInfo().Short()
	logger := log.New(lc)
	log.SetDefaultLogger(logger)

	shutdown, err := telemetry.InitProvider(cmd.Context(), cfg.TelemetryConfig(version.GetInfo().Short()))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg, m := metrics.NewRegistry()
	tools := tool.NewRegistry(logger)
	if err := tool.RegisterBuiltins(tools, cfg.Tools.Docker); err != nil {
		return nil, fmt.Errorf("register built-in tools: %w", err)
	}

	if f := cfg.File(); f != "" {
		logger.Debug("config loaded", "file", f)
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		tools:    tools,
		promReg:  reg,
		metrics:  m,
		shutdown: shutdown,
	}, nil
}

// openStore opens the configured store once.
func (a *app) openStore() (store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := store.Open(a.cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

// close flushes spans and closes the store.
func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close store")
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.WithError(err).Warn("failed to flush traces")
		}
	}
}

// engineOptions tweak the configured orchestrator for one invocation.
type engineOptions struct {
	strategy string
	noReplan bool
}

// engine wires the orchestrator: adapters from the configured policies,
// the replanner, the guard releasing through the tool registry, and the
// store. Events go to stream.
func (a *app) engine(stream *hooks.Stream, eo engineOptions) (*orchestrator.Engine, error) {
	oc, err := a.cfg.OrchestratorConfig()
	if err != nil {
		return nil, err
	}
	if eo.strategy != "" {
		s, err := adapter.ParseStrategy(eo.strategy)
		if err != nil {
			return nil, exitcode.Wrap(exitcode.UsageError, "invalid --strategy", err)
		}
		oc.Strategy = s
	}
	if eo.noReplan {
		oc.ReplanEnabled = false
	}

	policies, err := a.cfg.Policies()
	if err != nil {
		return nil, err
	}
	adapters, err := adapter.NewManager(a.tools, policies,
		adapter.WithLogger(a.logger), adapter.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	replanner := replan.New(a.tools,
		replan.WithLogger(a.logger), replan.WithMetrics(a.metrics), replan.WithPublisher(stream))

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}

	return orchestrator.New(adapters, replanner,
		orchestrator.WithConfig(oc),
		orchestrator.WithDetectorConfig(a.cfg.AnomalyConfig()),
		orchestrator.WithReleaser(guard.InvokerReleaser{Invoker: a.tools}, a.cfg.GuardOptions()...),
		orchestrator.WithStore(st),
		orchestrator.WithPublisher(stream),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
	)
}

// attachHooks registers the configured hooks on stream. The returned stop
// waits for queued events to be handled.
func (a *app) attachHooks(ctx context.Context, stream *hooks.Stream) (func(), error) {
	if len(a.cfg.Hooks) == 0 {
		return func() {}, nil
	}
	reg := hooks.NewRegistry(a.logger)
	for i := range a.cfg.Hooks {
		if err := reg.RegisterFromConfig(&a.cfg.Hooks[i]); err != nil {
			return nil, err
		}
	}
	a.logger.Debug("hooks attached", "hooks", reg.Names())
	return reg.Attach(ctx, stream), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
