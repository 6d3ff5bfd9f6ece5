package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/sentinel/internal/adapter"
	"github.com/felixgeelhaar/sentinel/internal/domain"
	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, store.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Anomaly.DefaultLatency)
	assert.Equal(t, 10, cfg.Anomaly.Window)
	assert.Equal(t, "none", cfg.Tools.Docker.Network)
	assert.Equal(t, "512m", cfg.Tools.Docker.Mem)

	oc, err := cfg.OrchestratorConfig()
	require.NoError(t, err)
	assert.Equal(t, adapter.StrategyGraph, oc.Strategy)
	assert.Equal(t, 3, oc.MaxReplans)
	assert.True(t, oc.ReplanEnabled)
	assert.Equal(t, domain.SeverityMedium, oc.SeverityFloor)

	policies, err := cfg.Policies()
	require.NoError(t, err)
	assert.Len(t, policies, len(adapter.Strategies()))
	for _, p := range policies {
		assert.Equal(t, adapter.DefaultPolicy(p.Strategy), p)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
orchestrator:
  strategy: batch
  max_replans: 1
  severity_floor: high
adapter:
  batch:
    max_concurrency: 2
    timeout: 45s
anomaly:
  default_latency: 10s
  latency:
    nmap_scan: 5m
store:
  driver: file
  path: /tmp/sentinel-store
guard:
  rules:
    - tool: vpn_connect
      kind: tunnel
      release_tool: vpn_disconnect
hooks:
  - name: audit
    type: log
    events: [replan_issued]
    enabled: true
`)
	t.Setenv("SENTINEL_ORCHESTRATOR_MAX_REPLANS", "2")
	t.Setenv("SENTINEL_ADAPTER_BATCH_MAX_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File())

	lc, err := cfg.LogConfig()
	require.NoError(t, err)
	assert.Equal(t, log.LevelDebug, lc.Level)
	assert.Equal(t, log.FormatJSON, lc.Format)

	oc, err := cfg.OrchestratorConfig()
	require.NoError(t, err)
	assert.Equal(t, adapter.StrategyBatch, oc.Strategy)
	assert.Equal(t, 2, oc.MaxReplans)
	assert.Equal(t, domain.SeverityHigh, oc.SeverityFloor)

	policies, err := cfg.Policies()
	require.NoError(t, err)
	var batch adapter.Policy
	for _, p := range policies {
		if p.Strategy == adapter.StrategyBatch {
			batch = p
		}
	}
	assert.Equal(t, 2, batch.MaxConcurrency)
	assert.Equal(t, 7, batch.MaxRetries)
	assert.Equal(t, 45*time.Second, batch.Timeout)

	ac := cfg.AnomalyConfig()
	assert.Equal(t, 10*time.Second, ac.DefaultLatency)
	assert.Equal(t, 5*time.Minute, ac.LatencyFor("nmap_scan"))
	assert.Equal(t, domain.SeverityHigh, ac.SeverityFloor)

	assert.Equal(t, store.DriverFile, cfg.Store.Driver)
	require.Len(t, cfg.Guard.Rules, 1)
	assert.Equal(t, "vpn_disconnect", cfg.Guard.Rules[0].ReleaseTool)
	assert.Len(t, cfg.GuardOptions(), 2)
	require.Len(t, cfg.Hooks, 1)
	assert.Equal(t, "audit", cfg.Hooks[0].Name)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "strategy: batch")
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"strategy", "orchestrator:\n  strategy: swarm\n"},
		{"severity", "orchestrator:\n  severity_floor: extreme\n"},
		{"negative replans", "orchestrator:\n  max_replans: -1\n"},
		{"policy", "adapter:\n  graph:\n    max_concurrency: 0\n"},
		{"unknown strategy section", "adapter:\n  turbo:\n    max_concurrency: 4\n"},
		{"anomaly window", "anomaly:\n  window: 0\n"},
		{"store driver", "store:\n  driver: redis\n"},
		{"log level", "log:\n  level: loud\n"},
		{"sample rate", "telemetry:\n  sample_rate: 2\n"},
		{"metrics addr", "metrics:\n  enabled: true\n"},
		{"guard rule", "guard:\n  rules:\n    - tool: x\n"},
		{"hook failure mode", "hooks:\n  - name: h\n    type: log\n    failure_mode: explode\n"},
		{"yaml syntax", "log: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeConfigInvalid, errors.CodeOf(err))
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
