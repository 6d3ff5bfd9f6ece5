// Package config loads sentinel settings from sentinel.yaml, SENTINEL_*
// environment variables and built-in defaults, in increasing order of
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/sentinel/internal/adapter"
	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/domain"
	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/guard"
	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/orchestrator"
	"github.com/felixgeelhaar/sentinel/internal/store"
	"github.com/felixgeelhaar/sentinel/internal/telemetry"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// EnvPrefix prefixes environment overrides, e.g. SENTINEL_LOG_LEVEL.
const EnvPrefix = "SENTINEL"

// Config is the complete sentinel configuration.
type Config struct {
	Log          LogConfig               `mapstructure:"log"`
	Telemetry    TelemetryConfig         `mapstructure:"telemetry"`
	Metrics      MetricsConfig           `mapstructure:"metrics"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator"`
	Adapter      map[string]PolicyConfig `mapstructure:"adapter"`
	Anomaly      anomaly.Config          `mapstructure:"anomaly"`
	Store        store.Config            `mapstructure:"store"`
	Guard        GuardConfig             `mapstructure:"guard"`
	Hooks        []hooks.HookConfig      `mapstructure:"hooks"`
	Tools        ToolsConfig             `mapstructure:"tools"`

	// file is the config file that was read, empty when none was found.
	file     string
	settings map[string]any
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Environment string  `mapstructure:"environment"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// OrchestratorConfig configures the replan loop.
type OrchestratorConfig struct {
	Strategy        string `mapstructure:"strategy"`
	ReplanEnabled   bool   `mapstructure:"replan_enabled"`
	MaxReplans      int    `mapstructure:"max_replans"`
	ReplanOnFailure bool   `mapstructure:"replan_on_failure"`
	SeverityFloor   string `mapstructure:"severity_floor"`
}

// PolicyConfig overrides one strategy's adapter policy.
type PolicyConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
}

// GuardConfig configures resource release.
type GuardConfig struct {
	Rules          []guard.Rule  `mapstructure:"rules"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
}

// ToolsConfig configures the built-in capabilities.
type ToolsConfig struct {
	Docker tool.DockerOptions `mapstructure:"docker"`
}

// setDefaults registers a default for every key, which also makes every
// key overridable from the environment.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.add_source", false)

	td := telemetry.DefaultConfig()
	v.SetDefault("telemetry.enabled", td.Enabled)
	v.SetDefault("telemetry.endpoint", td.Endpoint)
	v.SetDefault("telemetry.insecure", td.Insecure)
	v.SetDefault("telemetry.sample_rate", td.SampleRate)
	v.SetDefault("telemetry.environment", td.Environment)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "")

	od := orchestrator.DefaultConfig()
	v.SetDefault("orchestrator.strategy", string(od.Strategy))
	v.SetDefault("orchestrator.replan_enabled", od.ReplanEnabled)
	v.SetDefault("orchestrator.max_replans", od.MaxReplans)
	v.SetDefault("orchestrator.replan_on_failure", od.ReplanOnFailure)
	v.SetDefault("orchestrator.severity_floor", od.SeverityFloor.String())

	for _, s := range adapter.Strategies() {
		p := adapter.DefaultPolicy(s)
		prefix := "adapter." + string(s) + "."
		v.SetDefault(prefix+"max_concurrency", p.MaxConcurrency)
		v.SetDefault(prefix+"max_retries", p.MaxRetries)
		v.SetDefault(prefix+"base_delay", p.BaseDelay.String())
		v.SetDefault(prefix+"max_delay", p.MaxDelay.String())
		v.SetDefault(prefix+"multiplier", p.Multiplier)
		v.SetDefault(prefix+"timeout", p.Timeout.String())
		v.SetDefault(prefix+"cache_ttl", p.CacheTTL.String())
		v.SetDefault(prefix+"rate_limit", p.RateLimit)
		v.SetDefault(prefix+"burst", p.Burst)
	}

	ad := anomaly.DefaultConfig()
	v.SetDefault("anomaly.default_latency", ad.DefaultLatency.String())
	v.SetDefault("anomaly.window", ad.Window)
	v.SetDefault("anomaly.min_samples", ad.MinSamples)
	v.SetDefault("anomaly.error_ratio", ad.ErrorRatio)
	v.SetDefault("anomaly.max_memory_bytes", ad.MaxMemoryBytes)
	v.SetDefault("anomaly.max_cpu_percent", ad.MaxCPUPercent)

	v.SetDefault("store.driver", string(store.DriverSQLite))
	v.SetDefault("store.path", filepath.Join(home, ".sentinel", "sentinel.db"))

	v.SetDefault("guard.release_timeout", guard.DefaultReleaseTimeout.String())

	v.SetDefault("tools.docker.network", "none")
	v.SetDefault("tools.docker.cpu", "1")
	v.SetDefault("tools.docker.mem", "512m")
}

// Load reads configuration. An explicit path must exist; otherwise
// sentinel.yaml is searched in the working directory and $HOME/.sentinel,
// and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sentinel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sentinel"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "failed to read config file", err).
				WithSuggestion("Check the YAML syntax of the config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "failed to decode config", err)
	}
	cfg.file = v.ConfigFileUsed()
	cfg.settings = v.AllSettings()
	cfg.Store.Path = expandHome(cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// File returns the config file that was read, or "" when defaults and
// environment were used alone.
func (c *Config) File() string { return c.file }

// Validate checks every section and reports the first problem.
func (c *Config) Validate() error {
	invalid := func(section string, err error) error {
		return errors.Wrap(errors.ErrCodeConfigInvalid, "invalid "+section+" config", err)
	}

	if _, err := c.LogConfig(); err != nil {
		return invalid("log", err)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return invalid("telemetry", fmt.Errorf("sample_rate must be between 0 and 1, got %g", c.Telemetry.SampleRate))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics", fmt.Errorf("addr is required when metrics are enabled"))
	}
	oc, err := c.OrchestratorConfig()
	if err != nil {
		return invalid("orchestrator", err)
	}
	if err := oc.Validate(); err != nil {
		return invalid("orchestrator", err)
	}
	if _, err := c.Policies(); err != nil {
		return invalid("adapter", err)
	}
	if err := c.AnomalyConfig().Validate(); err != nil {
		return invalid("anomaly", err)
	}
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverFile, store.DriverMemory:
	default:
		return invalid("store", fmt.Errorf("driver must be sqlite, file or memory, got %q", c.Store.Driver))
	}
	if c.Store.Driver != store.DriverMemory && c.Store.Path == "" {
		return invalid("store", fmt.Errorf("path is required for driver %s", c.Store.Driver))
	}
	for _, r := range c.Guard.Rules {
		if r.Tool == "" || r.Kind == "" {
			return invalid("guard", fmt.Errorf("every rule needs a tool and a kind"))
		}
	}
	if c.Guard.ReleaseTimeout <= 0 {
		return invalid("guard", fmt.Errorf("release_timeout must be positive"))
	}
	for _, h := range c.Hooks {
		if h.Name == "" || h.Type == "" {
			return invalid("hooks", fmt.Errorf("every hook needs a name and a type"))
		}
		if h.FailureMode != "" && !hooks.IsValidFailureMode(h.FailureMode) {
			return invalid("hooks", fmt.Errorf("hook %s: unknown failure mode %q", h.Name, h.FailureMode))
		}
	}
	return nil
}

// LogConfig converts the log section. Output is left to the caller.
func (c *Config) LogConfig() (log.Config, error) {
	lc := log.DefaultConfig()
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return lc, fmt.Errorf("unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return lc, fmt.Errorf("unknown format %q", c.Log.Format)
	}
	lc.Level = log.ParseLevel(c.Log.Level)
	lc.Format = log.ParseFormat(c.Log.Format)
	lc.AddSource = c.Log.AddSource
	return lc, nil
}

// TelemetryConfig converts the telemetry section.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Enabled = c.Telemetry.Enabled
	tc.Endpoint = c.Telemetry.Endpoint
	tc.Insecure = c.Telemetry.Insecure
	tc.SampleRate = c.Telemetry.SampleRate
	tc.Environment = c.Telemetry.Environment
	if version != "" {
		tc.ServiceVersion = version
	}
	return tc
}

// OrchestratorConfig converts the orchestrator section.
func (c *Config) OrchestratorConfig() (orchestrator.Config, error) {
	oc := orchestrator.DefaultConfig()
	s, err := adapter.ParseStrategy(c.Orchestrator.Strategy)
	if err != nil {
		return oc, err
	}
	oc.Strategy = s
	oc.ReplanEnabled = c.Orchestrator.ReplanEnabled
	oc.MaxReplans = c.Orchestrator.MaxReplans
	oc.ReplanOnFailure = c.Orchestrator.ReplanOnFailure
	if c.Orchestrator.SeverityFloor != "" {
		sev, err := domain.ParseSeverity(c.Orchestrator.SeverityFloor)
		if err != nil {
			return oc, err
		}
		oc.SeverityFloor = sev
	}
	return oc, nil
}

// Policies returns one validated policy per strategy with the adapter
// section applied.
func (c *Config) Policies() ([]adapter.Policy, error) {
	var out []adapter.Policy
	for _, s := range adapter.Strategies() {
		p := adapter.DefaultPolicy(s)
		if o, ok := c.Adapter[string(s)]; ok {
			p.MaxConcurrency = o.MaxConcurrency
			p.MaxRetries = o.MaxRetries
			p.BaseDelay = o.BaseDelay
			p.MaxDelay = o.MaxDelay
			p.Multiplier = o.Multiplier
			p.Timeout = o.Timeout
			p.CacheTTL = o.CacheTTL
			p.RateLimit = o.RateLimit
			p.Burst = o.Burst
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	for name := range c.Adapter {
		if _, err := adapter.ParseStrategy(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AnomalyConfig returns the anomaly thresholds with the orchestrator's
// severity floor applied.
func (c *Config) AnomalyConfig() anomaly.Config {
	ac := c.Anomaly
	ac.SeverityFloor = domain.SeverityMedium
	if sev, err := domain.ParseSeverity(c.Orchestrator.SeverityFloor); err == nil {
		ac.SeverityFloor = sev
	}
	return ac
}

// GuardOptions converts the guard section.
func (c *Config) GuardOptions() []guard.Option {
	opts := []guard.Option{guard.WithReleaseTimeout(c.Guard.ReleaseTimeout)}
	if len(c.Guard.Rules) > 0 {
		opts = append(opts, guard.WithRules(append(guard.DefaultRules(), c.Guard.Rules...)...))
	}
	return opts
}

// YAML renders the effective settings.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.settings)
}
