package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/sentinel/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View sentinel configuration",
	Long: `View the effective sentinel configuration.

Configuration is read from ./sentinel.yaml or $HOME/.sentinel/sentinel.yaml
(or --config), and every key can be overridden from the environment with
the SENTINEL_ prefix, e.g. SENTINEL_ORCHESTRATOR_MAX_REPLANS=1.

Examples:
  sentinel config view
  sentinel config view --format json
  sentinel config path`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Display the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigView,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the configuration file in use",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configFormat string

func init() {
	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json)")
	configCmd.AddCommand(configViewCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigView(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "yaml":
		data, err := cfg.YAML()
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = out.Write(data)
		return err
	case "json":
		// round-trip through YAML so keys keep their config names
		data, err := cfg.YAML()
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		var settings map[string]any
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("failed to decode config: %w", err)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(settings)
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", configFormat)
	}
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.File() == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "(no config file; using defaults and environment)")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.File())
	return nil
}
