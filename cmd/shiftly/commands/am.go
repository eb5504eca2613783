package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/shiftly/am"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage shiftly configuration",
	Long: `am - Manage shiftly configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/shiftly/config.toml)
3. User config (~/.shiftly/am.toml)
4. Project config (./am.toml, searching up directories)
5. Environment variables (SHIFTLY_* prefix)

Examples:
  shiftly am show                    # Show current configuration
  shiftly am show --format json      # Show configuration in JSON format
  shiftly am get dispatch.wave_size  # Get specific config value
  shiftly am set dispatch.wave_size 8
  shiftly am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, dispatch.wave_size)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value",
	Long: `Write a value into the active config file (the project am.toml when one
exists, otherwise ~/.shiftly/am.toml). A running server picks up dispatch
changes without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Fprintln(out, string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Fprintf(out, "# shiftly configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Fprintf(out, "# shiftly configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !am.GetViper().IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if !am.GetViper().IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	path := am.ActiveConfigFile()
	if path == "" || path == "/etc/shiftly/config.toml" {
		path = am.UserConfigPath()
	}
	if err := am.SetValue(path, key, parseValue(raw)); err != nil {
		return err
	}

	am.Reset()
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("wrote %s but the result is invalid (previous file kept as %s.back1): %w", path, path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s = %s (%s)\n", key, raw, path)
	return nil
}

// parseValue keeps numbers and booleans typed in the TOML file.
func parseValue(raw string) interface{} {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	out := cmd.OutOrStdout()
	if intro.ConfigFile != "" {
		fmt.Fprintf(out, "Active config file: %s\n\n", intro.ConfigFile)
	} else {
		fmt.Fprintln(out, "No config file found, using defaults")
		fmt.Fprintln(out)
	}

	for _, s := range intro.Settings {
		where := string(s.Source)
		if s.SourcePath != "" && s.Source != am.SourceDefault {
			where += " " + s.SourcePath
		}
		hot := ""
		if s.Hot {
			hot = " (hot)"
		}
		fmt.Fprintf(out, "  %-36s %-24v %s%s\n", s.Key, s.Value, where, hot)
	}
	return nil
}
