package config

import (
	"strings"

	"github.com/spf13/cobra"
)

// NewConfigCmd creates the config command group
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ferry configuration",
		Long: `Manage ferry configuration settings.

Configuration is stored in ~/.ferry/config.toml (override with FERRY_CONFIG_PATH).
Every key can also be set through the environment, e.g. FERRY_CHUNKSIZE=65536.

Available subcommands:
  init      - Write a starter config file
  set       - Set a configuration value
  get       - Get a configuration value
  list      - List all configuration
  edit      - Open config file in editor
  telemetry - Manage error reporting`,
	}

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newEditCmd())
	cmd.AddCommand(newTelemetryCmd())

	return cmd
}

// normalizeKey accepts kebab-case spellings such as max-file-size.
func normalizeKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "-", ""))
}
