package config

import (
	"fmt"

	"github.com/fileferry/ferry/pkg/config"
	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Long: `Get the effective value of a configuration key, including defaults and
FERRY_* environment overrides.

Examples:
  ferry config get destination
  ferry config get chunk-size`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	key := normalizeKey(args[0])
	if !config.IsValidUserFacingKey(key) {
		return fmt.Errorf("'%s' is not a recognized configuration key. Run 'ferry config set --help' for valid keys", args[0])
	}

	if _, err := config.Load(); err != nil {
		return err
	}

	value := config.Get(key)
	if value == nil {
		return fmt.Errorf("configuration key '%s' not set", args[0])
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatValue(key, value))
	return nil
}

// formatValue renders lists comma-separated and hides secrets.
func formatValue(key string, value any) string {
	if key == "authsecret" {
		if s, _ := value.(string); s != "" {
			return "********"
		}
	}
	switch v := value.(type) {
	case []string:
		return joinList(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return joinList(parts)
	default:
		return fmt.Sprint(v)
	}
}
