package config

import (
	"fmt"
	"strings"

	"github.com/fileferry/ferry/pkg/config"
	"github.com/spf13/cobra"
)

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in ~/.ferry/config.toml

Examples:
  ferry config set destination /srv/uploads
  ferry config set accepts image/*,application/pdf
  ferry config set transmission-delay 25ms`,
		Args: cobra.ExactArgs(2),
		RunE: runSet,
	}
}

func runSet(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	key := normalizeKey(args[0])
	value := args[1]

	if !config.IsValidUserFacingKey(key) {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "Error: '%s' is not a recognized configuration key\n\n", args[0])
		fmt.Fprintf(errOut, "Valid configuration keys:\n")
		for _, validKey := range config.GetUserFacingKeys() {
			fmt.Fprintf(errOut, "  %s - %s\n", validKey, config.GetConfigKeyDescription(validKey))
		}
		return fmt.Errorf("invalid configuration key")
	}

	if _, err := config.Load(); err != nil {
		return err
	}

	if err := config.Set(key, value); err != nil {
		return err
	}

	if key == "authsecret" {
		value = "********"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Set %s = %s\n", key, value)
	return nil
}

func joinList(values []string) string {
	return strings.Join(values, ",")
}
