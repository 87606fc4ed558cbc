package config

import (
	"fmt"

	"github.com/fileferry/ferry/internal/ui"
	"github.com/fileferry/ferry/pkg/config"
	"github.com/spf13/cobra"
)

func newTelemetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Manage error reporting",
		Long: `Manage crash and storage-failure reporting.

You can also disable it for a single run with:
  export FERRY_TELEMETRY_DISABLED=true`,
	}

	cmd.AddCommand(newTelemetrySwitchCmd("enable", "Enable error reporting", true))
	cmd.AddCommand(newTelemetrySwitchCmd("disable", "Disable error reporting", false))
	cmd.AddCommand(newTelemetryStatusCmd())

	return cmd
}

func newTelemetrySwitchCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if _, err := config.Load(); err != nil {
				return ui.NewConfigurationError(fmt.Errorf("failed to load config: %w", err))
			}
			if err := config.Set("telemetry", fmt.Sprint(enabled)); err != nil {
				return ui.NewFileSystemError(fmt.Errorf("failed to save config: %w", err))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Telemetry %sd\n", use)
			return nil
		},
	}
}

func newTelemetryStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether error reporting is enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load()
			if err != nil {
				return ui.NewConfigurationError(fmt.Errorf("failed to load config: %w", err))
			}

			status := "disabled"
			if cfg.IsTelemetryEnabled() {
				status = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Telemetry: %s\n", status)
			return nil
		},
	}
}
