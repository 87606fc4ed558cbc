package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	configCmd "github.com/fileferry/ferry/internal/commands/config"
	"github.com/fileferry/ferry/internal/ui"
	"github.com/fileferry/ferry/pkg/bugsnag"
	"github.com/fileferry/ferry/pkg/config"
	"github.com/fileferry/ferry/pkg/logrium"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ferry",
		Short: "Resumable chunked file uploads",
		Long: `ferry moves files over a websocket in flow-controlled chunks.

Run 'ferry serve' on the receiving side and 'ferry send' to push files to it.
Interrupted transfers pick up where they stopped when the receiver has resume enabled.`,
		// main prints errors; commands set SilenceUsage themselves so unknown commands still show usage
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			displayOpts, err := ui.NewDisplayConfig(cmd, verbose)
			if err != nil {
				return fmt.Errorf("error getting display options: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				cmd.SilenceUsage = true
				return ui.NewConfigurationError(fmt.Errorf("error loading config: %w", err))
			}

			if verbose {
				logFile, err := logrium.Setup(displayOpts.IsInteractive, cfg.GetLogLevel())
				if err != nil {
					return fmt.Errorf("error setting up logger: %w", err)
				}
				if logFile != "" {
					fmt.Fprintf(os.Stderr, "Debug logs: %s\n", logFile)
				}
			} else {
				logrium.Disable()
			}

			appType := "sender"
			if cmd.Name() == "serve" {
				appType = "server"
			}
			if err := bugsnag.Initialize(cfg.IsTelemetryEnabled(), appType); err != nil {
				slog.Debug("Error reporting unavailable", "error", err)
			}
			bugsnag.SetCommandContext(cmd.CommandPath(), args)

			slog.Debug("Config loaded successfully", "path", config.Path())

			ctx := context.WithValue(cmd.Context(), config.GetContextKey(), cfg)
			ctx = context.WithValue(ctx, ui.GetDisplayConfigContextKey(), displayOpts)
			cmd.SetContext(ctx)
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output and animations")
	rootCmd.PersistentFlags().Bool("no-ansi", false, "Disable colored output and animations (equivalent to --no-color)")

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewSendCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewTokenCmd())
	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(configCmd.NewConfigCmd())

	return rootCmd
}
