package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fileferry/ferry/internal/auth"
	"github.com/fileferry/ferry/internal/notify"
	"github.com/fileferry/ferry/internal/server"
	"github.com/fileferry/ferry/internal/ui"
	"github.com/fileferry/ferry/internal/upload"
	"github.com/fileferry/ferry/pkg/bugsnag"
	"github.com/fileferry/ferry/pkg/config"
	"github.com/fileferry/ferry/pkg/logrium"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	listen      string
	destination string
	overwrite   bool
	resume      bool
}

// NewServeCmd creates the receiver command
func NewServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload receiver",
		Long: `Accept uploads over websocket connections at /ws and write them to the
configured destination. GET /health reports the receiver's version and load.

Flags override the config file for this run only.

Examples:
  ferry serve --destination /srv/uploads
  ferry serve --listen :9000 --resume
  FERRY_AUTHSECRET=s3cret ferry serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.listen, "listen", "l", "", "Address to listen on (default from config, :8080)")
	cmd.Flags().StringVarP(&flags.destination, "destination", "d", "", "Directory uploads are written to")
	cmd.Flags().BoolVar(&flags.overwrite, "overwrite", false, "Replace existing files instead of skipping them")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "Append to partial files instead of starting over")

	return cmd
}

func runServe(cmd *cobra.Command, flags serveFlags) error {
	cmd.SilenceUsage = true

	cfg, err := config.GetConfigFromContext(cmd)
	if err != nil {
		return ui.NewConfigurationError(err)
	}
	applyServeFlags(cmd, cfg, flags)

	logger := logrium.SetupServer(os.Stderr, cfg.GetLogLevel(), logrium.ParseFormat(cfg.LogFormat))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return srv.Run(ctx)
}

// applyServeFlags lets explicitly passed flags win over the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, flags serveFlags) {
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if flags.destination != "" {
		cfg.DestinationDir = flags.destination
		cfg.Destinations = nil
	}
	if cmd.Flags().Changed("overwrite") {
		cfg.Overwrite = flags.overwrite
	}
	if cmd.Flags().Changed("resume") {
		cfg.Resume = flags.resume
	}
}

// buildServer wires storage, notifiers and auth from cfg. cleanup releases the
// NATS connection when one was opened.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server.Server, func(), error) {
	cleanup := func() {}

	engineOpts, err := cfg.EngineOptions()
	if err != nil {
		return nil, cleanup, ui.NewConfigurationError(err)
	}
	engineOpts.Storage = upload.NewFileStorage(afero.NewOsFs(), 0)

	notifiers := []upload.Notifier{bugsnag.NewReporter(ctx)}
	if cfg.NATSURL != "" {
		pub, err := notify.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, cleanup, ui.NewConfigurationError(err)
		}
		cleanup = func() {
			if err := pub.Close(); err != nil {
				logger.Warn("Failed to drain NATS connection", "error", err)
			}
		}
		notifiers = append(notifiers, pub)
		logger.Info("Publishing upload events", "url", cfg.NATSURL, "subject", cfg.NATSSubject)
	}
	engineOpts.Notifier = upload.Notifiers(notifiers...)

	var authority *auth.Authority
	if cfg.AuthSecret != "" {
		if authority, err = auth.NewAuthority(cfg.AuthSecret); err != nil {
			cleanup()
			return nil, func() {}, ui.NewConfigurationError(err)
		}
	} else {
		logger.Warn("No auth secret configured, /ws accepts anyone")
	}

	srv, err := server.New(server.Options{
		Addr:        cfg.Listen,
		Engine:      engineOpts,
		Authority:   authority,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, ui.NewConfigurationError(fmt.Errorf("failed to start receiver: %w", err))
	}
	return srv, cleanup, nil
}
