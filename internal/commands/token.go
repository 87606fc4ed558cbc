package commands

import (
	"fmt"
	"time"

	"github.com/fileferry/ferry/internal/auth"
	"github.com/fileferry/ferry/internal/ui"
	"github.com/fileferry/ferry/pkg/config"
	"github.com/spf13/cobra"
)

const defaultTokenTTL = 24 * time.Hour

// NewTokenCmd creates the command that mints upload tokens
func NewTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an upload token",
		Long: `Print a token that lets a sender upload to a receiver sharing this config's
auth secret (authsecret / FERRY_AUTHSECRET).

Examples:
  ferry token --subject ci --ttl 1h
  FERRY_TOKEN=$(ferry token) ferry send build.tar.gz wss://files.example.com/ws`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.GetConfigFromContext(cmd)
			if err != nil {
				return ui.NewConfigurationError(err)
			}
			authority, err := auth.NewAuthority(cfg.AuthSecret)
			if err != nil {
				return ui.NewConfigurationError(fmt.Errorf("%w: set one with 'ferry config set authsecret <secret>'", err))
			}

			token, err := authority.Issue(subject, ttl)
			if err != nil {
				return ui.NewValidationError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "sender", "Who the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "How long the token stays valid")

	return cmd
}
