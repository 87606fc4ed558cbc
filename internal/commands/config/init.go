package config

import (
	"errors"
	"fmt"

	"github.com/fileferry/ferry/internal/ui"
	"github.com/fileferry/ferry/pkg/config"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var destination string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a config file with every setting and its default spelled out.

Examples:
  ferry config init --destination /srv/uploads
  ferry config init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			path := config.Path()
			if err := config.WriteStarter(path, destination, force); err != nil {
				if errors.Is(err, config.ErrConfigExists) {
					return ui.NewValidationError(fmt.Errorf("%w (use --force to replace it)", err))
				}
				return ui.NewFileSystemError(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&destination, "destination", "d", "", "Directory uploads are written to")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing config file")

	return cmd
}
