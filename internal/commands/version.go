package commands

import (
	"encoding/json"
	"fmt"

	"github.com/fileferry/ferry/internal/ui"
	"github.com/fileferry/ferry/internal/version"
	"github.com/spf13/cobra"
)

type versionOutput struct {
	Version            string `json:"version"`
	Commit             string `json:"commit"`
	BuildDate          string `json:"build_date"`
	Protocol           string `json:"protocol"`
	SupportedProtocols string `json:"supported_protocols"`
}

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			switch outputFormat {
			case "text":
				fmt.Fprintln(cmd.OutOrStdout(), version.GetFullVersion())
				return nil
			case "json":
				out, err := json.MarshalIndent(versionOutput{
					Version:            version.Version,
					Commit:             version.Commit,
					BuildDate:          version.BuildDate,
					Protocol:           version.Protocol,
					SupportedProtocols: version.SupportedProtocols,
				}, "", "  ")
				if err != nil {
					return ui.NewInternalError(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			default:
				return ui.NewValidationError(fmt.Errorf("invalid output format: %s (supported: text, json)", outputFormat))
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json")

	return cmd
}
