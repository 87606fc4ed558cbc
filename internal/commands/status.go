package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fileferry/ferry/internal/health"
	"github.com/fileferry/ferry/internal/ui"
	"github.com/fileferry/ferry/internal/version"
	"github.com/spf13/cobra"
)

// NewStatusCmd creates a status command
func NewStatusCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "status <url>",
		Short: "Check a receiver's health",
		Long: `Query a receiver's /health endpoint and check that this sender can talk to it.

Example:
  ferry status ws://localhost:8080/ws
  ferry status https://files.example.com --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0], outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json")

	return cmd
}

type statusOutput struct {
	health.Report
	URL        string `json:"url"`
	Compatible bool   `json:"compatible"`
	Problem    string `json:"problem,omitempty"`
}

func runStatus(cmd *cobra.Command, target, outputFormat string) error {
	cmd.SilenceUsage = true

	if outputFormat != "text" && outputFormat != "json" {
		return ui.NewValidationError(fmt.Errorf("invalid output format: %s (supported: text, json)", outputFormat))
	}

	endpoint, err := health.URL(target)
	if err != nil {
		return ui.NewValidationError(err)
	}

	report, err := health.NewClient(nil).Check(cmd.Context(), target)
	if err != nil {
		return ui.NewTransferError(fmt.Errorf("failed to fetch status: %w", err))
	}

	out := statusOutput{Report: *report, URL: endpoint, Compatible: true}
	if err := report.Compatible(); err != nil {
		out.Compatible = false
		out.Problem = err.Error()
	}

	if outputFormat == "json" {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return ui.NewInternalError(fmt.Errorf("failed to marshal JSON: %w", err))
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	} else {
		printStatus(cmd.OutOrStdout(), out)
	}

	if !out.Compatible {
		return ui.NewValidationError(fmt.Errorf("receiver protocol %s is not supported by this sender (%s)", report.Protocol, version.SupportedProtocols))
	}
	return nil
}

func printStatus(w io.Writer, s statusOutput) {
	state := ui.GreenStyle.Render(s.Status)
	if s.Status != health.StatusOK {
		state = ui.RedStyle.Render(s.Status)
	}

	fmt.Fprintf(w, "Receiver:    %s\n", ui.URLStyle.Render(s.URL))
	fmt.Fprintf(w, "Status:      %s\n", state)
	fmt.Fprintf(w, "Version:     %s\n", s.Version)
	fmt.Fprintf(w, "Protocol:    %s\n", s.Protocol)
	fmt.Fprintf(w, "Connections: %d\n", s.Connections)
	if !s.Timestamp.IsZero() {
		fmt.Fprintf(w, "Checked at:  %s\n", s.Timestamp.Local().Format(time.DateTime))
	}
	if !s.Compatible {
		fmt.Fprintln(w, ui.WarningStyle.Render("⚠ "+s.Problem))
	}
}
