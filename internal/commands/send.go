package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fileferry/ferry/internal/auth"
	"github.com/fileferry/ferry/internal/sender"
	"github.com/fileferry/ferry/internal/ui"
	uiSend "github.com/fileferry/ferry/internal/ui/commands/send"
	"github.com/fileferry/ferry/pkg/bugsnag"
	"github.com/spf13/cobra"
)

// cancelGrace covers the sender's wait for an abort acknowledgement
const cancelGrace = 6 * time.Second

type sendFlags struct {
	token       string
	destination string
	metadata    map[string]string
	attempts    uint
}

// NewSendCmd creates the sender command
func NewSendCmd() *cobra.Command {
	var flags sendFlags

	cmd := &cobra.Command{
		Use:   "send <file>... <url>",
		Short: "Send files to a receiver",
		Long: `Upload one or more files to a ferry receiver, one after another over a single
connection. Files the receiver already has are skipped; partial files are resumed
when the receiver allows it.

Examples:
  ferry send report.pdf ws://localhost:8080/ws
  ferry send *.png wss://files.example.com/ws --dest photos --token $FERRY_TOKEN
  ferry send notes.txt ws://localhost:8080/ws --meta owner=ops --meta ticket=42`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.token, "token", "t", "", "Upload token (default $FERRY_TOKEN)")
	cmd.Flags().StringVarP(&flags.destination, "dest", "d", "", "Destination key on a receiver with named destinations")
	cmd.Flags().StringToStringVar(&flags.metadata, "meta", nil, "Metadata passed to the receiver as key=value")
	cmd.Flags().UintVar(&flags.attempts, "attempts", 0, "Connection attempts before giving up (default 4)")

	return cmd
}

func runSend(cmd *cobra.Command, args []string, flags sendFlags) error {
	cmd.SilenceUsage = true

	paths, target := args[:len(args)-1], args[len(args)-1]

	displayOpts, err := ui.GetDisplayConfigFromContext(cmd)
	if err != nil {
		return ui.NewInternalError(fmt.Errorf("failed to get display options: %w", err))
	}

	token := flags.token
	if token == "" {
		token = os.Getenv("FERRY_TOKEN")
	}
	if token != "" {
		bugsnag.SetUser(auth.Subject(token))
	}

	ctx := cmd.Context()
	s, err := sender.Dial(ctx, target, sender.DialOptions{Token: token, Attempts: flags.attempts})
	if err != nil {
		return ui.Classify(fmt.Errorf("failed to connect to %s: %w", target, err))
	}
	//nolint:errcheck // Closing on exit, error not actionable
	defer s.Close()

	var metadata map[string]any
	if len(flags.metadata) > 0 {
		metadata = make(map[string]any, len(flags.metadata))
		for k, v := range flags.metadata {
			metadata[k] = v
		}
	}

	model := uiSend.NewSendView(ctx, uiSend.SendConfig{
		DisplayConfig:  displayOpts,
		Uploader:       s,
		Paths:          paths,
		DestinationKey: flags.destination,
		Metadata:       metadata,
	})

	var programOpts []tea.ProgramOption
	if !displayOpts.IsInteractive {
		programOpts = append(programOpts,
			tea.WithoutRenderer(),
			tea.WithInput(nil),
		)
	}

	p := tea.NewProgram(model, programOpts...)
	doneCh := ui.SetupSignalHandling(p, cancelGrace)
	defer close(doneCh)

	finalModel, err := p.Run()
	if err != nil {
		return ui.NewInternalError(fmt.Errorf("ui error: %w", err))
	}

	m, ok := finalModel.(*uiSend.SendView)
	if !ok {
		return ui.NewInternalError(errors.New("unexpected model type"))
	}

	// errors the view rendered are SilentExit; main still exits non-zero for them
	return m.Error()
}
