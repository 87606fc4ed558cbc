package config

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/fileferry/ferry/pkg/config"
	"github.com/spf13/cobra"
)

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Open config file in editor",
		Long: `Open the configuration file in your editor, chosen from $EDITOR, then
$VISUAL, then vi (notepad on Windows).

Use it for settings that are tables, such as [destinations].

Example:
  EDITOR=nano ferry config edit`,
		Args: cobra.NoArgs,
		RunE: runEdit,
	}
}

func runEdit(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	// Load creates the file when it is missing
	if _, err := config.Load(); err != nil {
		return err
	}
	path := config.Path()
	editor := resolveEditor(os.Getenv, runtime.GOOS)

	fmt.Fprintf(cmd.OutOrStdout(), "Opening %s with %s...\n", path, editor)

	editorCmd := exec.CommandContext(cmd.Context(), editor, path) //nolint:gosec // Editor from user's environment variable
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("failed to open editor: %w", err)
	}
	return nil
}

func resolveEditor(getenv func(string) string, goos string) string {
	for _, name := range []string{"EDITOR", "VISUAL"} {
		if editor := getenv(name); editor != "" {
			return editor
		}
	}
	if goos == "windows" {
		return "notepad"
	}
	return "vi"
}
