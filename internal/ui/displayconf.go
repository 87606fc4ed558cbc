package ui

import (
	"errors"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// DisplayConfigContextKey is the key used to store DisplayConfig in context
type DisplayConfigContextKey struct{}

// GetDisplayConfigContextKey returns the key used to store DisplayConfig in context
func GetDisplayConfigContextKey() DisplayConfigContextKey {
	return DisplayConfigContextKey{}
}

// DisplayConfig decides between the animated progress view and line-based output.
type DisplayConfig struct {
	DisableAnimation bool
	IsInteractive    bool
}

func (d DisplayConfig) SimpleOutput() bool {
	return !d.IsInteractive || d.DisableAnimation
}

// terminal describes where output is going.
type terminal struct {
	stdoutTTY bool
	// stderrOnStdout is set when stderr and stdout are the same file, as with 2>&1
	stderrOnStdout bool
}

func detectTerminal() terminal {
	term := terminal{stdoutTTY: isatty.IsTerminal(os.Stdout.Fd())}
	if out, err := os.Stdout.Stat(); err == nil {
		if errOut, err := os.Stderr.Stat(); err == nil {
			term.stderrOnStdout = os.SameFile(out, errOut)
		}
	}
	return term
}

// resolveDisplay applies the flag and terminal rules. Verbose logs on stderr only
// force simple output when they would land in the same stream as the progress view.
func resolveDisplay(noColor, noAnsi, verbose bool, term terminal) DisplayConfig {
	disableAnimation := noColor || noAnsi
	verboseForcesSimple := verbose && term.stderrOnStdout

	return DisplayConfig{
		DisableAnimation: disableAnimation,
		IsInteractive:    term.stdoutTTY && !disableAnimation && !verboseForcesSimple,
	}
}

// NewDisplayConfig builds display options from the persistent flags and TTY detection
func NewDisplayConfig(cmd *cobra.Command, verbose bool) (DisplayConfig, error) {
	noColor, _ := cmd.Flags().GetBool("no-color")
	noAnsi, _ := cmd.Flags().GetBool("no-ansi")

	term := detectTerminal()
	opts := resolveDisplay(noColor, noAnsi, verbose, term)

	slog.Debug("Display options determined",
		"command", cmd.Name(),
		"no-color-flag", noColor,
		"no-ansi-flag", noAnsi,
		"verbose-flag", verbose,
		"stdout-is-tty", term.stdoutTTY,
		"stderr-same-as-stdout", term.stderrOnStdout,
		"is-interactive", opts.IsInteractive,
		"simple-output", opts.SimpleOutput(),
	)

	return opts, nil
}

// GetDisplayConfigFromContext retrieves DisplayConfig from the command context
func GetDisplayConfigFromContext(cmd *cobra.Command) (DisplayConfig, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return DisplayConfig{}, errors.New("command context is nil")
	}

	opts, ok := ctx.Value(GetDisplayConfigContextKey()).(DisplayConfig)
	if !ok {
		return DisplayConfig{}, errors.New("display options not found in context")
	}

	return opts, nil
}
