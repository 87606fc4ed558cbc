package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fileferry/ferry/internal/commands"
	"github.com/fileferry/ferry/internal/ui"
	"github.com/fileferry/ferry/pkg/bugsnag"
)

// exitInterrupted matches the shell convention for SIGINT
const exitInterrupted = 130

func main() {
	// Recover from panics and report them to Bugsnag
	defer bugsnag.NotifyOnPanic(context.Background())

	rootCmd := commands.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		errMsg := err.Error()
		switch {
		case strings.HasPrefix(errMsg, "unknown command"):
			// Commands suppress usage, so print it by hand for a mistyped command
			_ = rootCmd.Usage()
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, err)
		case strings.HasPrefix(errMsg, "unknown flag"):
			// Cobra already showed usage
			fmt.Fprintln(os.Stderr, err)
		default:
			report(err)
		}
		os.Exit(exitCode(err))
	}
}

// report prints err unless a view has already shown it.
func report(err error) {
	var uiErr *ui.UIError
	if errors.As(err, &uiErr) && uiErr.SilentExit {
		return
	}
	fmt.Fprint(os.Stderr, ui.FormatError(err))
}

func exitCode(err error) int {
	var uiErr *ui.UIError
	if errors.As(err, &uiErr) && uiErr.Type == ui.ErrorTypeUserCancelled {
		return exitInterrupted
	}
	return 1
}
