// Package logrium configures the process-wide slog logger for the ferry commands.
package logrium

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-isatty"
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps "text" or "json" to a Format. Anything else is text.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

func newHandler(w io.Writer, level slog.Level, format Format) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Setup configures the global logger for a command that may run a terminal UI.
//
// While the progress view owns the terminal, logs go to a timestamped file in the
// temp dir and its path is returned. If stderr is redirected, or the command is not
// interactive, logs go to stderr and the returned path is empty.
func Setup(isInteractive bool, level slog.Level) (string, error) {
	if !isInteractive || !isatty.IsTerminal(os.Stderr.Fd()) {
		slog.SetDefault(slog.New(newHandler(os.Stderr, level, FormatText)))
		return "", nil
	}

	name := fmt.Sprintf("ferry-debug-%s.log", time.Now().Format("2006-01-02T15-04-05"))
	path := filepath.Join(os.TempDir(), name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600) //nolint:gosec // Log file in temp directory
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}

	slog.SetDefault(slog.New(newHandler(f, level, FormatText)))
	return path, nil
}

// SetupServer configures the global logger for the long-running receiver and returns it.
func SetupServer(w io.Writer, level slog.Level, format Format) *slog.Logger {
	logger := slog.New(newHandler(w, level, format))
	slog.SetDefault(logger)
	return logger
}

// Disable discards all log output. Used when --verbose is off.
func Disable() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError + 1,
	})))
}

// SetupForTesting sends log output to w until the test completes, then restores
// the previous default logger.
func SetupForTesting(t *testing.T, w io.Writer, level slog.Level) {
	original := slog.Default()
	slog.SetDefault(slog.New(newHandler(w, level, FormatText)))
	t.Cleanup(func() {
		slog.SetDefault(original)
	})
}
