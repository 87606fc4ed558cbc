package ui

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const byteUnit = 1024

var titleCaser = cases.Title(language.English)

// Outcome labels for a finished upload
const (
	OutcomeUploaded = "uploaded"
	OutcomeResumed  = "resumed"
	OutcomeSkipped  = "already_present"
	OutcomeFailed   = "failed"
)

// ColorizeOutcome renders an upload outcome like "already_present" as a styled "Already Present".
func ColorizeOutcome(outcome string) string {
	display := titleCaser.String(strings.ReplaceAll(outcome, "_", " "))

	switch outcome {
	case OutcomeUploaded:
		return GreenStyle.Render(display)
	case OutcomeResumed:
		return CyanStyle.Render(display)
	case OutcomeSkipped:
		return PendingStyle.Render(display)
	case OutcomeFailed:
		return RedStyle.Render(display)
	default:
		return BoldStyle.Render(display)
	}
}

// FormatBytes formats a byte count as a human-readable string.
func FormatBytes(bytes int64) string {
	if bytes < byteUnit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(byteUnit), 0
	for n := bytes / byteUnit; n >= byteUnit; n /= byteUnit {
		div *= byteUnit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatError formats an error message with styling
// NOTE: Adds a new line manually. Use strings.TrimSpace if you want to strip it.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	// The last line printed before bubbletea exits can be overwritten, so keep a trailing newline.
	// See https://github.com/charmbracelet/bubbletea/issues/304
	return ErrorStyle.Render(fmt.Sprintf("✗ Error: %s", err.Error())) + "\n"
}
