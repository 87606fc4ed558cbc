package upload

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultMimeType is reported for files whose extension maps to no known type.
const DefaultMimeType = "application/octet-stream"

// MimeOf derives a file's MIME type from its extension alone. Content is never sniffed.
func MimeOf(path string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if t == "" {
		return DefaultMimeType
	}
	if base, _, ok := strings.Cut(t, ";"); ok {
		t = base
	}
	return strings.TrimSpace(strings.ToLower(t))
}

// MimeGate decides whether a completed file's type is acceptable.
type MimeGate struct {
	accepts []string
}

// NewMimeGate builds a gate over an accept list. Entries are exact types
// ("image/png") or patterns ("image/*"). An empty list accepts everything.
func NewMimeGate(accepts []string) *MimeGate {
	normalized := make([]string, 0, len(accepts))
	for _, a := range accepts {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			normalized = append(normalized, a)
		}
	}
	return &MimeGate{accepts: normalized}
}

// Enabled reports whether the gate checks anything at all.
func (g *MimeGate) Enabled() bool {
	return len(g.accepts) > 0
}

// Accepts reports whether mimeType matches the accept list.
func (g *MimeGate) Accepts(mimeType string) bool {
	if !g.Enabled() {
		return true
	}

	mimeType = strings.ToLower(mimeType)
	for _, pattern := range g.accepts {
		if pattern == mimeType {
			return true
		}
		if matched, err := doublestar.Match(pattern, mimeType); err == nil && matched {
			return true
		}
	}
	return false
}
