package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
)

const (
	// Protocol is the upload protocol version this build speaks
	Protocol = "1.0.0"

	// SupportedProtocols is the range of receiver protocol versions a sender accepts
	SupportedProtocols = ">= 1.0, < 2.0"
)

// ErrIncompatibleProtocol is returned when a receiver speaks a protocol outside SupportedProtocols.
var ErrIncompatibleProtocol = errors.New("incompatible protocol version")

var supported = version.MustConstraints(version.NewConstraint(SupportedProtocols))

// CheckProtocol verifies a receiver's advertised protocol version. Receivers that
// advertise nothing predate versioning and are assumed compatible.
func CheckProtocol(remote string) error {
	remote = strings.TrimPrefix(strings.TrimSpace(remote), "v")
	if remote == "" {
		return nil
	}

	v, err := version.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("invalid protocol version %q: %w", remote, err)
	}
	if !supported.Check(v) {
		return fmt.Errorf("%w: receiver speaks %s, this sender supports %s", ErrIncompatibleProtocol, v, SupportedProtocols)
	}
	return nil
}
