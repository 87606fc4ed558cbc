package upload

import (
	"errors"
	"fmt"
)

// Kind classifies upload failures.
type Kind int

const (
	KindConfiguration Kind = iota // missing or malformed destination, bad limits
	KindProtocol                  // unknown destination key, duplicate id, busy file, bad name, chunk without credit
	KindSizeExceeded              // declared or actual size over a limit
	KindTypeRejected              // MIME type not in the accept list
	KindStorage                   // open/write/close/unlink failure
	KindTimeout                   // sender went idle
	KindClosed                    // channel went away mid-transfer
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindProtocol:
		return "protocol"
	case KindSizeExceeded:
		return "size_exceeded"
	case KindTypeRejected:
		return "type_rejected"
	case KindStorage:
		return "storage"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrMissingDestination = errors.New("no destination configured")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrDuplicateSession   = errors.New("session already registered")
	ErrDestinationBusy    = errors.New("destination file is being written by another upload")
	ErrInvalidName        = errors.New("invalid file name")
	ErrExceedsMaxSize     = errors.New("exceeds max size")
	ErrNotAcceptable      = errors.New("not acceptable type")
	ErrNoCredit           = errors.New("chunk received without credit")
	ErrIdleTimeout        = errors.New("session idle timeout")
	ErrChannelClosed      = errors.New("channel closed")
)

// Error is a classified upload failure. SessionID is empty for construction errors.
type Error struct {
	Kind      Kind
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: session %s: %v", e.Kind, e.SessionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, sessionID string, err error) *Error {
	return &Error{Kind: kind, SessionID: sessionID, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Kind, true
	}
	return 0, false
}
