package ui

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/fileferry/ferry/internal/sender"
	"github.com/fileferry/ferry/internal/upload"
	"github.com/fileferry/ferry/internal/version"
)

// ErrorType decides how a command failure is presented
type ErrorType int

const (
	ErrorTypeUserCancelled ErrorType = iota // Ctrl+C, 'q' - silent exit
	ErrorTypeValidation                     // rejected before or by the receiver
	ErrorTypeTransfer                       // connection or protocol failure
	ErrorTypeFileSystem                     // local file problems
	ErrorTypeConfiguration                  // config issues
	ErrorTypeInternal                       // unexpected
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeUserCancelled:
		return "cancelled"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeTransfer:
		return "transfer"
	case ErrorTypeFileSystem:
		return "filesystem"
	case ErrorTypeConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// UIError carries an error from a Bubbletea model back to Cobra along with how
// it should be shown.
type UIError struct {
	Err  error
	Type ErrorType
	// SilentExit is set once the error has been rendered, or when it should not be shown at all
	SilentExit bool
}

func (e *UIError) Error() string {
	return e.Err.Error()
}

func (e *UIError) Unwrap() error {
	return e.Err
}

func NewUserCancelledError() *UIError {
	return &UIError{Err: errors.New("cancelled by user"), Type: ErrorTypeUserCancelled, SilentExit: true}
}

func NewValidationError(err error) *UIError {
	return &UIError{Err: err, Type: ErrorTypeValidation}
}

func NewTransferError(err error) *UIError {
	return &UIError{Err: err, Type: ErrorTypeTransfer}
}

func NewFileSystemError(err error) *UIError {
	return &UIError{Err: err, Type: ErrorTypeFileSystem}
}

func NewConfigurationError(err error) *UIError {
	return &UIError{Err: err, Type: ErrorTypeConfiguration}
}

func NewInternalError(err error) *UIError {
	return &UIError{Err: err, Type: ErrorTypeInternal}
}

// Classify wraps err in a UIError whose type follows where the failure came from.
func Classify(err error) *UIError {
	if err == nil {
		return nil
	}
	var uiErr *UIError
	if errors.As(err, &uiErr) {
		return uiErr
	}
	if errors.Is(err, context.Canceled) {
		return &UIError{Err: err, Type: ErrorTypeUserCancelled, SilentExit: true}
	}

	var remote *sender.RemoteError
	if errors.As(err, &remote) {
		switch remote.Kind {
		case upload.KindSizeExceeded.String(), upload.KindTypeRejected.String():
			return NewValidationError(err)
		case upload.KindStorage.String():
			return NewFileSystemError(fmt.Errorf("receiver storage: %w", err))
		default:
			return NewTransferError(err)
		}
	}

	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr), errors.Is(err, sender.ErrShortRead):
		return NewFileSystemError(err)
	case errors.Is(err, sender.ErrUnauthorized):
		return NewConfigurationError(err)
	case errors.Is(err, version.ErrIncompatibleProtocol):
		return NewValidationError(err)
	default:
		return NewTransferError(err)
	}
}
