package upload

import (
	"log/slog"
	"time"
)

// State is a session's position in the upload lifecycle.
type State int

const (
	StateCreated State = iota
	StateAwaitingChunk
	StateWriting
	StateCompleting
	StateDone
	StateAborting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingChunk:
		return "awaiting_chunk"
	case StateWriting:
		return "writing"
	case StateCompleting:
		return "completing"
	case StateDone:
		return "done"
	case StateAborting:
		return "aborting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var transitions = map[State][]State{
	StateCreated:       {StateAwaitingChunk, StateCompleting, StateAborting, StateFailed},
	StateAwaitingChunk: {StateWriting, StateCompleting, StateAborting, StateFailed},
	StateWriting:       {StateAwaitingChunk, StateCompleting, StateAborting, StateFailed},
	StateCompleting:    {StateDone, StateFailed},
	StateAborting:      {StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one in-flight transfer. All fields are owned by the engine loop.
type Session struct {
	ID             string
	Name           string
	DeclaredSize   int64
	DestinationKey string
	Path           string
	Metadata       map[string]any

	State        State
	BytesWritten int64
	StartedAt    time.Time

	writer     Writer
	buffer     *ChunkBuffer
	aborted    bool
	closed     bool
	claimed    bool
	lastActive time.Time

	// inFlight is set while a write has been handed to the writer and not completed
	inFlight bool
	// waitDrain is set when the last write was not accepted and credit waits for drain
	waitDrain bool
	// deferred runs once the in-flight write completes
	deferred func()
}

func newSession(req CreateRequest, now time.Time) *Session {
	return &Session{
		ID:             req.ID,
		Name:           req.Name,
		DeclaredSize:   req.Size,
		DestinationKey: req.DestinationKey,
		Metadata:       req.Metadata,
		State:          StateCreated,
		StartedAt:      now,
		lastActive:     now,
	}
}

// advance moves the session to next. Re-entering the current state is a no-op.
func (s *Session) advance(next State) bool {
	if s.State == next {
		return true
	}
	if !canTransition(s.State, next) {
		slog.Warn("Rejected session transition",
			"session", s.ID,
			"from", s.State.String(),
			"to", next.String(),
		)
		return false
	}
	s.State = next
	return true
}

// Aborted reports whether the sender cancelled the session.
func (s *Session) Aborted() bool {
	return s.aborted
}

func (s *Session) touch(now time.Time) {
	s.lastActive = now
}

// closeWriter hands any buffered bytes to the writer and closes it, exactly once.
func (s *Session) closeWriter() error {
	if s.closed || s.writer == nil {
		s.closed = true
		return nil
	}
	s.closed = true

	if s.buffer != nil {
		if rest := s.buffer.Take(); len(rest) > 0 {
			var flushErr error
			s.writer.Write(rest, func(err error) { flushErr = err })
			if err := s.writer.Close(); err != nil {
				return err
			}
			return flushErr
		}
	}
	return s.writer.Close()
}
