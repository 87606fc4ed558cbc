// Package sender drives the sending side of the upload protocol: it negotiates
// settings, streams files one chunk per credit, and resumes or aborts sessions.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fileferry/ferry/internal/channel"
	"github.com/fileferry/ferry/internal/upload"
	"github.com/fileferry/ferry/internal/version"
)

// abortTimeout bounds how long a cancelled upload waits for the receiver's acknowledgement.
const abortTimeout = 5 * time.Second

var (
	ErrShortRead = errors.New("file ended before its declared size")
	ErrAborted   = errors.New("upload aborted")
)

// RemoteError is a failure reported by the receiver.
type RemoteError struct {
	ID      string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("receiver rejected upload %s (%s): %s", e.ID, e.Kind, e.Message)
}

// File is one upload. Reader must yield exactly Size bytes from the start and
// support seeking so an interrupted transfer can resume.
type File struct {
	// ID is optional; the receiver assigns one when empty
	ID             string
	Name           string
	Size           int64
	Reader         io.ReadSeeker
	DestinationKey string
	Metadata       map[string]any
}

// Result describes a finished upload.
type Result struct {
	ID           string
	BytesWritten int64
	Mime         string
	Elapsed      time.Duration
	// ResumedFrom is the offset the receiver already had, 0 for a fresh upload
	ResumedFrom int64
	// Skipped is set when the receiver already had the file and kept it
	Skipped bool
}

// ProgressFunc is called with the number of bytes the receiver has been sent so far.
type ProgressFunc func(sent int64)

type signalKind int

const (
	signalAck signalKind = iota
	signalResume
	signalCredit
	signalComplete
	signalAbortAck
	signalError
)

type signal struct {
	kind signalKind
	msg  channel.Message
}

// Sender runs uploads over one channel. Several uploads may share it.
type Sender struct {
	ch channel.Channel

	mu       sync.Mutex
	sessions map[string]chan signal
	settings *upload.TransferSettings

	// idMu keeps at most one request_id outstanding, so responses pair with requests
	idMu sync.Mutex
}

// New wraps ch. The Sender owns ch from here on.
func New(ch channel.Channel) *Sender {
	s := &Sender{
		ch:       ch,
		sessions: make(map[string]chan signal),
	}
	ch.On(upload.EventCreateAck, s.route(signalAck))
	ch.On(upload.EventResume, s.route(signalResume))
	ch.On(upload.EventError, s.route(signalError))
	return s
}

// route forwards channel-level events to the upload they name.
func (s *Sender) route(kind signalKind) channel.Handler {
	return func(msg channel.Message) {
		var body upload.IDPayload
		if err := msg.Decode(&body); err != nil || body.ID == "" {
			slog.Warn("Receiver event names no upload", "event", msg.Event, "error", err)
			return
		}
		s.mu.Lock()
		sig, ok := s.sessions[body.ID]
		s.mu.Unlock()
		if !ok {
			slog.Debug("Event for unknown upload", "event", msg.Event, "id", body.ID)
			return
		}
		deliver(sig, signal{kind: kind, msg: msg})
	}
}

// deliver hands a signal to its upload without ever blocking the channel's
// delivery goroutine. One credit is outstanding at a time, so the buffer only
// overflows once the upload has stopped listening.
func deliver(signals chan signal, sig signal) {
	select {
	case signals <- sig:
	default:
		slog.Debug("Dropping event for finished upload", "event", sig.msg.Event)
	}
}

// Close ends the connection.
func (s *Sender) Close() error {
	return s.ch.Close()
}

// Settings negotiates transfer settings, once per Sender, and checks the
// receiver speaks a compatible protocol version.
func (s *Sender) Settings(ctx context.Context) (upload.TransferSettings, error) {
	s.mu.Lock()
	if s.settings != nil {
		defer s.mu.Unlock()
		return *s.settings, nil
	}
	s.mu.Unlock()

	var payload upload.SettingsPayload
	if err := s.roundTrip(ctx, upload.EventSyncSettingsRequest, upload.EventSyncSettingsResponse, &payload); err != nil {
		return upload.TransferSettings{}, fmt.Errorf("failed to negotiate settings: %w", err)
	}
	if err := version.CheckProtocol(payload.ProtocolVersion); err != nil {
		return upload.TransferSettings{}, err
	}

	settings := upload.FromPayload(payload)
	s.mu.Lock()
	s.settings = &settings
	s.mu.Unlock()
	return settings, nil
}

// RequestID asks the receiver for a fresh session id.
func (s *Sender) RequestID(ctx context.Context) (string, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	var payload upload.IDPayload
	if err := s.roundTrip(ctx, upload.EventRequestID, upload.EventRequestIDResponse, &payload); err != nil {
		return "", fmt.Errorf("failed to request an upload id: %w", err)
	}
	if payload.ID == "" {
		return "", errors.New("receiver returned an empty upload id")
	}
	return payload.ID, nil
}

func (s *Sender) roundTrip(ctx context.Context, request, response string, out any) error {
	got := make(chan channel.Message, 1)
	s.ch.Once(response, func(msg channel.Message) { got <- msg })

	if err := s.ch.Send(request, nil); err != nil {
		return err
	}

	select {
	case msg := <-got:
		return msg.Decode(out)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ch.Done():
		return channel.ErrClosed
	}
}

// Upload streams f to the receiver and waits for it to confirm the file. When ctx
// is cancelled mid-transfer the session is aborted and ctx's error returned.
func (s *Sender) Upload(ctx context.Context, f File, progress ProgressFunc) (Result, error) {
	if f.Size < 0 {
		return Result{}, fmt.Errorf("invalid size %d", f.Size)
	}
	if progress == nil {
		progress = func(int64) {}
	}

	settings, err := s.Settings(ctx)
	if err != nil {
		return Result{}, err
	}

	if f.ID == "" {
		if f.ID, err = s.RequestID(ctx); err != nil {
			return Result{}, err
		}
	}

	signals := make(chan signal, 16)
	if err := s.register(f.ID, signals); err != nil {
		return Result{}, err
	}
	defer s.unregister(f.ID)

	t := &transfer{
		sender:   s,
		file:     f,
		buf:      make([]byte, settings.ChunkSize),
		signals:  signals,
		progress: progress,
		started:  time.Now(),
	}

	if err := s.ch.Send(upload.EventCreate, upload.CreateRequest{
		ID:             f.ID,
		Name:           f.Name,
		Size:           f.Size,
		DestinationKey: f.DestinationKey,
		Metadata:       f.Metadata,
	}); err != nil {
		return Result{}, fmt.Errorf("failed to create upload: %w", err)
	}

	return t.run(ctx)
}

func (s *Sender) register(id string, signals chan signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return fmt.Errorf("upload %s already in progress", id)
	}
	s.sessions[id] = signals

	forward := func(kind signalKind) channel.Handler {
		return func(msg channel.Message) { deliver(signals, signal{kind: kind, msg: msg}) }
	}
	s.ch.On(upload.RequestNextEvent(id), forward(signalCredit))
	s.ch.On(upload.CompleteEvent(id), forward(signalComplete))
	s.ch.On(upload.AbortAckEvent(id), forward(signalAbortAck))
	s.ch.On(upload.ErrorEvent(id), forward(signalError))
	return nil
}

func (s *Sender) unregister(id string) {
	for _, event := range []string{
		upload.RequestNextEvent(id),
		upload.CompleteEvent(id),
		upload.AbortAckEvent(id),
		upload.ErrorEvent(id),
	} {
		s.ch.RemoveAllListeners(event)
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
