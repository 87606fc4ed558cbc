// Package upload implements the receiving side of the chunked upload protocol.
//
// An Engine serves one channel. Every inbound event and every storage callback is
// turned into a closure and run on the engine's loop goroutine, one at a time, so
// session state is never mutated concurrently. Flow control is pull based: the
// engine grants the sender one chunk (a credit) at a time and only grants the next
// after the previous chunk's write has completed and storage has capacity.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fileferry/ferry/internal/channel"
	"github.com/google/uuid"
)

const (
	// DefaultIdleTimeout fails sessions whose sender has gone quiet
	DefaultIdleTimeout = 5 * time.Minute

	// loopQueueSize bounds closures waiting for the engine loop
	loopQueueSize = 256
)

// Options configures an Engine.
type Options struct {
	Destination Destination
	Settings    TransferSettings

	// Overwrite truncates an existing file instead of treating it as complete
	Overwrite bool
	// Resume appends to a shorter existing file instead of starting over
	Resume bool

	BufferMode     BufferMode
	FlushThreshold int
	MaxBufferSize  int

	// IdleTimeout fails sessions with no activity for this long (0 disables)
	IdleTimeout time.Duration

	Storage  Storage
	Notifier Notifier
	Clock    TimeProvider

	// Claims is the set of destination files being written. Engines writing to the
	// same directories must share one; nil gives the engine a private set.
	Claims *PathClaims

	// Logger receives session lifecycle logs; defaults to slog.Default()
	Logger *slog.Logger

	// NewID assigns session ids; defaults to random UUIDs
	NewID func() string
}

// Engine runs the upload protocol for one channel.
type Engine struct {
	ch         channel.Channel
	opts       Options
	settings   TransferSettings
	registry   *Registry
	negotiator *negotiator
	gate       *MimeGate
	storage    Storage
	notifier   Notifier
	clock      TimeProvider
	claims     *PathClaims
	logger     *slog.Logger

	events   chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewEngine validates opts and prepares the destination directories.
// A missing or malformed destination is a configuration error.
func NewEngine(ch channel.Channel, opts Options) (*Engine, error) {
	if ch == nil {
		return nil, newError(KindConfiguration, "", errors.New("no channel"))
	}
	if err := opts.Destination.Validate(); err != nil {
		return nil, err
	}
	if opts.Storage == nil {
		return nil, newError(KindConfiguration, "", errors.New("no storage"))
	}

	settings := opts.Settings.withDefaults()
	if settings.MaxFileSize < 0 {
		return nil, newError(KindConfiguration, "", fmt.Errorf("negative max file size %d", settings.MaxFileSize))
	}
	if opts.BufferMode == BufferBatch && opts.MaxBufferSize > 0 && opts.MaxBufferSize < settings.ChunkSize {
		return nil, newError(KindConfiguration, "",
			fmt.Errorf("max buffer size %d is smaller than chunk size %d", opts.MaxBufferSize, settings.ChunkSize))
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(Notification) {})
	}
	if opts.Clock == nil {
		opts.Clock = DefaultTimeProvider{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Claims == nil {
		opts.Claims = NewPathClaims()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	for _, dir := range opts.Destination.Dirs() {
		if err := opts.Storage.MkdirAll(dir); err != nil {
			return nil, newError(KindConfiguration, "", err)
		}
	}

	return &Engine{
		ch:         ch,
		opts:       opts,
		settings:   settings,
		registry:   NewRegistry(),
		negotiator: newNegotiator(settings),
		gate:       NewMimeGate(settings.Accepts),
		storage:    opts.Storage,
		notifier:   opts.Notifier,
		clock:      opts.Clock,
		claims:     opts.Claims,
		logger:     opts.Logger,
		events:     make(chan func(), loopQueueSize),
		stopped:    make(chan struct{}),
	}, nil
}

// Settings returns the negotiated settings.
func (e *Engine) Settings() TransferSettings {
	return e.settings
}

// Registry exposes the engine's session registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Run serves the channel until ctx is cancelled or the channel closes. Sessions still
// open at that point fail with a closed error; their partial files stay on disk.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}

	e.bind()
	defer e.shutdown()

	var sweep <-chan time.Time
	if e.opts.IdleTimeout > 0 {
		interval := e.opts.IdleTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	e.logger.Debug("Upload engine started",
		"chunkSize", e.settings.ChunkSize,
		"maxFileSize", e.settings.MaxFileSize,
		"bufferMode", e.opts.BufferMode.String(),
	)

	for {
		select {
		case fn := <-e.events:
			fn()
		case <-sweep:
			e.sweepIdle()
		case <-e.ch.Done():
			e.logger.Debug("Channel closed, stopping upload engine")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// post queues fn for the loop. Once the engine has stopped fn is dropped.
func (e *Engine) post(fn func()) {
	select {
	case e.events <- fn:
	case <-e.stopped:
	}
}

func (e *Engine) bind() {
	e.ch.On(EventSyncSettingsRequest, func(channel.Message) {
		e.post(func() { e.negotiator.respond(e.ch, e.notify) })
	})
	e.ch.On(EventRequestID, func(channel.Message) {
		e.post(e.handleRequestID)
	})
	e.ch.On(EventCreate, func(msg channel.Message) {
		var req CreateRequest
		if err := msg.Decode(&req); err != nil {
			e.logger.Warn("Ignoring malformed create request", "error", err)
			return
		}
		e.post(func() { e.handleCreate(req) })
	})
}

func (e *Engine) unbind() {
	e.ch.RemoveAllListeners(EventSyncSettingsRequest)
	e.ch.RemoveAllListeners(EventRequestID)
	e.ch.RemoveAllListeners(EventCreate)
}

func (e *Engine) bindSession(s *Session) {
	e.ch.On(ChunkEvent(s.ID), func(msg channel.Message) {
		e.post(func() { e.handleChunk(s, msg.Binary) })
	})
	e.ch.On(DoneEvent(s.ID), func(channel.Message) {
		e.post(func() { e.handleDone(s) })
	})
	e.ch.On(AbortEvent(s.ID), func(channel.Message) {
		e.post(func() { e.handleAbort(s) })
	})
}

func (e *Engine) unbindSession(s *Session) {
	e.ch.RemoveAllListeners(ChunkEvent(s.ID))
	e.ch.RemoveAllListeners(DoneEvent(s.ID))
	e.ch.RemoveAllListeners(AbortEvent(s.ID))
}

func (e *Engine) shutdown() {
	e.stopOnce.Do(func() { close(e.stopped) })
	e.unbind()

	for _, s := range e.registry.Snapshot() {
		e.fail(s, newError(KindClosed, s.ID, ErrChannelClosed))
	}
}

func (e *Engine) notify(n Notification) {
	e.notifier.Notify(n)
}

func (e *Engine) send(event string, payload any) {
	if err := e.ch.Send(event, payload); err != nil {
		e.logger.Debug("Failed to send event", "event", event, "error", err)
	}
}

// live reports whether s is still the registered session for its id.
func (e *Engine) live(s *Session) bool {
	current, ok := e.registry.Lookup(s.ID)
	return ok && current == s
}

func (e *Engine) handleRequestID() {
	id := e.nextID()
	e.send(EventRequestIDResponse, IDPayload{ID: id})
}

// nextID returns an id not currently registered.
func (e *Engine) nextID() string {
	for {
		id := e.opts.NewID()
		if _, taken := e.registry.Lookup(id); !taken {
			return id
		}
	}
}

func (e *Engine) handleCreate(req CreateRequest) {
	if req.ID == "" {
		req.ID = e.nextID()
	}

	if _, exists := e.registry.Lookup(req.ID); exists {
		// the live session with this id is left alone
		e.rejectCreate(newSession(req, e.clock.Now()), newError(KindProtocol, req.ID, ErrDuplicateSession))
		return
	}

	s := newSession(req, e.clock.Now())
	logger := e.logger.With("session", s.ID, "name", s.Name)

	if max := e.settings.MaxFileSize; max > 0 && req.Size > max {
		e.rejectCreate(s, newError(KindSizeExceeded, s.ID,
			fmt.Errorf("%w: size %d exceeds limit %d", ErrExceedsMaxSize, req.Size, max)))
		return
	}
	if req.Size < 0 {
		e.rejectCreate(s, newError(KindProtocol, s.ID, fmt.Errorf("negative size %d", req.Size)))
		return
	}

	path, err := e.opts.Destination.Resolve(req.DestinationKey, req.Name)
	if err != nil {
		e.rejectCreate(s, newError(KindProtocol, s.ID, err))
		return
	}
	s.Path = path

	if !e.claims.Claim(path, s) {
		e.rejectCreate(s, newError(KindProtocol, s.ID, fmt.Errorf("%w: %s", ErrDestinationBusy, s.Name)))
		return
	}
	s.claimed = true

	existing, exists, err := e.storage.Stat(path)
	if err != nil {
		e.rejectCreate(s, newError(KindStorage, s.ID, err))
		return
	}

	appendMode := false
	if exists {
		switch {
		case !e.opts.Resume && !e.opts.Overwrite:
			logger.Info("File already exists, treating upload as complete", "path", path)
			e.completeExisting(s)
			return
		case e.opts.Resume && existing < req.Size:
			appendMode = true
			s.BytesWritten = existing
		}
	}

	w, err := e.storage.Open(path, appendMode)
	if err != nil {
		e.rejectCreate(s, newError(KindStorage, s.ID, err))
		return
	}
	s.writer = w
	s.buffer = NewChunkBuffer(e.opts.BufferMode, e.opts.FlushThreshold, e.opts.MaxBufferSize)
	w.OnDrain(func() {
		e.post(func() { e.handleDrain(s) })
	})

	if err := e.registry.Create(s); err != nil {
		_ = s.closeWriter()
		e.rejectCreate(s, err)
		return
	}
	e.bindSession(s)

	logger.Info("Upload started", "path", path, "size", s.DeclaredSize, "offset", s.BytesWritten)
	e.notify(s.notification(NotifyStart))

	if appendMode {
		n := s.notification(NotifyResume)
		n.Offset = s.BytesWritten
		e.notify(n)
		e.send(EventResume, ResumePayload{ID: s.ID, Offset: s.BytesWritten})
	} else {
		e.send(EventCreateAck, IDPayload{ID: s.ID})
	}

	e.grant(s)
}

// completeExisting finishes a create whose file is already on disk and may not be touched.
func (e *Engine) completeExisting(s *Session) {
	e.notify(s.notification(NotifyStart))

	s.advance(StateCompleting)
	s.advance(StateDone)
	s.closed = true
	e.release(s)

	mimeType := MimeOf(s.Path)
	n := s.notification(NotifyComplete)
	n.Mime = mimeType
	e.notify(n)
	e.send(CompleteEvent(s.ID), CompletePayload{
		Name:         s.Name,
		Size:         s.DeclaredSize,
		BytesWritten: 0,
		Mime:         mimeType,
		ElapsedMs:    0,
	})
}

// rejectCreate reports a create that never produced a registered session.
func (e *Engine) rejectCreate(s *Session, err error) {
	s.advance(StateFailed)
	s.closed = true
	e.release(s)
	e.logger.Warn("Upload rejected", "session", s.ID, "name", s.Name, "error", err)

	n := s.notification(NotifyError)
	n.Err = err
	e.notify(n)
	e.send(EventError, ErrorPayload{ID: s.ID, Message: errMessage(err), Kind: errKind(err)})
}

// grant issues the next credit, after the transmission delay when one is set.
func (e *Engine) grant(s *Session) {
	if delay := e.settings.TransmissionDelay; delay > 0 {
		time.AfterFunc(delay, func() {
			e.post(func() { e.sendCredit(s) })
		})
		return
	}
	e.sendCredit(s)
}

func (e *Engine) sendCredit(s *Session) {
	if !e.live(s) || s.aborted || s.State.Terminal() {
		return
	}
	s.advance(StateAwaitingChunk)
	s.touch(e.clock.Now())
	e.send(RequestNextEvent(s.ID), nil)
}

func (e *Engine) handleChunk(s *Session, chunk []byte) {
	if !e.live(s) {
		e.logger.Debug("Ignoring chunk for finished session", "session", s.ID)
		return
	}
	s.touch(e.clock.Now())

	if s.aborted {
		e.finishAbort(s)
		return
	}
	if s.State != StateAwaitingChunk || s.inFlight {
		err := newError(KindProtocol, s.ID, ErrNoCredit)
		if s.inFlight {
			s.deferred = func() { e.fail(s, err) }
			return
		}
		e.fail(s, err)
		return
	}

	next := s.BytesWritten + int64(len(chunk))
	if max := e.settings.MaxFileSize; max > 0 && next > max {
		e.fail(s, newError(KindSizeExceeded, s.ID,
			fmt.Errorf("%w: %d bytes exceeds limit %d", ErrExceedsMaxSize, next, max)))
		return
	}
	if next > s.DeclaredSize {
		e.fail(s, newError(KindSizeExceeded, s.ID,
			fmt.Errorf("%w: %d bytes exceeds declared size %d", ErrExceedsMaxSize, next, s.DeclaredSize)))
		return
	}

	s.advance(StateWriting)
	s.BytesWritten = next
	e.notify(s.notification(NotifyProgress))

	flush := s.buffer.Add(chunk)
	if flush == nil {
		// held in memory: the buffer has already accepted it
		e.chunkApplied(s)
		return
	}
	e.write(s, flush)
}

// write hands p to the session writer; the continuation runs on the loop.
func (e *Engine) write(s *Session, p []byte) {
	s.inFlight = true
	s.waitDrain = false
	accepted := s.writer.Write(p, func(err error) {
		e.post(func() { e.handleWriteDone(s, err) })
	})
	if !accepted {
		s.waitDrain = true
	}
}

func (e *Engine) handleWriteDone(s *Session, err error) {
	s.inFlight = false
	if !e.live(s) {
		return
	}
	if err != nil {
		e.fail(s, newError(KindStorage, s.ID, err))
		return
	}
	if s.aborted {
		e.finishAbort(s)
		return
	}
	if fn := s.deferred; fn != nil {
		s.deferred = nil
		fn()
		return
	}
	if s.waitDrain {
		return
	}
	e.chunkApplied(s)
}

func (e *Engine) handleDrain(s *Session) {
	if !e.live(s) || !s.waitDrain {
		return
	}
	s.waitDrain = false
	if s.inFlight || s.aborted || s.deferred != nil {
		return
	}
	e.chunkApplied(s)
}

// chunkApplied is reached once a chunk is safely with storage; the sender may send another.
func (e *Engine) chunkApplied(s *Session) {
	e.grant(s)
}

func (e *Engine) handleDone(s *Session) {
	if !e.live(s) {
		e.logger.Debug("Ignoring done for finished session", "session", s.ID)
		return
	}
	s.touch(e.clock.Now())

	if s.aborted {
		e.finishAbort(s)
		return
	}
	if s.inFlight {
		s.deferred = func() { e.complete(s) }
		return
	}
	e.complete(s)
}

func (e *Engine) complete(s *Session) {
	if !s.advance(StateCompleting) {
		return
	}

	if err := s.closeWriter(); err != nil {
		e.fail(s, newError(KindStorage, s.ID, err))
		return
	}

	mimeType := MimeOf(s.Path)
	if !e.gate.Accepts(mimeType) {
		if err := e.storage.Remove(s.Path); err != nil {
			e.fail(s, newError(KindStorage, s.ID, err))
			return
		}
		e.fail(s, newError(KindTypeRejected, s.ID, fmt.Errorf("%w: %s", ErrNotAcceptable, mimeType)))
		return
	}

	s.advance(StateDone)
	elapsed := e.clock.Now().Sub(s.StartedAt)

	e.logger.Info("Upload complete",
		"session", s.ID,
		"name", s.Name,
		"path", s.Path,
		"bytesWritten", s.BytesWritten,
		"mime", mimeType,
		"elapsed", elapsed,
	)

	n := s.notification(NotifyComplete)
	n.Mime = mimeType
	n.Elapsed = elapsed
	e.notify(n)
	e.send(CompleteEvent(s.ID), CompletePayload{
		Name:         s.Name,
		Size:         s.DeclaredSize,
		BytesWritten: s.BytesWritten,
		Mime:         mimeType,
		ElapsedMs:    elapsed.Milliseconds(),
	})

	e.deregister(s)
}

func (e *Engine) handleAbort(s *Session) {
	if !e.live(s) {
		e.logger.Debug("Ignoring abort for finished session", "session", s.ID)
		return
	}
	s.touch(e.clock.Now())

	s.aborted = true
	if !s.advance(StateAborting) {
		return
	}
	if s.inFlight {
		// the write in flight finishes first; handleWriteDone completes the abort
		return
	}
	e.finishAbort(s)
}

func (e *Engine) finishAbort(s *Session) {
	s.advance(StateAborting)
	s.deferred = nil

	if err := s.closeWriter(); err != nil {
		e.fail(s, newError(KindStorage, s.ID, err))
		return
	}
	e.deregister(s)

	e.logger.Info("Upload aborted", "session", s.ID, "name", s.Name, "bytesWritten", s.BytesWritten)

	e.notify(s.notification(NotifyAbort))
	e.send(AbortAckEvent(s.ID), AbortAckPayload{Name: s.Name, BytesWritten: s.BytesWritten})
}

// fail moves s to Failed: writer closed, session deregistered, then both notifications.
func (e *Engine) fail(s *Session, err error) {
	if s.State.Terminal() {
		return
	}
	s.State = StateFailed
	s.deferred = nil

	if closeErr := s.closeWriter(); closeErr != nil {
		e.logger.Warn("Failed to close writer", "session", s.ID, "error", closeErr)
	}
	e.deregister(s)

	e.logger.Warn("Upload failed",
		"session", s.ID,
		"name", s.Name,
		"bytesWritten", s.BytesWritten,
		"error", err,
	)

	n := s.notification(NotifyError)
	n.Err = err
	e.notify(n)
	e.send(ErrorEvent(s.ID), ErrorPayload{ID: s.ID, Message: errMessage(err), Kind: errKind(err)})
}

func (e *Engine) deregister(s *Session) {
	e.registry.Remove(s.ID)
	e.unbindSession(s)
	e.release(s)
}

// release gives up the session's claim on its destination file, once.
func (e *Engine) release(s *Session) {
	if !s.claimed {
		return
	}
	s.claimed = false
	e.claims.Release(s.Path, s)
}

// sweepIdle fails sessions whose sender has not been heard from within the idle timeout.
// A session waiting on its own storage write is not idle.
func (e *Engine) sweepIdle() {
	if e.opts.IdleTimeout <= 0 {
		return
	}
	now := e.clock.Now()
	for _, s := range e.registry.Snapshot() {
		if s.inFlight || s.waitDrain {
			continue
		}
		if idle := now.Sub(s.lastActive); idle > e.opts.IdleTimeout {
			e.fail(s, newError(KindTimeout, s.ID, fmt.Errorf("%w after %s", ErrIdleTimeout, idle.Round(time.Second))))
		}
	}
}

// errMessage is the text sent to the remote sender.
func errMessage(err error) string {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}
	return err.Error()
}

func errKind(err error) string {
	if kind, ok := KindOf(err); ok {
		return kind.String()
	}
	return "unknown"
}
