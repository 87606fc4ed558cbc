package upload

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fileferry/ferry/internal/channel"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDir     = "/uploads"
	waitTimeout = 2 * time.Second
)

// harness runs an engine against an in-memory channel and records what the remote side sees.
type harness struct {
	t      *testing.T
	engine *Engine
	remote *channel.Local
	fs     afero.Fs
	clock  *ManualClock
	notes  *recorder

	events chan channel.Message
	runErr chan error
	cancel context.CancelFunc
}

type harnessOption func(*Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	local, remote := channel.Pipe()
	fs := afero.NewMemMapFs()
	clock := NewManualClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	notes := &recorder{}

	options := Options{
		Destination: Single(testDir),
		Settings:    TransferSettings{ChunkSize: 4},
		Storage:     NewFileStorage(fs, 0),
		Notifier:    notes,
		Clock:       clock,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if fsStorage, ok := options.Storage.(*FileStorage); ok {
		fs = fsStorage.Fs()
	}

	engine, err := NewEngine(local, options)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		engine: engine,
		remote: remote,
		fs:     fs,
		clock:  clock,
		notes:  notes,
		events: make(chan channel.Message, 1024),
		runErr: make(chan error, 1),
		cancel: cancel,
	}

	for _, event := range []string{
		EventRequestIDResponse,
		EventCreateAck,
		EventResume,
		EventError,
	} {
		h.listen(event)
	}

	go func() { h.runErr <- engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(waitTimeout):
			t.Error("engine did not stop")
		}
		_ = remote.Close()
	})

	return h
}

func withSettings(s TransferSettings) harnessOption {
	return func(o *Options) { o.Settings = s }
}

func withStorage(s Storage) harnessOption {
	return func(o *Options) { o.Storage = s }
}

func withResume() harnessOption {
	return func(o *Options) { o.Resume = true }
}

func withOverwrite() harnessOption {
	return func(o *Options) { o.Overwrite = true }
}

func withClaims(c *PathClaims) harnessOption {
	return func(o *Options) { o.Claims = c }
}

func (h *harness) listen(event string) {
	h.remote.On(event, func(msg channel.Message) {
		h.events <- msg
	})
}

// listenSession subscribes to every event the engine may address to id.
func (h *harness) listenSession(id string) {
	for _, event := range []string{
		RequestNextEvent(id),
		CompleteEvent(id),
		AbortAckEvent(id),
		ErrorEvent(id),
	} {
		h.listen(event)
	}
}

func (h *harness) send(event string, payload any) {
	h.t.Helper()
	require.NoError(h.t, h.remote.Send(event, payload))
}

func (h *harness) create(req CreateRequest) {
	h.t.Helper()
	h.listenSession(req.ID)
	h.send(EventCreate, req)
}

// expect waits for the next event and checks its name.
func (h *harness) expect(event string) channel.Message {
	h.t.Helper()
	select {
	case msg := <-h.events:
		require.Equal(h.t, event, msg.Event, "unexpected event")
		return msg
	case <-time.After(waitTimeout):
		require.FailNow(h.t, "timed out waiting for event", event)
		return channel.Message{}
	}
}

// expectNone asserts nothing reaches the remote side for d.
func (h *harness) expectNone(d time.Duration) {
	h.t.Helper()
	select {
	case msg := <-h.events:
		assert.Fail(h.t, "unexpected event", msg.Event)
	case <-time.After(d):
	}
}

// sync waits until every event sent before it has been handled, using a settings
// round trip: the channel and the loop both preserve order.
func (h *harness) sync() {
	h.t.Helper()
	done := make(chan struct{})
	h.remote.Once(EventSyncSettingsResponse, func(channel.Message) { close(done) })
	h.send(EventSyncSettingsRequest, nil)
	select {
	case <-done:
	case <-time.After(waitTimeout):
		require.FailNow(h.t, "engine loop did not drain")
	}
}

// stream sends data chunk by chunk and waits for a credit after each one.
func (h *harness) stream(id string, data []byte, chunkSize int) {
	h.t.Helper()
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		h.send(ChunkEvent(id), data[off:end])
		h.expect(RequestNextEvent(id))
	}
}

func (h *harness) readFile(path string) []byte {
	h.t.Helper()
	data, err := afero.ReadFile(h.fs, path)
	require.NoError(h.t, err)
	return data
}

func (h *harness) writeFile(path string, data []byte) {
	h.t.Helper()
	require.NoError(h.t, h.fs.MkdirAll(testDir, 0o755))
	require.NoError(h.t, afero.WriteFile(h.fs, path, data, 0o644))
}

// recorder collects notifications.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) kinds() []NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]NotificationKind, 0, len(r.notes))
	for _, n := range r.notes {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func (r *recorder) last(kind NotificationKind) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.notes) - 1; i >= 0; i-- {
		if r.notes[i].Kind == kind {
			return r.notes[i], true
		}
	}
	return Notification{}, false
}

func (r *recorder) all(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// gatedStorage hands out writers whose writes complete only when the test releases them.
type gatedStorage struct {
	*FileStorage

	mu      sync.Mutex
	writers []*gatedWriter
	accept  bool
	failOn  int
}

func newGatedStorage(fs afero.Fs) *gatedStorage {
	return &gatedStorage{FileStorage: NewFileStorage(fs, 0), accept: true}
}

func (g *gatedStorage) Open(path string, appendMode bool) (Writer, error) {
	inner, err := g.FileStorage.Open(path, appendMode)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	w := &gatedWriter{inner: inner, accept: g.accept, failOn: g.failOn}
	g.writers = append(g.writers, w)
	return w, nil
}

func (g *gatedStorage) writer(t *testing.T) *gatedWriter {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.writers, "no writer opened")
	return g.writers[len(g.writers)-1]
}

type gatedWriter struct {
	inner  Writer
	accept bool
	failOn int

	mu      sync.Mutex
	pending []func()
	drain   func()
	writes  int
	closed  bool
}

func (w *gatedWriter) Write(p []byte, done func(error)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.failOn > 0 && w.writes == w.failOn {
		w.pending = append(w.pending, func() { done(assert.AnError) })
		return w.accept
	}
	data := bytes.Clone(p)
	w.pending = append(w.pending, func() {
		finished := make(chan error, 1)
		w.inner.Write(data, func(err error) { finished <- err })
		done(<-finished)
	})
	return w.accept
}

func (w *gatedWriter) OnDrain(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drain = fn
}

func (w *gatedWriter) Close() error {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.closed = true
	w.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return w.inner.Close()
}

// release completes the oldest pending write.
func (w *gatedWriter) release(t *testing.T) {
	t.Helper()
	w.mu.Lock()
	require.NotEmpty(t, w.pending, "no pending write")
	fn := w.pending[0]
	w.pending = w.pending[1:]
	w.mu.Unlock()
	fn()
}

func (w *gatedWriter) pendingWrites() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *gatedWriter) fireDrain() {
	w.mu.Lock()
	fn := w.drain
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}
