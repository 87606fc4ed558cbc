package upload

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

const (
	// DefaultHighWaterMark is how many queued bytes a writer takes before asking callers to wait
	DefaultHighWaterMark = 1024 * 1024

	filePerm = 0o644
	dirPerm  = 0o755
)

// ErrWriterClosed is reported to writes queued after Close.
var ErrWriterClosed = errors.New("writer closed")

// Writer is a scoped handle on one destination file.
type Writer interface {
	// Write queues p and calls done once it is on the file. p must not be modified
	// until then. The return value is false when the writer is over its high-water
	// mark; the caller should wait for the drain callback before writing more.
	Write(p []byte, done func(error)) bool

	// OnDrain registers the callback fired when a writer that refused more input has emptied.
	OnDrain(fn func())

	// Close waits for queued writes and closes the file.
	Close() error
}

// Storage is the filesystem the engine writes to.
type Storage interface {
	// Stat reports the size of path and whether it exists.
	Stat(path string) (size int64, exists bool, err error)

	// Open opens path for appending, or truncates/creates it.
	Open(path string, appendMode bool) (Writer, error)

	Remove(path string) error
	MkdirAll(dir string) error
}

// FileStorage implements Storage on an afero filesystem.
type FileStorage struct {
	fs        afero.Fs
	highWater int
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage wraps fs. A non-positive highWater uses DefaultHighWaterMark.
func NewFileStorage(fs afero.Fs, highWater int) *FileStorage {
	if highWater <= 0 {
		highWater = DefaultHighWaterMark
	}
	return &FileStorage{fs: fs, highWater: highWater}
}

// Fs exposes the underlying filesystem.
func (s *FileStorage) Fs() afero.Fs {
	return s.fs
}

func (s *FileStorage) Stat(path string) (int64, bool, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, false, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), true, nil
}

func (s *FileStorage) Open(path string, appendMode bool) (Writer, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := s.fs.OpenFile(path, flags, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return newFileWriter(f, s.highWater), nil
}

func (s *FileStorage) Remove(path string) error {
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (s *FileStorage) MkdirAll(dir string) error {
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

type pendingWrite struct {
	p    []byte
	done func(error)
}

// fileWriter applies queued writes in order on its own goroutine.
type fileWriter struct {
	file      afero.File
	highWater int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []pendingWrite
	pending   int
	needDrain bool
	drain     func()
	closed    bool
	err       error

	finished chan struct{}
}

func newFileWriter(f afero.File, highWater int) *fileWriter {
	w := &fileWriter{
		file:      f,
		highWater: highWater,
		finished:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *fileWriter) Write(p []byte, done func(error)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		go done(ErrWriterClosed)
		return true
	}

	w.queue = append(w.queue, pendingWrite{p: p, done: done})
	w.pending += len(p)
	w.cond.Signal()

	if w.pending >= w.highWater {
		w.needDrain = true
		return false
	}
	return true
}

func (w *fileWriter) OnDrain(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drain = fn
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.cond.Signal()
	}
	w.mu.Unlock()

	<-w.finished

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	return nil
}

func (w *fileWriter) run() {
	defer close(w.finished)

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		failed := w.err
		w.mu.Unlock()

		err := failed
		if err == nil {
			_, err = w.file.Write(next.p)
		}

		w.mu.Lock()
		if err != nil && w.err == nil {
			w.err = err
		}
		w.pending -= len(next.p)
		fireDrain := w.needDrain && w.pending == 0
		if fireDrain {
			w.needDrain = false
		}
		drain := w.drain
		w.mu.Unlock()

		// drain goes first so a caller sees capacity before the write it gates completes
		if fireDrain && drain != nil {
			drain()
		}
		next.done(err)
	}
}
