package upload

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fileferry/ferry/internal/channel"
	"github.com/sebdah/goldie/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMsg[T any](t *testing.T, msg channel.Message) T {
	t.Helper()
	var v T
	require.NoError(t, msg.Decode(&v))
	return v
}

func TestNewEngine(t *testing.T) {
	storage := NewFileStorage(afero.NewMemMapFs(), 0)

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{
			name:    "missing destination",
			opts:    Options{Storage: storage},
			wantErr: true,
		},
		{
			name:    "empty named destination",
			opts:    Options{Destination: Named(map[string]string{}), Storage: storage},
			wantErr: true,
		},
		{
			name:    "named destination with empty directory",
			opts:    Options{Destination: Named(map[string]string{"docs": ""}), Storage: storage},
			wantErr: true,
		},
		{
			name:    "missing storage",
			opts:    Options{Destination: Single(testDir)},
			wantErr: true,
		},
		{
			name: "buffer cap below chunk size",
			opts: Options{
				Destination:   Single(testDir),
				Storage:       storage,
				Settings:      TransferSettings{ChunkSize: 1024},
				BufferMode:    BufferBatch,
				MaxBufferSize: 512,
			},
			wantErr: true,
		},
		{
			name: "valid single destination",
			opts: Options{Destination: Single(testDir), Storage: storage},
		},
		{
			name: "valid named destination",
			opts: Options{
				Destination: Named(map[string]string{"images": "/srv/images", "docs": "/srv/docs"}),
				Storage:     storage,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := channel.Pipe()
			defer remote.Close() //nolint:errcheck // test cleanup

			engine, err := NewEngine(local, tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				kind, ok := KindOf(err)
				require.True(t, ok)
				assert.Equal(t, KindConfiguration, kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultChunkSize, engine.Settings().ChunkSize)

			for _, dir := range tt.opts.Destination.Dirs() {
				exists, err := afero.DirExists(storage.Fs(), dir)
				require.NoError(t, err)
				assert.True(t, exists, "destination %s should be created", dir)
			}
		})
	}
}

func TestEngine_SettingsNegotiation(t *testing.T) {
	h := newHarness(t, withSettings(TransferSettings{
		MaxFileSize:       1048576,
		Accepts:           []string{"image/png", "image/*"},
		ChunkSize:         10240,
		TransmissionDelay: 25 * time.Millisecond,
	}))
	h.listen(EventSyncSettingsResponse)

	h.send(EventSyncSettingsRequest, nil)
	first := h.expect(EventSyncSettingsResponse)

	var pretty bytes.Buffer
	require.NoError(t, json.Indent(&pretty, first.Data, "", "  "))
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "settings_response", pretty.Bytes())

	// settings are re-sent verbatim and ready is raised only once
	h.send(EventSyncSettingsRequest, nil)
	second := h.expect(EventSyncSettingsResponse)
	assert.JSONEq(t, string(first.Data), string(second.Data))

	h.sync()
	assert.Len(t, h.notes.all(NotifyReady), 1)
}

func TestEngine_RequestID(t *testing.T) {
	ids := []string{"taken", "taken", "fresh"}
	h := newHarness(t, func(o *Options) {
		o.NewID = func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
	})

	h.create(CreateRequest{ID: "taken", Name: "a.bin", Size: 8})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("taken"))

	h.send(EventRequestID, nil)
	msg := h.expect(EventRequestIDResponse)
	assert.Equal(t, "fresh", decodeMsg[IDPayload](t, msg).ID, "ids already registered are skipped")
}

func TestEngine_CreateWithoutIDAssignsOne(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.NewID = func() string { return "assigned" }
	})
	h.listenSession("assigned")

	h.send(EventCreate, CreateRequest{Name: "a.bin", Size: 4})
	ack := h.expect(EventCreateAck)
	assert.Equal(t, "assigned", decodeMsg[IDPayload](t, ack).ID)
	h.expect(RequestNextEvent("assigned"))
}

func TestEngine_FullTransfer(t *testing.T) {
	h := newHarness(t)
	data := []byte("hello, resumable world")

	h.create(CreateRequest{ID: "1", Name: "greeting.html", Size: int64(len(data)), Metadata: map[string]any{"owner": "tests"}})
	ack := h.expect(EventCreateAck)
	assert.Equal(t, "1", decodeMsg[IDPayload](t, ack).ID)
	h.expect(RequestNextEvent("1"))

	h.stream("1", data, 4)

	h.send(DoneEvent("1"), nil)
	msg := h.expect(CompleteEvent("1"))
	complete := decodeMsg[CompletePayload](t, msg)

	assert.Equal(t, "greeting.html", complete.Name)
	assert.Equal(t, int64(len(data)), complete.Size)
	assert.Equal(t, int64(len(data)), complete.BytesWritten)
	assert.Equal(t, "text/html", complete.Mime)
	assert.Equal(t, data, h.readFile(filepath.Join(testDir, "greeting.html")))

	h.sync()
	assert.Equal(t, 0, h.engine.Registry().Len(), "completed session must be deregistered")

	kinds := h.notes.kinds()
	assert.Equal(t, NotifyStart, kinds[0])
	assert.Equal(t, NotifyComplete, kinds[len(kinds)-1])

	progress := h.notes.all(NotifyProgress)
	require.Len(t, progress, 6)
	var sum int64
	for i, n := range progress {
		sum += int64(min(4, len(data)-i*4))
		assert.Equal(t, sum, n.BytesWritten, "bytesWritten must equal the bytes applied so far")
		assert.LessOrEqual(t, n.BytesWritten, n.Size)
		assert.Equal(t, "tests", n.Metadata["owner"])
	}
}

func TestEngine_MillionByteTransfer(t *testing.T) {
	h := newHarness(t, withSettings(TransferSettings{}))
	h.listen(EventSyncSettingsResponse)
	data := bytes.Repeat([]byte("0123456789abcdef"), 62500)
	require.Len(t, data, 1000000)

	h.send(EventSyncSettingsRequest, nil)
	settings := decodeMsg[SettingsPayload](t, h.expect(EventSyncSettingsResponse))
	require.Equal(t, DefaultChunkSize, settings.ChunkSize)

	h.create(CreateRequest{ID: "1", Name: "a.bin", Size: int64(len(data))})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("1"))

	h.stream("1", data, settings.ChunkSize)

	h.send(DoneEvent("1"), nil)
	complete := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("1")))
	assert.Equal(t, int64(1000000), complete.BytesWritten)
	h.expectNone(50 * time.Millisecond)

	assert.Equal(t, data, h.readFile(filepath.Join(testDir, "a.bin")))
	assert.Len(t, h.notes.all(NotifyComplete), 1)
}

func TestEngine_BatchMode(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.BufferMode = BufferBatch
		o.FlushThreshold = 10
		o.MaxBufferSize = 16
	})
	data := []byte("abcdefghijklmnopqrstuvwxyz")
	path := filepath.Join(testDir, "letters.txt")

	h.create(CreateRequest{ID: "b", Name: "letters.txt", Size: int64(len(data))})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("b"))

	h.stream("b", data[:8], 4)
	h.sync()
	exists, err := afero.Exists(h.fs, path)
	require.NoError(t, err)
	if exists {
		assert.Empty(t, h.readFile(path), "bytes under the threshold stay in memory")
	}

	h.stream("b", data[8:], 4)
	h.send(DoneEvent("b"), nil)
	complete := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("b")))

	assert.Equal(t, int64(len(data)), complete.BytesWritten)
	assert.Equal(t, data, h.readFile(path), "buffered bytes are flushed in order")
}

func TestEngine_Resume(t *testing.T) {
	h := newHarness(t, withResume())
	path := filepath.Join(testDir, "movie.bin")
	h.writeFile(path, []byte("0123456"))

	h.create(CreateRequest{ID: "r", Name: "movie.bin", Size: 12})
	resume := decodeMsg[ResumePayload](t, h.expect(EventResume))
	assert.Equal(t, "r", resume.ID)
	assert.Equal(t, int64(7), resume.Offset)
	h.expect(RequestNextEvent("r"))

	n, ok := h.notes.last(NotifyResume)
	require.True(t, ok)
	assert.Equal(t, int64(7), n.Offset)
	assert.Equal(t, int64(7), n.BytesWritten)

	h.stream("r", []byte("789ab"), 4)
	h.send(DoneEvent("r"), nil)
	complete := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("r")))

	assert.Equal(t, int64(12), complete.BytesWritten)
	assert.Equal(t, []byte("0123456789ab"), h.readFile(path))
}

func TestEngine_ExistingFile(t *testing.T) {
	tests := []struct {
		name     string
		opts     []harnessOption
		existing string
		size     int64
		// wantResume is true when the engine should append instead of truncate
		wantResume bool
		wantSkip   bool
	}{
		{
			name:     "no resume no overwrite skips to complete",
			existing: "old contents",
			size:     4,
			wantSkip: true,
		},
		{
			name:     "overwrite truncates",
			opts:     []harnessOption{withOverwrite()},
			existing: "old contents",
			size:     4,
		},
		{
			name:     "resume with existing at least declared truncates",
			opts:     []harnessOption{withResume()},
			existing: "old contents",
			size:     4,
		},
		{
			name:       "resume with shorter existing appends",
			opts:       []harnessOption{withResume(), withOverwrite()},
			existing:   "ol",
			size:       6,
			wantResume: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts...)
			path := filepath.Join(testDir, "file.txt")
			h.writeFile(path, []byte(tt.existing))

			h.create(CreateRequest{ID: "x", Name: "file.txt", Size: tt.size})

			if tt.wantSkip {
				complete := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("x")))
				assert.Equal(t, int64(0), complete.BytesWritten)
				assert.Equal(t, []NotificationKind{NotifyStart, NotifyComplete}, h.notes.kinds())
				assert.Equal(t, []byte(tt.existing), h.readFile(path), "existing file must be left alone")
				h.sync()
				assert.Equal(t, 0, h.engine.Registry().Len())
				h.expectNone(20 * time.Millisecond)
				return
			}

			if tt.wantResume {
				h.expect(EventResume)
			} else {
				h.expect(EventCreateAck)
			}
			h.expect(RequestNextEvent("x"))

			h.sync()
			if !tt.wantResume {
				assert.Empty(t, h.readFile(path), "file is truncated on open")
			}

			h.stream("x", []byte("newb"), 4)
			h.send(DoneEvent("x"), nil)
			complete := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("x")))
			if tt.wantResume {
				assert.Equal(t, []byte("olnewb"), h.readFile(path))
				assert.Equal(t, int64(6), complete.BytesWritten)
			} else {
				assert.Equal(t, []byte("newb"), h.readFile(path))
				assert.Equal(t, int64(4), complete.BytesWritten)
			}
		})
	}
}

func TestEngine_SizeLimits(t *testing.T) {
	t.Run("declared size over max never opens a file", func(t *testing.T) {
		h := newHarness(t, withSettings(TransferSettings{MaxFileSize: 10, ChunkSize: 4}))

		h.create(CreateRequest{ID: "big", Name: "big.bin", Size: 11})
		msg := decodeMsg[ErrorPayload](t, h.expect(EventError))

		assert.Equal(t, "big", msg.ID)
		assert.Equal(t, KindSizeExceeded.String(), msg.Kind)
		assert.Contains(t, msg.Message, "exceeds max size")

		exists, err := afero.Exists(h.fs, filepath.Join(testDir, "big.bin"))
		require.NoError(t, err)
		assert.False(t, exists)

		n, ok := h.notes.last(NotifyError)
		require.True(t, ok)
		assert.True(t, errors.Is(n.Err, ErrExceedsMaxSize))
	})

	t.Run("chunk past declared size fails without writing", func(t *testing.T) {
		h := newHarness(t)
		path := filepath.Join(testDir, "liar.bin")

		h.create(CreateRequest{ID: "l", Name: "liar.bin", Size: 6})
		h.expect(EventCreateAck)
		h.expect(RequestNextEvent("l"))

		h.stream("l", []byte("abcd"), 4)
		h.send(ChunkEvent("l"), []byte("efgh"))

		msg := decodeMsg[ErrorPayload](t, h.expect(ErrorEvent("l")))
		assert.Equal(t, KindSizeExceeded.String(), msg.Kind)
		assert.Equal(t, []byte("abcd"), h.readFile(path), "the offending chunk is not written")

		h.sync()
		assert.Equal(t, 0, h.engine.Registry().Len())
	})

	t.Run("chunk past max file size fails", func(t *testing.T) {
		h := newHarness(t, withSettings(TransferSettings{MaxFileSize: 6, ChunkSize: 4}), withResume())
		path := filepath.Join(testDir, "grow.bin")
		h.writeFile(path, []byte("abcd"))

		h.create(CreateRequest{ID: "g", Name: "grow.bin", Size: 6})
		h.expect(EventResume)
		h.expect(RequestNextEvent("g"))

		h.send(ChunkEvent("g"), []byte("efg"))
		msg := decodeMsg[ErrorPayload](t, h.expect(ErrorEvent("g")))
		assert.Equal(t, KindSizeExceeded.String(), msg.Kind)
		assert.Equal(t, []byte("abcd"), h.readFile(path))
	})
}

func TestEngine_Abort(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(testDir, "partial.bin")

	h.create(CreateRequest{ID: "a", Name: "partial.bin", Size: 100})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("a"))

	h.stream("a", []byte("0123456789"), 4)

	h.send(AbortEvent("a"), nil)
	ack := decodeMsg[AbortAckPayload](t, h.expect(AbortAckEvent("a")))
	assert.Equal(t, "partial.bin", ack.Name)
	assert.Equal(t, int64(10), ack.BytesWritten)

	// chunks after the abort are ignored
	h.send(ChunkEvent("a"), []byte("zzzz"))
	h.expectNone(20 * time.Millisecond)

	assert.Equal(t, []byte("0123456789"), h.readFile(path), "partial file is kept with exactly the bytes written")
	assert.Equal(t, 0, h.engine.Registry().Len())

	n, ok := h.notes.last(NotifyAbort)
	require.True(t, ok)
	assert.Equal(t, int64(10), n.BytesWritten)
}

func TestEngine_AbortDuringWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	storage := newGatedStorage(fs)
	h := newHarness(t, withStorage(storage))
	path := filepath.Join(testDir, "slow.bin")

	h.create(CreateRequest{ID: "s", Name: "slow.bin", Size: 100})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("s"))

	h.send(ChunkEvent("s"), []byte("abcd"))
	h.sync()
	w := storage.writer(t)
	require.Equal(t, 1, w.pendingWrites())

	h.send(AbortEvent("s"), nil)
	h.expectNone(20 * time.Millisecond)

	w.release(t)
	ack := decodeMsg[AbortAckPayload](t, h.expect(AbortAckEvent("s")))
	assert.Equal(t, int64(4), ack.BytesWritten)
	h.expectNone(20 * time.Millisecond)

	assert.Equal(t, []byte("abcd"), h.readFile(path), "in-flight write completes before teardown")
}

func TestEngine_CreditWaitsForWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	storage := newGatedStorage(fs)
	h := newHarness(t, withStorage(storage))

	h.create(CreateRequest{ID: "c", Name: "credit.bin", Size: 8})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("c"))

	h.send(ChunkEvent("c"), []byte("abcd"))
	h.expectNone(30 * time.Millisecond)

	storage.writer(t).release(t)
	h.expect(RequestNextEvent("c"))
}

func TestEngine_CreditWaitsForDrain(t *testing.T) {
	fs := afero.NewMemMapFs()
	storage := newGatedStorage(fs)
	storage.accept = false
	h := newHarness(t, withStorage(storage))

	h.create(CreateRequest{ID: "d", Name: "drain.bin", Size: 8})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("d"))

	h.send(ChunkEvent("d"), []byte("abcd"))
	h.sync()
	w := storage.writer(t)
	w.release(t)
	h.expectNone(30 * time.Millisecond)

	w.fireDrain()
	h.expect(RequestNextEvent("d"))
}

func TestEngine_ChunkWithoutCredit(t *testing.T) {
	fs := afero.NewMemMapFs()
	storage := newGatedStorage(fs)
	h := newHarness(t, withStorage(storage))

	h.create(CreateRequest{ID: "p", Name: "pushy.bin", Size: 8})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("p"))

	h.send(ChunkEvent("p"), []byte("ab"))
	h.send(ChunkEvent("p"), []byte("cd"))
	h.sync()

	storage.writer(t).release(t)
	msg := decodeMsg[ErrorPayload](t, h.expect(ErrorEvent("p")))
	assert.Equal(t, KindProtocol.String(), msg.Kind)
	assert.Equal(t, []byte("ab"), h.readFile(filepath.Join(testDir, "pushy.bin")))
}

func TestEngine_StorageErrors(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		base := afero.NewMemMapFs()
		require.NoError(t, base.MkdirAll(testDir, 0o755))
		h := newHarness(t, withStorage(readOnlyStorage{NewFileStorage(afero.NewReadOnlyFs(base), 0)}))

		h.create(CreateRequest{ID: "ro", Name: "a.bin", Size: 4})
		msg := decodeMsg[ErrorPayload](t, h.expect(EventError))
		assert.Equal(t, KindStorage.String(), msg.Kind)
	})

	t.Run("write failure", func(t *testing.T) {
		storage := newGatedStorage(afero.NewMemMapFs())
		storage.failOn = 2
		h := newHarness(t, withStorage(storage))

		h.create(CreateRequest{ID: "w", Name: "a.bin", Size: 8})
		h.expect(EventCreateAck)
		h.expect(RequestNextEvent("w"))

		h.send(ChunkEvent("w"), []byte("abcd"))
		h.sync()
		storage.writer(t).release(t)
		h.expect(RequestNextEvent("w"))

		h.send(ChunkEvent("w"), []byte("efgh"))
		h.sync()
		storage.writer(t).release(t)

		msg := decodeMsg[ErrorPayload](t, h.expect(ErrorEvent("w")))
		assert.Equal(t, KindStorage.String(), msg.Kind)
		assert.Equal(t, assert.AnError.Error(), msg.Message)

		n, ok := h.notes.last(NotifyError)
		require.True(t, ok)
		assert.ErrorIs(t, n.Err, assert.AnError)
	})
}

func TestEngine_MimeGate(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		accepted bool
	}{
		{name: "rejected type is deleted", file: "photo.jpg", accepted: false},
		{name: "accepted type completes", file: "photo.png", accepted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withSettings(TransferSettings{Accepts: []string{"image/png"}, ChunkSize: 4}))
			path := filepath.Join(testDir, tt.file)

			h.create(CreateRequest{ID: "m", Name: tt.file, Size: 4})
			h.expect(EventCreateAck)
			h.expect(RequestNextEvent("m"))
			h.stream("m", []byte("\x89PNG"), 4)
			h.send(DoneEvent("m"), nil)

			exists := func() bool {
				ok, err := afero.Exists(h.fs, path)
				require.NoError(t, err)
				return ok
			}

			if tt.accepted {
				complete := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("m")))
				assert.Equal(t, "image/png", complete.Mime)
				assert.True(t, exists())
				return
			}

			msg := decodeMsg[ErrorPayload](t, h.expect(ErrorEvent("m")))
			assert.Equal(t, KindTypeRejected.String(), msg.Kind)
			assert.Contains(t, msg.Message, "image/jpeg")
			assert.False(t, exists(), "rejected file must be deleted")
			_, completed := h.notes.last(NotifyComplete)
			assert.False(t, completed)
		})
	}
}

func TestEngine_NamedDestination(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Destination = Named(map[string]string{"images": "/srv/images"})
	})

	t.Run("known key", func(t *testing.T) {
		h.create(CreateRequest{ID: "n1", Name: "cat.png", Size: 4, DestinationKey: "images"})
		h.expect(EventCreateAck)
		h.expect(RequestNextEvent("n1"))
		h.stream("n1", []byte("meow"), 4)
		h.send(DoneEvent("n1"), nil)
		h.expect(CompleteEvent("n1"))
		assert.Equal(t, []byte("meow"), h.readFile("/srv/images/cat.png"))
	})

	t.Run("unknown key", func(t *testing.T) {
		h.create(CreateRequest{ID: "n2", Name: "cat.png", Size: 4, DestinationKey: "videos"})
		msg := decodeMsg[ErrorPayload](t, h.expect(EventError))
		assert.Equal(t, KindProtocol.String(), msg.Kind)
		assert.Contains(t, msg.Message, "unknown destination")
	})

	t.Run("missing key", func(t *testing.T) {
		h.create(CreateRequest{ID: "n3", Name: "cat.png", Size: 4})
		msg := decodeMsg[ErrorPayload](t, h.expect(EventError))
		assert.Equal(t, KindProtocol.String(), msg.Kind)
	})
}

func TestEngine_DuplicateSession(t *testing.T) {
	h := newHarness(t)

	h.create(CreateRequest{ID: "dup", Name: "one.bin", Size: 8})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("dup"))

	h.send(EventCreate, CreateRequest{ID: "dup", Name: "two.bin", Size: 8})
	msg := decodeMsg[ErrorPayload](t, h.expect(EventError))
	assert.Equal(t, "dup", msg.ID)
	assert.Equal(t, KindProtocol.String(), msg.Kind)

	// the original session keeps going
	h.stream("dup", []byte("abcdefgh"), 4)
	h.send(DoneEvent("dup"), nil)
	complete := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("dup")))
	assert.Equal(t, "one.bin", complete.Name)
}

func TestEngine_SamePathSessions(t *testing.T) {
	tests := []struct {
		name string
		opts []harnessOption
		// wantSkip is true when a later create for the finished file skips to complete
		wantSkip bool
	}{
		{name: "overwrite", opts: []harnessOption{withOverwrite()}},
		{name: "no overwrite", wantSkip: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts...)
			path := filepath.Join(testDir, "x.bin")

			h.create(CreateRequest{ID: "a", Name: "x.bin", Size: 8})
			h.expect(EventCreateAck)
			h.expect(RequestNextEvent("a"))
			h.stream("a", []byte("AAAA"), 4)

			h.create(CreateRequest{ID: "b", Name: "x.bin", Size: 8})
			msg := decodeMsg[ErrorPayload](t, h.expect(EventError))
			assert.Equal(t, "b", msg.ID)
			assert.Equal(t, KindProtocol.String(), msg.Kind)
			n, ok := h.notes.last(NotifyError)
			require.True(t, ok)
			assert.ErrorIs(t, n.Err, ErrDestinationBusy)

			h.send(ChunkEvent("b"), []byte("BBBB"))
			h.stream("a", []byte("aaaa"), 4)
			h.send(DoneEvent("a"), nil)
			complete := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("a")))
			assert.Equal(t, int64(8), complete.BytesWritten)
			assert.Equal(t, []byte("AAAAaaaa"), h.readFile(path))
			h.expectNone(20 * time.Millisecond)

			// the claim is released with the session
			h.create(CreateRequest{ID: "c", Name: "x.bin", Size: 4})
			if tt.wantSkip {
				skipped := decodeMsg[CompletePayload](t, h.expect(CompleteEvent("c")))
				assert.Equal(t, int64(0), skipped.BytesWritten)
				assert.Equal(t, []byte("AAAAaaaa"), h.readFile(path))
				return
			}
			h.expect(EventCreateAck)
			h.expect(RequestNextEvent("c"))
			h.stream("c", []byte("cccc"), 4)
			h.send(DoneEvent("c"), nil)
			h.expect(CompleteEvent("c"))
			assert.Equal(t, []byte("cccc"), h.readFile(path))
		})
	}
}

func TestEngine_SamePathAcrossEngines(t *testing.T) {
	storage := NewFileStorage(afero.NewMemMapFs(), 0)
	claims := NewPathClaims()
	first := newHarness(t, withStorage(storage), withClaims(claims), withOverwrite())
	second := newHarness(t, withStorage(storage), withClaims(claims), withOverwrite())

	first.create(CreateRequest{ID: "a", Name: "shared.bin", Size: 4})
	first.expect(EventCreateAck)
	first.expect(RequestNextEvent("a"))

	second.create(CreateRequest{ID: "a", Name: "shared.bin", Size: 4})
	msg := decodeMsg[ErrorPayload](t, second.expect(EventError))
	assert.Equal(t, KindProtocol.String(), msg.Kind)

	first.stream("a", []byte("1111"), 4)
	first.send(DoneEvent("a"), nil)
	first.expect(CompleteEvent("a"))
	assert.Equal(t, []byte("1111"), first.readFile(filepath.Join(testDir, "shared.bin")))
	assert.False(t, claims.Held(filepath.Join(testDir, "shared.bin")))

	second.create(CreateRequest{ID: "b", Name: "shared.bin", Size: 4})
	second.expect(EventCreateAck)
}

func TestEngine_IdleTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.IdleTimeout = time.Minute })
	path := filepath.Join(testDir, "stalled.bin")

	h.create(CreateRequest{ID: "i", Name: "stalled.bin", Size: 100})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("i"))
	h.stream("i", []byte("abcd"), 4)

	h.clock.Advance(30 * time.Second)
	h.engine.post(h.engine.sweepIdle)
	h.expectNone(20 * time.Millisecond)

	h.clock.Advance(31 * time.Second)
	h.engine.post(h.engine.sweepIdle)

	msg := decodeMsg[ErrorPayload](t, h.expect(ErrorEvent("i")))
	assert.Equal(t, KindTimeout.String(), msg.Kind)
	assert.Equal(t, []byte("abcd"), h.readFile(path))
	h.sync()
	assert.Equal(t, 0, h.engine.Registry().Len())
}

func TestEngine_ChannelCloseFailsOpenSessions(t *testing.T) {
	h := newHarness(t)

	h.create(CreateRequest{ID: "o", Name: "open.bin", Size: 100})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("o"))

	require.NoError(t, h.remote.Close())
	select {
	case err := <-h.runErr:
		require.NoError(t, err)
		h.runErr <- nil
	case <-time.After(waitTimeout):
		require.FailNow(t, "engine did not stop when the channel closed")
	}

	n, ok := h.notes.last(NotifyError)
	require.True(t, ok)
	assert.ErrorIs(t, n.Err, ErrChannelClosed)
	assert.Equal(t, 0, h.engine.Registry().Len())
}

func TestEngine_MalformedAndUnknownEvents(t *testing.T) {
	h := newHarness(t)

	h.send(EventCreate, json.RawMessage(`{"id":`))
	h.send(ChunkEvent("ghost"), []byte("boo"))
	h.send(DoneEvent("ghost"), nil)
	h.expectNone(20 * time.Millisecond)

	h.create(CreateRequest{ID: "ok", Name: "fine.bin", Size: 1})
	h.expect(EventCreateAck)
}

func TestEngine_InvalidName(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"", "..", "../escape.txt", "nested/file.txt"} {
		t.Run(name, func(t *testing.T) {
			h.send(EventCreate, CreateRequest{ID: "bad", Name: name, Size: 1})
			msg := decodeMsg[ErrorPayload](t, h.expect(EventError))
			assert.Equal(t, KindProtocol.String(), msg.Kind)
		})
	}
}

func TestEngine_TransmissionDelay(t *testing.T) {
	h := newHarness(t, withSettings(TransferSettings{ChunkSize: 4, TransmissionDelay: 40 * time.Millisecond}))

	h.create(CreateRequest{ID: "t", Name: "slow.txt", Size: 8})
	h.expect(EventCreateAck)
	h.expect(RequestNextEvent("t"))

	start := time.Now()
	h.send(ChunkEvent("t"), []byte("abcd"))
	h.expect(RequestNextEvent("t"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

// readOnlyStorage lets the engine start on a read-only filesystem so opens fail.
type readOnlyStorage struct {
	*FileStorage
}

func (readOnlyStorage) MkdirAll(string) error { return nil }
