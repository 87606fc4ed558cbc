package upload

import "fmt"

// BufferMode selects how received chunks reach storage.
type BufferMode int

const (
	// BufferDirect writes every chunk as it arrives
	BufferDirect BufferMode = iota
	// BufferBatch accumulates chunks and writes them once a threshold is exceeded
	BufferBatch
)

const (
	// DefaultFlushThreshold is the batch size that triggers a flush
	DefaultFlushThreshold = 10 * 1024 * 1024
	// DefaultMaxBufferSize is the hard cap on bytes one session may hold in memory
	DefaultMaxBufferSize = 32 * 1024 * 1024
)

func (m BufferMode) String() string {
	switch m {
	case BufferDirect:
		return "direct"
	case BufferBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// ParseBufferMode accepts "direct" or "batch" (empty means direct).
func ParseBufferMode(s string) (BufferMode, error) {
	switch s {
	case "", "direct":
		return BufferDirect, nil
	case "batch":
		return BufferBatch, nil
	default:
		return BufferDirect, fmt.Errorf("unknown buffer mode %q (want direct or batch)", s)
	}
}

// ChunkBuffer applies the buffering discipline for one session.
type ChunkBuffer struct {
	mode      BufferMode
	threshold int
	maxSize   int
	buf       []byte
}

func NewChunkBuffer(mode BufferMode, threshold, maxSize int) *ChunkBuffer {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	if threshold > maxSize {
		threshold = maxSize
	}
	return &ChunkBuffer{mode: mode, threshold: threshold, maxSize: maxSize}
}

// Add takes one chunk and returns the bytes that must be written now, or nil
// when the chunk is held in memory. Bytes come back in receipt order.
func (b *ChunkBuffer) Add(chunk []byte) []byte {
	if b.mode == BufferDirect {
		return chunk
	}

	// the resident buffer never grows past maxSize: flush what is held first
	if len(b.buf)+len(chunk) > b.maxSize {
		flushed := b.Take()
		if len(chunk) > b.maxSize {
			return append(flushed, chunk...)
		}
		b.buf = append(b.buf, chunk...)
		return flushed
	}

	b.buf = append(b.buf, chunk...)
	if len(b.buf) > b.threshold {
		return b.Take()
	}
	return nil
}

// Take empties the buffer and returns what it held.
func (b *ChunkBuffer) Take() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = nil
	return out
}

// Buffered reports how many bytes are held in memory.
func (b *ChunkBuffer) Buffered() int {
	return len(b.buf)
}
