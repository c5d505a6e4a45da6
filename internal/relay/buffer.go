// SPDX-License-Identifier: MIT

// Package relay provides the core coordination primitives shared by the
// ingest and ASR components: the bounded audio chunk buffer, the latched
// format controller, level-triggered signals, and restart backoff.
//
// All primitives are safe for concurrent use, but the chunk buffer assumes
// a single producer (ingest) and a single consumer (the ASR link).
package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// DefaultBufferChunks is the default chunk capacity of the audio buffer.
const DefaultBufferChunks = 100

// dropLogInterval controls how often overflow drops are logged.
const dropLogInterval = 50

// ChunkBuffer is a bounded FIFO of opaque audio chunks.
//
// When the buffer is full, Put drops the incoming chunk rather than
// evicting buffered ones: the consumer always sees the oldest audio first,
// and the producer (FFmpeg stdout) is never blocked.
type ChunkBuffer struct {
	ch      chan []byte
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewChunkBuffer creates a buffer holding at most capacity chunks.
// A capacity of zero or less falls back to DefaultBufferChunks.
func NewChunkBuffer(capacity int, logger *slog.Logger) *ChunkBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferChunks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkBuffer{
		ch:     make(chan []byte, capacity),
		logger: logger,
	}
}

// Put enqueues a chunk without blocking. If the buffer is full the chunk
// is dropped and the drop counter incremented; every 50th drop is logged.
func (b *ChunkBuffer) Put(chunk []byte) {
	select {
	case b.ch <- chunk:
	default:
		n := b.dropped.Add(1)
		if n%dropLogInterval == 1 {
			b.logger.Warn("audio buffer full; dropping chunks", "dropped", n)
		}
	}
}

// Get blocks until a chunk is available or ctx is done.
func (b *ChunkBuffer) Get(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-b.ch:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the receive side for select-races against other events.
func (b *ChunkBuffer) C() <-chan []byte {
	return b.ch
}

// Drain removes all buffered chunks without blocking and returns how many
// were discarded.
func (b *ChunkBuffer) Drain() int {
	n := 0
	for {
		select {
		case <-b.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of chunks currently buffered.
func (b *ChunkBuffer) Len() int {
	return len(b.ch)
}

// Dropped returns the total number of chunks dropped on overflow.
func (b *ChunkBuffer) Dropped() uint64 {
	return b.dropped.Load()
}
