package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/simplelru"
)

var (
	ErrStaleStream      = errors.New("stream for a finished height")
	ErrFutureStream     = errors.New("stream height too far ahead")
	ErrTooManyChunks    = errors.New("stream has too many chunks")
	ErrStreamTooLarge   = errors.New("stream exceeds size limit")
	ErrChunkAfterFin    = errors.New("chunk beyond the fin chunk")
	ErrConflictingChunk = errors.New("chunk conflicts with an earlier one")
)

// StreamID names one proposal stream.
type StreamID struct {
	Height uint64
	Round  uint32
	Sender string
}

func (id StreamID) String() string {
	return fmt.Sprintf("%d/%d/%s", id.Height, id.Round, id.Sender)
}

// Chunk is one numbered piece of a stream. The chunk with Fin set carries the
// last sequence number.
type Chunk struct {
	Stream StreamID
	Seq    uint64
	Fin    bool
	Data   []byte
}

// Content is a fully reassembled stream.
type Content struct {
	Stream StreamID
	Data   []byte
}

type Config struct {
	// MaxStreams bounds concurrently buffered streams; the least recently
	// touched one is evicted beyond it.
	MaxStreams         int
	MaxChunksPerStream int
	MaxStreamBytes     int
	// MaxFutureHeights bounds how far ahead of the current height streams are
	// accepted; zero disables the check.
	MaxFutureHeights uint64
}

func DefaultConfig() Config {
	return Config{
		MaxStreams:         256,
		MaxChunksPerStream: 1024,
		MaxStreamBytes:     32 << 20,
		MaxFutureHeights:   10,
	}
}

type buffer struct {
	chunks *btree.BTreeG[Chunk]
	size   int
	hasFin bool
	finSeq uint64
	done   bool
}

func lessSeq(a, b Chunk) bool {
	return a.Seq < b.Seq
}

// Handler reassembles chunked streams. Ingest and Run must be called from a
// single goroutine; SetHeight may be called from any.
type Handler struct {
	cfg     Config
	logger  hclog.Logger
	height  atomic.Uint64
	pruned  uint64
	streams *simplelru.LRU
}

func NewHandler(cfg Config, logger hclog.Logger) (*Handler, error) {
	if cfg.MaxStreams <= 0 || cfg.MaxChunksPerStream <= 0 || cfg.MaxStreamBytes <= 0 {
		return nil, errors.New("stream limits must be positive")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	h := &Handler{cfg: cfg, logger: logger}
	streams, err := simplelru.NewLRU(cfg.MaxStreams, func(key, _ interface{}) {
		h.logger.Debug("evicted stream", "stream", key)
	})
	if err != nil {
		return nil, err
	}
	h.streams = streams
	return h, nil
}

// SetHeight marks every stream below height as finished.
func (h *Handler) SetHeight(height uint64) {
	h.height.Store(height)
}

func (h *Handler) Height() uint64 {
	return h.height.Load()
}

// Buffered is the number of tracked streams, finished ones included.
func (h *Handler) Buffered() int {
	return h.streams.Len()
}

func (h *Handler) prune(height uint64) {
	if height <= h.pruned {
		return
	}
	h.pruned = height
	for _, k := range h.streams.Keys() {
		if k.(StreamID).Height < height {
			h.streams.Remove(k)
		}
	}
}

// Ingest buffers c and returns the content once its stream is complete. A
// stream completes once, when chunks 0..fin are all present; repeated
// chunks are ignored.
func (h *Handler) Ingest(c Chunk) (*Content, error) {
	height := h.height.Load()
	h.prune(height)
	if c.Stream.Height < height {
		return nil, fmt.Errorf("%w: %s at height %d", ErrStaleStream, c.Stream, height)
	}
	if h.cfg.MaxFutureHeights > 0 && c.Stream.Height-height > h.cfg.MaxFutureHeights {
		return nil, fmt.Errorf("%w: %s at height %d", ErrFutureStream, c.Stream, height)
	}

	var buf *buffer
	if v, ok := h.streams.Get(c.Stream); ok {
		buf = v.(*buffer)
	} else {
		buf = &buffer{chunks: btree.NewG(8, lessSeq)}
		h.streams.Add(c.Stream, buf)
	}
	if buf.done {
		return nil, nil
	}
	if buf.hasFin && c.Seq > buf.finSeq {
		return nil, fmt.Errorf("%w: %s seq %d, fin %d", ErrChunkAfterFin, c.Stream, c.Seq, buf.finSeq)
	}
	if prev, ok := buf.chunks.Get(c); ok {
		if prev.Fin != c.Fin || string(prev.Data) != string(c.Data) {
			return nil, fmt.Errorf("%w: %s seq %d", ErrConflictingChunk, c.Stream, c.Seq)
		}
		return nil, nil
	}
	if c.Fin {
		if last, ok := buf.chunks.Max(); ok && last.Seq > c.Seq {
			return nil, fmt.Errorf("%w: %s seq %d, fin %d", ErrChunkAfterFin, c.Stream, last.Seq, c.Seq)
		}
	}
	if buf.chunks.Len() >= h.cfg.MaxChunksPerStream {
		return nil, fmt.Errorf("%w: %s", ErrTooManyChunks, c.Stream)
	}
	if buf.size+len(c.Data) > h.cfg.MaxStreamBytes {
		return nil, fmt.Errorf("%w: %s", ErrStreamTooLarge, c.Stream)
	}
	buf.chunks.ReplaceOrInsert(c)
	buf.size += len(c.Data)
	if c.Fin {
		buf.hasFin = true
		buf.finSeq = c.Seq
	}
	if !buf.hasFin || uint64(buf.chunks.Len()) != buf.finSeq+1 {
		return nil, nil
	}

	data := make([]byte, 0, buf.size)
	buf.chunks.Ascend(func(ch Chunk) bool {
		data = append(data, ch.Data...)
		return true
	})
	buf.done = true
	buf.chunks = nil
	h.logger.Debug("stream complete", "stream", c.Stream, "chunks", buf.finSeq+1, "bytes", len(data))
	return &Content{Stream: c.Stream, Data: data}, nil
}

// Run ingests chunks from in and emits completed streams on out until ctx is
// done or in is closed.
func (h *Handler) Run(ctx context.Context, in <-chan Chunk, out chan<- Content) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-in:
			if !ok {
				return nil
			}
			content, err := h.Ingest(c)
			if err != nil {
				h.logger.Debug("dropped chunk", "stream", c.Stream, "seq", c.Seq, "error", err)
				continue
			}
			if content == nil {
				continue
			}
			select {
			case out <- *content:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
