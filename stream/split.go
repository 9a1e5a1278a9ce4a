package stream

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

// maxShards keeps one parity shard within the 256 shard limit.
const maxShards = 255

var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Split cuts data into chunks of at most chunkSize bytes, growing the chunk
// size when data would need more than maxShards pieces. The last chunk has
// Fin set. Empty data yields one empty fin chunk.
func Split(id StreamID, data []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if len(data) == 0 {
		return []Chunk{{Stream: id, Seq: 0, Fin: true}}, nil
	}
	shards := (len(data) + chunkSize - 1) / chunkSize
	if shards > maxShards {
		shards = maxShards
	}
	enc, err := reedsolomon.New(shards, 1)
	if err != nil {
		return nil, err
	}
	// Split may write padding into spare capacity
	buf := make([]byte, len(data))
	copy(buf, data)
	parts, err := enc.Split(buf)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, shards)
	remaining := len(data)
	for i := 0; i < shards; i++ {
		n := len(parts[i])
		if n > remaining {
			n = remaining
		}
		chunks = append(chunks, Chunk{Stream: id, Seq: uint64(i), Data: parts[i][:n]})
		remaining -= n
	}
	chunks[len(chunks)-1].Fin = true
	return chunks, nil
}
