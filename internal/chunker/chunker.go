// Package chunker splits a payload into compressed, hashed EventChunks.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"sensorpipe/internal/wire"
)

// Size bounds for chunk_size, per spec section 4.1.
const (
	MinChunkSize     = 64 << 10
	MaxChunkSize     = 256 << 10
	DefaultChunkSize = 128 << 10
)

var ErrInvalidArgument = errors.New("chunker: invalid argument")

// Options configures Chunk.
type Options struct {
	ChunkSize   int // 0 selects DefaultChunkSize
	Compression wire.Compression
	Now         func() time.Time // nil selects time.Now
	Skew        int64
	Attributes  map[string]string
}

// NewEventID generates a 16-byte random hex event identifier.
func NewEventID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// Chunk splits payload (uncompressed) into an ordered list of EventChunks.
// Each slice is compressed independently; chunk_hash is the SHA-256 of the
// compressed slice, event_hash is the SHA-256 of the full uncompressed
// payload and is identical across every returned chunk.
func Chunk(payload []byte, eventID string, opts Options) ([]wire.EventChunk, error) {
	size := opts.ChunkSize
	if size == 0 {
		size = DefaultChunkSize
	}
	if size < MinChunkSize || size > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk_size %d out of range [%d, %d]", ErrInvalidArgument, size, MinChunkSize, MaxChunkSize)
	}

	compression := opts.Compression
	if compression == "" {
		compression = wire.CompressionGzip
	}
	if !wire.ValidCompression(compression) {
		return nil, fmt.Errorf("%w: unsupported compression %q", ErrInvalidArgument, compression)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tsMs := now().UnixMilli()

	eventHash := sha256.Sum256(payload)

	slices := splitSlices(payload, size)
	chunkCount := len(slices)

	chunks := make([]wire.EventChunk, 0, chunkCount)
	for i, slice := range slices {
		compressed, err := gzipCompress(slice)
		if err != nil {
			return nil, fmt.Errorf("chunker: compress chunk %d: %w", i, err)
		}
		chunkHash := sha256.Sum256(compressed)

		chunks = append(chunks, wire.EventChunk{
			EventID:            eventID,
			ChunkIndex:         i,
			ChunkCount:         chunkCount,
			Compression:        compression,
			Payload:            compressed,
			ChunkHash:          chunkHash,
			EventHash:          eventHash,
			LogicalTimestampMs: tsMs,
			ClockSkewMs:        opts.Skew,
			Attributes:         opts.Attributes,
		})
	}

	return chunks, nil
}

// splitSlices splits payload into slices of at most size bytes. An empty
// payload still yields exactly one (empty) slice, so chunk_count is never
// zero. Empty trailing slices beyond the first are discarded.
func splitSlices(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}

	var slices [][]byte
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[off:end]
		if len(slice) == 0 {
			continue
		}
		slices = append(slices, slice)
	}
	return slices
}

func gzipCompress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses gzipCompress for the "gzip" compression kind.
func Decompress(compression wire.Compression, data []byte) ([]byte, error) {
	if !wire.ValidCompression(compression) {
		return nil, fmt.Errorf("%w: unsupported compression %q", ErrInvalidArgument, compression)
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("chunker: new gzip reader: %w", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("chunker: gzip read: %w", err)
	}
	return buf.Bytes(), nil
}
