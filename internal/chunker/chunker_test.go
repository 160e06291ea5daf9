package chunker

import (
	"bytes"
	"crypto/sha256"
	"math/rand/v2"
	"testing"

	"sensorpipe/internal/wire"
)

func TestChunkInvalidSize(t *testing.T) {
	for _, size := range []int{MinChunkSize - 1, MaxChunkSize + 1} {
		if _, err := Chunk([]byte("x"), "e1", Options{ChunkSize: size}); err == nil {
			t.Fatalf("chunk_size=%d: expected error, got nil", size)
		}
	}
}

func TestChunkUnsupportedCompression(t *testing.T) {
	_, err := Chunk([]byte("x"), "e1", Options{Compression: "zstd"})
	if err == nil {
		t.Fatal("expected error for unsupported compression")
	}
}

func TestChunkSingleByte(t *testing.T) {
	chunks, err := Chunk([]byte{0x42}, "e1", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].ChunkCount != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(chunks))
	}
}

func TestChunkRoundTrip(t *testing.T) {
	payload := make([]byte, 200_000)
	rand.New(rand.NewPCG(1, 2)).Read(payload)

	chunks, err := Chunk(payload, "e1", Options{ChunkSize: MinChunkSize})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for 200000 bytes at min chunk size, got %d", len(chunks))
	}

	var reassembled bytes.Buffer
	for i, c := range chunks {
		if c.EventID != "e1" {
			t.Fatalf("chunk %d: event id mismatch", i)
		}
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d: index mismatch got %d", i, c.ChunkIndex)
		}
		if c.EventHash != chunks[0].EventHash {
			t.Fatalf("chunk %d: event hash mismatch across chunks", i)
		}
		if got := sha256.Sum256(c.Payload); got != c.ChunkHash {
			t.Fatalf("chunk %d: chunk hash mismatch", i)
		}

		raw, err := Decompress(c.Compression, c.Payload)
		if err != nil {
			t.Fatal(err)
		}
		reassembled.Write(raw)
	}

	if !bytes.Equal(reassembled.Bytes(), payload) {
		t.Fatal("reassembled payload does not match input")
	}
	if sha256.Sum256(reassembled.Bytes()) != chunks[0].EventHash {
		t.Fatal("reassembled payload hash does not match event_hash")
	}
}

func TestNewEventIDUnique(t *testing.T) {
	a := NewEventID()
	b := NewEventID()
	if a == b {
		t.Fatal("expected distinct event ids")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars (16 bytes), got %d", len(a))
	}
}
