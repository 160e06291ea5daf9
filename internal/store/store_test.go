package store

import (
	"testing"
	"time"

	"sensorpipe/internal/chunker"
	"sensorpipe/internal/queue"
	"sensorpipe/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: t.TempDir() + "/store.db", Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func buildDataChunks(t *testing.T, payload []byte, eventID, sensorID string) []wire.DataChunk {
	t.Helper()
	chunks, err := chunker.Chunk(payload, eventID, chunker.Options{ChunkSize: chunker.DefaultChunkSize})
	if err != nil {
		t.Fatal(err)
	}
	var seq int64
	out := make([]wire.DataChunk, 0, len(chunks))
	for _, c := range chunks {
		seq++
		qc := wire.QueuedChunk{EventChunk: c, Sequence: seq, CreatedAt: time.Now().Unix()}
		out = append(out, qc.ToDataChunk(sensorID))
	}
	return out
}

func TestIngestHappyPath(t *testing.T) {
	s := newTestStore(t)
	payload := make([]byte, 200_000)
	for i := range payload {
		payload[i] = byte(i)
	}
	dcs := buildDataChunks(t, payload, "e1", "s1")
	if len(dcs) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(dcs))
	}

	r1, err := s.Ingest(dcs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !r1.Stored || r1.EventComplete {
		t.Fatalf("unexpected result for first chunk: %+v", r1)
	}

	r2, err := s.Ingest(dcs[1])
	if err != nil {
		t.Fatal(err)
	}
	if !r2.Stored || !r2.EventComplete {
		t.Fatalf("expected completion on second chunk: %+v", r2)
	}
	if string(r2.AssembledPayload) != string(payload) {
		t.Fatal("assembled payload does not match input")
	}
}

func TestIngestDuplicate(t *testing.T) {
	s := newTestStore(t)
	dcs := buildDataChunks(t, make([]byte, 1000), "e1", "s1")

	if _, err := s.Ingest(dcs[0]); err != nil {
		t.Fatal(err)
	}
	r, err := s.Ingest(dcs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !r.Duplicate || r.Stored {
		t.Fatalf("expected duplicate result, got %+v", r)
	}
}

func TestIngestHashMismatch(t *testing.T) {
	s := newTestStore(t)
	dcs := buildDataChunks(t, make([]byte, 1000), "e1", "s1")
	dcs[0].ChunkSHA256 = "0000000000000000000000000000000000000000000000000000000000000000"

	if _, err := s.Ingest(dcs[0]); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestIngestEventDisagreementRejected(t *testing.T) {
	s := newTestStore(t)
	payload := make([]byte, 200_000)
	dcs := buildDataChunks(t, payload, "e1", "s1")

	if _, err := s.Ingest(dcs[0]); err != nil {
		t.Fatal(err)
	}

	other := buildDataChunks(t, make([]byte, 50_000), "e2", "s1")
	other[0].EventID = "e1"
	other[0].Sequence = dcs[1].Sequence // distinct sequence from dcs[0], still same event id
	other[0].ChunkIndex = dcs[1].ChunkIndex

	if _, err := s.Ingest(other[0]); err == nil {
		t.Fatal("expected integrity error on event_sha256/chunk_count disagreement")
	}
}

func TestColdRestartQueueRetainsUnackedRows(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.Open(queue.Config{Path: dir + "/queue.db", Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := chunker.Chunk(make([]byte, 1000), "e1", chunker.Options{ChunkSize: chunker.MinChunkSize})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(chunks); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q2, err := queue.Open(queue.Config{Path: dir + "/queue.db", Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	rows, err := q2.PeekWindow(0, 10, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected queue to survive restart with 1 row, got %d", len(rows))
	}
}
