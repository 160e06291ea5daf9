package ingestapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sensorpipe/internal/chunker"
	"sensorpipe/internal/offsets"
	"sensorpipe/internal/store"
	"sensorpipe/internal/wire"
)

func buildDataChunk(t *testing.T, payload []byte, eventID, sensorID string, seq int64) wire.DataChunk {
	t.Helper()
	chunks, err := chunker.Chunk(payload, eventID, chunker.Options{ChunkSize: chunker.MinChunkSize})
	if err != nil {
		t.Fatal(err)
	}
	qc := wire.QueuedChunk{EventChunk: chunks[0], Sequence: seq, CreatedAt: time.Now().Unix()}
	return qc.ToDataChunk(sensorID)
}

func newTestFront(t *testing.T) (*Front, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Path: t.TempDir() + "/store.db", Now: time.Now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := New(Config{
		Store:   s,
		Offsets: offsets.New(),
		Tokens:  map[string]string{"s1": "secret"},
	})
	return f, s
}

func post(t *testing.T, handler http.Handler, dc wire.DataChunk, token string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(dc)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/chunk", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIngestHappyPath(t *testing.T) {
	f, _ := newTestFront(t)
	dc := buildDataChunk(t, make([]byte, 1000), "e1", "s1", 1)

	rec := post(t, f.Handler(), dc, "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Stored || resp.Duplicate {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestIngestUnauthorized(t *testing.T) {
	f, _ := newTestFront(t)
	dc := buildDataChunk(t, make([]byte, 100), "e1", "s1", 1)

	rec := post(t, f.Handler(), dc, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestIngestMalformedBody(t *testing.T) {
	f, _ := newTestFront(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/chunk", bytes.NewReader([]byte("not json")))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngestHashMismatchReturns400(t *testing.T) {
	f, _ := newTestFront(t)
	dc := buildDataChunk(t, make([]byte, 100), "e1", "s1", 1)
	dc.ChunkSHA256 = "00"

	rec := post(t, f.Handler(), dc, "secret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on integrity failure, got %d", rec.Code)
	}
}

func TestHealthzAndOptions(t *testing.T) {
	f, _ := newTestFront(t)
	handler := f.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/anything", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS preflight, got %d", rec.Code)
	}
}
