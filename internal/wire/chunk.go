package wire

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Compression identifies the compression algorithm applied to a chunk's
// payload. Gzip is the only member of the closed set today.
type Compression string

const CompressionGzip Compression = "gzip"

var ErrUnsupportedCompression = errors.New("wire: unsupported compression")

// ValidCompression reports whether c is in the closed set of supported
// compressions.
func ValidCompression(c Compression) bool {
	return c == CompressionGzip
}

// EventChunk is one compressed slice of an event, before a queue sequence
// has been assigned. See spec.md section 3.
type EventChunk struct {
	EventID             string            `json:"event_id"`
	ChunkIndex           int              `json:"chunk_index"`
	ChunkCount           int              `json:"chunk_count"`
	Compression          Compression      `json:"compression"`
	Payload              []byte           `json:"payload"` // compressed bytes
	ChunkHash            [32]byte         `json:"-"`
	EventHash            [32]byte         `json:"-"`
	LogicalTimestampMs    int64            `json:"logical_timestamp_ms"`
	ClockSkewMs           int64            `json:"clock_skew_ms"`
	Attributes            map[string]string `json:"attributes,omitempty"`
}

// QueuedChunk is an EventChunk plus the monotonically increasing sequence
// assigned at enqueue and the enqueue timestamp. Sequence is the queue's
// sole primary key.
type QueuedChunk struct {
	EventChunk
	Sequence  int64 `json:"sequence"`
	CreatedAt int64 `json:"created_at"` // epoch seconds
}

// DataChunk is the wire (HTTP POST) rendering of a QueuedChunk: sensor
// identity and schema version added, timestamps as RFC3339 UTC strings,
// binary fields base64-encoded.
type DataChunk struct {
	SensorID            string            `json:"sensor_id"`
	SchemaVersion       string            `json:"schema_version"`
	Sequence            int64             `json:"sequence"`
	EventID             string            `json:"event_id"`
	ChunkIndex          int               `json:"chunk_index"`
	ChunkCount          int               `json:"chunk_count"`
	Compression         Compression       `json:"compression"`
	PayloadBase64       string            `json:"payload_base64"`
	ChunkSHA256         string            `json:"chunk_sha256"` // hex
	EventSHA256         string            `json:"event_sha256"` // hex
	LogicalTimestampMs  int64             `json:"logical_timestamp_ms"`
	ClockSkewMs         int64             `json:"clock_skew_ms"`
	Attributes          map[string]string `json:"attributes,omitempty"`
	CreatedAt           string            `json:"created_at"` // RFC3339 UTC
}

// ToDataChunk renders a QueuedChunk for the wire, stamping sensorID and the
// current schema version.
func (q QueuedChunk) ToDataChunk(sensorID string) DataChunk {
	return DataChunk{
		SensorID:           sensorID,
		SchemaVersion:      SchemaVersion,
		Sequence:           q.Sequence,
		EventID:            q.EventID,
		ChunkIndex:         q.ChunkIndex,
		ChunkCount:         q.ChunkCount,
		Compression:        q.Compression,
		PayloadBase64:      base64.StdEncoding.EncodeToString(q.Payload),
		ChunkSHA256:        fmt.Sprintf("%x", q.ChunkHash),
		EventSHA256:        fmt.Sprintf("%x", q.EventHash),
		LogicalTimestampMs: q.LogicalTimestampMs,
		ClockSkewMs:        q.ClockSkewMs,
		Attributes:         q.Attributes,
		CreatedAt:          time.Unix(q.CreatedAt, 0).UTC().Format(time.RFC3339),
	}
}

// DecodePayload base64-decodes Payload.
func (d DataChunk) DecodePayload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(d.PayloadBase64)
	if err != nil {
		return nil, fmt.Errorf("wire: decode payload_base64: %w", err)
	}
	return b, nil
}

// MarshalJSON renders an EventChunk with its hash fields hex-encoded under
// the wire's expected names, matching DataChunk's naming so both can share
// decoding helpers downstream.
func (e EventChunk) MarshalJSON() ([]byte, error) {
	type alias EventChunk
	return json.Marshal(struct {
		alias
		PayloadBase64 string `json:"payload_base64"`
		ChunkSHA256   string `json:"chunk_sha256"`
		EventSHA256   string `json:"event_sha256"`
	}{
		alias:         alias(e),
		PayloadBase64: base64.StdEncoding.EncodeToString(e.Payload),
		ChunkSHA256:   fmt.Sprintf("%x", e.ChunkHash),
		EventSHA256:   fmt.Sprintf("%x", e.EventHash),
	})
}

// UnmarshalJSON restores an EventChunk from MarshalJSON's rendering,
// decoding chunk_sha256/event_sha256 back into ChunkHash/EventHash. Without
// this, the default unmarshal path would silently zero both hash fields
// (they carry json:"-") on every read back from storage.
func (e *EventChunk) UnmarshalJSON(data []byte) error {
	type alias EventChunk
	aux := struct {
		*alias
		ChunkSHA256 string `json:"chunk_sha256"`
		EventSHA256 string `json:"event_sha256"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	chunkHash, err := decodeHash(aux.ChunkSHA256)
	if err != nil {
		return fmt.Errorf("wire: decode chunk_sha256: %w", err)
	}
	eventHash, err := decodeHash(aux.EventSHA256)
	if err != nil {
		return fmt.Errorf("wire: decode event_sha256: %w", err)
	}
	e.ChunkHash = chunkHash
	e.EventHash = eventHash

	return nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("expected %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}
