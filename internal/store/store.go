// Package store implements the server's deduplicating, assembling chunk
// store: the record of truth for ingested data, backed by the same
// WAL-journaled embedded key-value technology as the sensor queue (spec
// section 4.7).
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"sensorpipe/internal/chunker"
	"sensorpipe/internal/logging"
	"sensorpipe/internal/wire"
)

var (
	chunksBucket      = []byte("chunks")
	eventsBucket      = []byte("events")
	eventChunksBucket = []byte("event_chunks")
)

// ErrIntegrity is returned for any hash or immutable-field mismatch
// detected during ingest (spec section 4.7, step 1/5/6).
var ErrIntegrity = errors.New("store: integrity violation")

// DefaultRetention is the default retention window past event completion:
// 72 hours, matching the sensor queue's default (spec section 6).
const DefaultRetention = 72 * time.Hour

// Config configures Store.
type Config struct {
	Path      string
	Retention time.Duration // 0 selects DefaultRetention
	Now       func() time.Time
	Logger    *slog.Logger
}

// Store is the server's durable chunk/event record of truth.
type Store struct {
	mu        sync.Mutex
	db        *bbolt.DB
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	closed    bool
}

// Open opens (creating if absent) the store file at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}

	retention := cfg.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	db, err := bbolt.Open(cfg.Path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{chunksBucket, eventsBucket, eventChunksBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Store{
		db:        db,
		retention: retention,
		now:       now,
		logger:    logging.Default(cfg.Logger).With("component", "store"),
	}, nil
}

// chunkRecord is the persisted row shape of the chunks table.
type chunkRecord struct {
	SensorID           string          `json:"sensor_id"`
	Sequence           int64           `json:"sequence"`
	EventID            string          `json:"event_id"`
	ChunkIndex         int             `json:"chunk_index"`
	ChunkCount         int             `json:"chunk_count"`
	Compression        wire.Compression `json:"compression"`
	Payload            []byte          `json:"payload"`
	LogicalTimestampMs int64           `json:"logical_timestamp_ms"`
	ClockSkewMs        int64           `json:"clock_skew_ms"`
	CreatedAt          int64           `json:"created_at"`
}

// eventRecord is the persisted row shape of the events table.
type eventRecord struct {
	SensorID           string `json:"sensor_id"`
	EventID            string `json:"event_id"`
	ChunkCount         int    `json:"chunk_count"`
	EventSHA256        string `json:"event_sha256"` // hex
	ReceivedChunks     int    `json:"received_chunks"`
	LogicalTimestampMs int64  `json:"logical_timestamp_ms"`
	ClockSkewMs        int64  `json:"clock_skew_ms"`
	CreatedAt          int64  `json:"created_at"`
	UpdatedAt          int64  `json:"updated_at"`
	CompletedAt        int64  `json:"completed_at"` // 0 until complete
}

func chunkKey(sensorID string, seq int64) []byte {
	b := make([]byte, len(sensorID)+1+8)
	copy(b, sensorID)
	binary.BigEndian.PutUint64(b[len(sensorID)+1:], uint64(seq))
	return b
}

func eventKey(sensorID, eventID string) []byte {
	return []byte(sensorID + "\x00" + eventID)
}

func eventChunkKey(sensorID, eventID string, chunkIndex int) []byte {
	b := make([]byte, len(sensorID)+1+len(eventID)+1+4)
	n := copy(b, sensorID)
	b[n] = 0
	n++
	n += copy(b[n:], eventID)
	b[n] = 0
	n++
	binary.BigEndian.PutUint32(b[n:], uint32(chunkIndex))
	return b
}

// IngestResult reports the outcome of Ingest, per spec section 4.7.
type IngestResult struct {
	Stored             bool
	Duplicate          bool
	Sequence           int64
	EventID            string
	SensorID           string
	LogicalTimestampMs int64
	EventComplete      bool
	AssembledPayload   []byte
}

// Ingest applies one DataChunk inside a single atomic write: hash check,
// compression check, dedupe, chunk insert, event upsert, completion
// detection/assembly, and retention prune (spec section 4.7).
func (s *Store) Ingest(dc wire.DataChunk) (IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return IngestResult{}, fmt.Errorf("store: closed")
	}

	payload, err := dc.DecodePayload()
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != dc.ChunkSHA256 {
		return IngestResult{}, fmt.Errorf("%w: chunk_sha256 mismatch for sensor %s sequence %d", ErrIntegrity, dc.SensorID, dc.Sequence)
	}

	if !wire.ValidCompression(dc.Compression) {
		return IngestResult{}, fmt.Errorf("%w: unsupported compression %q", wire.ErrUnsupportedCompression, dc.Compression)
	}

	now := s.now()
	var result IngestResult

	err = s.db.Update(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(chunksBucket)
		events := tx.Bucket(eventsBucket)
		index := tx.Bucket(eventChunksBucket)

		ck := chunkKey(dc.SensorID, dc.Sequence)

		if existing := chunks.Get(ck); existing != nil {
			ev, everr := loadEvent(events, dc.SensorID, dc.EventID)
			if everr != nil {
				return everr
			}
			result = IngestResult{
				Stored:             false,
				Duplicate:          true,
				Sequence:           dc.Sequence,
				EventID:            dc.EventID,
				SensorID:           dc.SensorID,
				LogicalTimestampMs: dc.LogicalTimestampMs,
				EventComplete:      ev != nil && ev.CompletedAt > 0,
			}
			return nil
		}

		rec := chunkRecord{
			SensorID:           dc.SensorID,
			Sequence:           dc.Sequence,
			EventID:            dc.EventID,
			ChunkIndex:         dc.ChunkIndex,
			ChunkCount:         dc.ChunkCount,
			Compression:        dc.Compression,
			Payload:            payload,
			LogicalTimestampMs: dc.LogicalTimestampMs,
			ClockSkewMs:        dc.ClockSkewMs,
			CreatedAt:          now.Unix(),
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode chunk: %w", err)
		}
		if err := chunks.Put(ck, buf); err != nil {
			return err
		}
		if err := index.Put(eventChunkKey(dc.SensorID, dc.EventID, dc.ChunkIndex), ck); err != nil {
			return err
		}

		ev, err := loadEvent(events, dc.SensorID, dc.EventID)
		if err != nil {
			return err
		}
		if ev == nil {
			ev = &eventRecord{
				SensorID:           dc.SensorID,
				EventID:            dc.EventID,
				ChunkCount:         dc.ChunkCount,
				EventSHA256:        dc.EventSHA256,
				ReceivedChunks:     0,
				LogicalTimestampMs: dc.LogicalTimestampMs,
				ClockSkewMs:        dc.ClockSkewMs,
				CreatedAt:          now.Unix(),
			}
		} else if ev.EventSHA256 != dc.EventSHA256 || ev.ChunkCount != dc.ChunkCount {
			return fmt.Errorf("%w: event %s/%s chunk_count/event_sha256 disagreement", ErrIntegrity, dc.SensorID, dc.EventID)
		}

		ev.ReceivedChunks++
		ev.UpdatedAt = now.Unix()

		result = IngestResult{
			Stored:             true,
			Duplicate:          false,
			Sequence:           dc.Sequence,
			EventID:            dc.EventID,
			SensorID:           dc.SensorID,
			LogicalTimestampMs: dc.LogicalTimestampMs,
		}

		if ev.ReceivedChunks >= ev.ChunkCount && ev.CompletedAt == 0 {
			assembled, err := assemble(chunks, index, dc.SensorID, dc.EventID, ev.ChunkCount)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(assembled)
			if hex.EncodeToString(sum[:]) != ev.EventSHA256 {
				return fmt.Errorf("%w: assembled payload sha256 mismatch for %s/%s", ErrIntegrity, dc.SensorID, dc.EventID)
			}
			ev.CompletedAt = now.Unix()
			result.EventComplete = true
			result.AssembledPayload = assembled
		}

		if err := putEvent(events, ev); err != nil {
			return err
		}

		return pruneLocked(tx, now, s.retention)
	})
	if err != nil {
		return IngestResult{}, err
	}

	return result, nil
}

func loadEvent(events *bbolt.Bucket, sensorID, eventID string) (*eventRecord, error) {
	raw := events.Get(eventKey(sensorID, eventID))
	if raw == nil {
		return nil, nil
	}
	var ev eventRecord
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode event %s/%s: %w", sensorID, eventID, err)
	}
	return &ev, nil
}

func putEvent(events *bbolt.Bucket, ev *eventRecord) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return events.Put(eventKey(ev.SensorID, ev.EventID), buf)
}

// assemble decompresses and concatenates an event's chunks in ascending
// chunk_index order, independent of arrival order (spec section 5).
func assemble(chunks, index *bbolt.Bucket, sensorID, eventID string, chunkCount int) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < chunkCount; i++ {
		ck := index.Get(eventChunkKey(sensorID, eventID, i))
		if ck == nil {
			return nil, fmt.Errorf("%w: missing chunk_index %d for event %s/%s during assembly", ErrIntegrity, i, sensorID, eventID)
		}
		raw := chunks.Get(ck)
		if raw == nil {
			return nil, fmt.Errorf("%w: dangling chunk index entry for %s/%s", ErrIntegrity, sensorID, eventID)
		}
		var rec chunkRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode chunk during assembly: %w", err)
		}
		plain, err := chunker.Decompress(rec.Compression, rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("decompress chunk %d of %s/%s: %w", i, sensorID, eventID, err)
		}
		buf.Write(plain)
	}
	return buf.Bytes(), nil
}

// pruneLocked deletes events (and their chunks/index entries) whose last
// update is older than retention, regardless of completion state — the
// reference behavior allows pruning incomplete events too (spec section
// 9, open question 2).
func pruneLocked(tx *bbolt.Tx, now time.Time, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := now.Add(-retention).Unix()

	events := tx.Bucket(eventsBucket)
	chunks := tx.Bucket(chunksBucket)
	index := tx.Bucket(eventChunksBucket)

	var stale []eventRecord
	c := events.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var ev eventRecord
		if err := json.Unmarshal(v, &ev); err != nil {
			continue
		}
		if ev.UpdatedAt < cutoff {
			stale = append(stale, ev)
		}
	}

	for _, ev := range stale {
		for i := 0; i < ev.ChunkCount; i++ {
			eck := eventChunkKey(ev.SensorID, ev.EventID, i)
			if ck := index.Get(eck); ck != nil {
				if err := chunks.Delete(ck); err != nil {
					return err
				}
			}
			if err := index.Delete(eck); err != nil {
				return err
			}
		}
		if err := events.Delete(eventKey(ev.SensorID, ev.EventID)); err != nil {
			return err
		}
	}

	return nil
}

// Close releases the backing store. After Close, the Store must not be used.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
