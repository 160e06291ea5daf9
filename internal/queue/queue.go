// Package queue implements the sensor's durable outbound queue: a
// crash-safe, single-writer, ordered log keyed by an auto-assigned
// monotonic sequence, backed by a single-file WAL-journaled embedded store
// (bbolt), matching the durability class described in spec section 4.2.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"sensorpipe/internal/logging"
	"sensorpipe/internal/wire"
)

var chunksBucket = []byte("chunks")

var (
	ErrQueueClosed  = errors.New("queue: closed")
	ErrMissingPath  = errors.New("queue: path is required")
)

// DefaultRetention is the default retention window: 72 hours, per spec
// section 4.2.
const DefaultRetention = 72 * time.Hour

// Config configures Queue.
type Config struct {
	Path      string
	Retention time.Duration // 0 selects DefaultRetention
	Now       func() time.Time
	Logger    *slog.Logger
}

// Queue is a crash-safe FIFO of wire.QueuedChunk rows, keyed by sequence.
// All operations are serialized by an internal mutex layered over bbolt's
// own single-writer transaction model — callers must not assume atomicity
// across multiple calls (spec section 5).
type Queue struct {
	mu        sync.Mutex
	db        *bbolt.DB
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	closed    bool
}

// Open opens (creating if absent) the queue file at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	if cfg.Path == "" {
		return nil, ErrMissingPath
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
		return nil, fmt.Errorf("queue: open %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chunksBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: init bucket: %w", err)
	}

	return &Queue{
		db:        db,
		retention: retention,
		now:       now,
		logger:    logging.Default(cfg.Logger).With("component", "queue"),
	}, nil
}

// record is the persisted row shape, encoded as JSON within the bucket.
type record struct {
	Chunk     wire.EventChunk `json:"chunk"`
	Sequence  int64           `json:"sequence"`
	CreatedAt int64           `json:"created_at"`
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func keySeq(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// Enqueue atomically assigns consecutive sequences to chunks, persists
// them, and prunes rows past retention in the same write transaction.
func (q *Queue) Enqueue(chunks []wire.EventChunk) ([]wire.QueuedChunk, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	now := q.now()
	out := make([]wire.QueuedChunk, 0, len(chunks))

	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(chunksBucket)

		for _, c := range chunks {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("assign sequence: %w", err)
			}
			seqInt := int64(seq)

			rec := record{Chunk: c, Sequence: seqInt, CreatedAt: now.Unix()}
			buf, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode chunk: %w", err)
			}
			if err := b.Put(seqKey(seqInt), buf); err != nil {
				return fmt.Errorf("put chunk: %w", err)
			}

			out = append(out, wire.QueuedChunk{EventChunk: c, Sequence: seqInt, CreatedAt: now.Unix()})
		}

		return pruneLocked(b, now, q.retention)
	})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}

	return out, nil
}

// pruneLocked deletes rows older than retention, called inside an existing
// write transaction. Best-effort buffer semantics: un-acked rows are
// pruned unconditionally (spec section 4.2).
func pruneLocked(b *bbolt.Bucket, now time.Time, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := now.Add(-retention).Unix()

	var stale [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if rec.CreatedAt < cutoff {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// PeekWindow returns rows with sequence > sinceSequence in ascending order.
// Accumulation stops once len >= maxChunks or the next row would exceed
// maxBytes of compressed payload — except the first row is always
// included even if it alone exceeds maxBytes, guaranteeing progress on
// oversize chunks (spec section 4.2). Peek does not mutate the queue.
func (q *Queue) PeekWindow(sinceSequence int64, maxChunks int, maxBytes int64) ([]wire.QueuedChunk, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	var out []wire.QueuedChunk
	var bytesSoFar int64

	err := q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		c := b.Cursor()

		start := seqKey(sinceSequence + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode chunk at seq %d: %w", keySeq(k), err)
			}

			if maxChunks > 0 && len(out) >= maxChunks {
				break
			}

			payloadLen := int64(len(rec.Chunk.Payload))
			if maxBytes > 0 && len(out) > 0 && bytesSoFar+payloadLen > maxBytes {
				break
			}

			out = append(out, wire.QueuedChunk{EventChunk: rec.Chunk, Sequence: rec.Sequence, CreatedAt: rec.CreatedAt})
			bytesSoFar += payloadLen
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: peek window: %w", err)
	}

	return out, nil
}

// DeleteSequences deletes the matching rows atomically; missing sequences
// are silently ignored. Returns the number of rows actually deleted.
func (q *Queue) DeleteSequences(seqs []int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	if len(seqs) == 0 {
		return 0, nil
	}

	deleted := 0
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		for _, seq := range seqs {
			k := seqKey(seq)
			if b.Get(k) == nil {
				continue
			}
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: delete sequences: %w", err)
	}

	return deleted, nil
}

// QueueDepth returns the number of rows currently queued.
func (q *Queue) QueueDepth() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	var n int64
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(chunksBucket).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// OldestAgeSeconds returns the age in seconds of the oldest queued row, or
// 0 if the queue is empty.
func (q *Queue) OldestAgeSeconds(now time.Time) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	var oldest int64
	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(chunksBucket).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		oldest = rec.CreatedAt
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: oldest age: %w", err)
	}
	if oldest == 0 {
		return 0, nil
	}
	return now.Sub(time.Unix(oldest, 0)).Seconds(), nil
}

// LastSequence returns the highest sequence ever assigned (0 if none).
func (q *Queue) LastSequence() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	var last int64
	err := q.db.View(func(tx *bbolt.Tx) error {
		last = int64(tx.Bucket(chunksBucket).Sequence())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: last sequence: %w", err)
	}
	return last, nil
}

// Close releases the backing store. After Close, the Queue must not be used.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}
