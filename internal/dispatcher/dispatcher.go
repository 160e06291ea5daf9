// Package dispatcher tracks outstanding windows on the sensor side and
// translates server ChunkRequests into DataChunks, applying ChunkAcks
// against the durable queue. Dispatcher state is touched only from the
// agent's single event-loop goroutine — it is not safe for concurrent use
// (spec section 5).
package dispatcher

import (
	"fmt"
	"slices"
	"time"

	"sensorpipe/internal/queue"
	"sensorpipe/internal/wire"
)

// DefaultOverfetchFactor multiplies max_chunks/max_bytes when peeking the
// queue, to allow skipping rows already attributed to a different window
// (spec section 4.3, step 1).
const DefaultOverfetchFactor = 2

// Dispatcher holds in-flight window state for one sensor.
type Dispatcher struct {
	sensorID string
	q        *queue.Queue

	windows         map[string]map[int64]struct{} // window_id -> sequences
	inFlight        map[int64]string               // sequence -> window_id
	lastAckSequence int64
}

// New creates a Dispatcher bound to q for sensorID.
func New(sensorID string, q *queue.Queue) *Dispatcher {
	return &Dispatcher{
		sensorID: sensorID,
		q:        q,
		windows:  make(map[string]map[int64]struct{}),
		inFlight: make(map[int64]string),
	}
}

// LastAckSequence returns the last committed sequence applied via an ack.
func (d *Dispatcher) LastAckSequence() int64 { return d.lastAckSequence }

// QueueDepth reports the underlying queue's current depth, for heartbeats.
func (d *Dispatcher) QueueDepth() (int64, error) { return d.q.QueueDepth() }

// BuildChunks realizes a ChunkRequest into DataChunks ready to POST,
// per spec section 4.3.
func (d *Dispatcher) BuildChunks(req wire.ChunkRequest) ([]wire.DataChunk, error) {
	peeked, err := d.q.PeekWindow(req.SinceSequence, req.MaxChunks*DefaultOverfetchFactor, req.MaxBytes*DefaultOverfetchFactor)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: peek window: %w", err)
	}

	out := make([]wire.DataChunk, 0, min(len(peeked), max1(req.MaxChunks)))

	for _, qc := range peeked {
		if len(out) >= req.MaxChunks && req.MaxChunks > 0 {
			break
		}

		if owner, ok := d.inFlight[qc.Sequence]; ok && owner != req.WindowID {
			continue
		}

		if req.MaxInFlight > 0 && len(d.inFlight) >= req.MaxInFlight {
			break
		}

		if qc.Attributes == nil {
			qc.Attributes = make(map[string]string, 1)
		} else {
			// Don't mutate the shared map backing the queued row.
			attrs := make(map[string]string, len(qc.Attributes)+1)
			for k, v := range qc.Attributes {
				attrs[k] = v
			}
			qc.Attributes = attrs
		}
		qc.Attributes["window_id"] = req.WindowID

		dc := qc.ToDataChunk(d.sensorID)
		dc.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		out = append(out, dc)

		d.recordInFlight(req.WindowID, qc.Sequence)
	}

	return out, nil
}

func (d *Dispatcher) recordInFlight(windowID string, seq int64) {
	d.inFlight[seq] = windowID
	set, ok := d.windows[windowID]
	if !ok {
		set = make(map[int64]struct{})
		d.windows[windowID] = set
	}
	set[seq] = struct{}{}
}

// AckResult reports the effect of applying a ChunkAck, for observability.
type AckResult struct {
	Deleted   int
	Remaining int
}

// HandleAck applies a ChunkAck exactly once: committed sequences are
// deduped, sorted, deleted from the queue, released from in-flight
// tracking, and last_ack_sequence is advanced. Applying the same ack
// twice is a no-op (spec section 5).
//
// Per spec section 9's open question: reset_window drops only the window
// descriptor, not the in_flight entries other means may have recorded
// under it — those are released individually as their own sequences are
// acked below.
func (d *Dispatcher) HandleAck(ack wire.ChunkAck) (AckResult, error) {
	committed := dedupeSorted(ack.CommittedSequences)

	if ack.ResetWindow {
		delete(d.windows, ack.WindowID)
	}

	deleted, err := d.q.DeleteSequences(committed)
	if err != nil {
		return AckResult{}, fmt.Errorf("dispatcher: delete sequences: %w", err)
	}

	for _, seq := range committed {
		windowID, ok := d.inFlight[seq]
		if !ok {
			continue
		}
		delete(d.inFlight, seq)

		if set, ok := d.windows[windowID]; ok {
			delete(set, seq)
			if len(set) == 0 {
				delete(d.windows, windowID)
			}
		}
	}

	if len(committed) > 0 {
		last := committed[len(committed)-1]
		if last > d.lastAckSequence {
			d.lastAckSequence = last
		}
	}

	return AckResult{Deleted: deleted, Remaining: len(d.inFlight)}, nil
}

func dedupeSorted(seqs []int64) []int64 {
	if len(seqs) == 0 {
		return nil
	}
	out := slices.Clone(seqs)
	slices.Sort(out)
	return slices.Compact(out)
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
