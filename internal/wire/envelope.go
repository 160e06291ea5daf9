// Package wire defines the JSON wire protocol tying sensors to the server:
// control-channel envelopes (heartbeats, chunk requests, chunk acks,
// command responses) and the HTTP data-chunk body.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion is the current wire schema. It is opaque to the core;
// only monotonic comparison by callers is implied, never enforced here.
const SchemaVersion = "1.0"

// BodyType discriminates ControlEnvelope.Body.
type BodyType string

const (
	BodyHeartbeat        BodyType = "heartbeat"
	BodyChunkRequest     BodyType = "chunk_request"
	BodyChunkAck         BodyType = "chunk_ack"
	BodyCommandResponse  BodyType = "command_response"
)

var ErrUnknownBodyType = errors.New("wire: unknown body_type")

// Heartbeat is sent periodically by the sensor and carries its view of the
// world: the queue's ack high-water mark, current depth, and clock skew.
type Heartbeat struct {
	SoftwareVersion        string `json:"software_version"`
	LastCommittedSequence  int64  `json:"last_committed_sequence"`
	QueueDepth             int64  `json:"queue_depth"`
	ClockSkewMs            int64  `json:"clock_skew_ms"`
}

// ChunkRequest is sent by the server to pull a window of queued chunks.
type ChunkRequest struct {
	SinceSequence int64  `json:"since_sequence"`
	MaxChunks     int    `json:"max_chunks"`
	MaxBytes      int64  `json:"max_bytes"`
	WindowID      string `json:"window_id"`
	MaxInFlight   int    `json:"max_in_flight"`
}

// ChunkAck is sent by the server to acknowledge committed sequences.
type ChunkAck struct {
	WindowID            string  `json:"window_id"`
	CommittedSequences  []int64 `json:"committed_sequences"`
	ResetWindow         bool    `json:"reset_window"`
}

// CommandResponse carries the result of an out-of-band command. The core
// never issues commands itself; this variant exists so the envelope union
// is complete and forward-compatible.
type CommandResponse struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

// ControlEnvelope is the single message type exchanged over the persistent
// control channel. Body is a tagged union keyed by BodyType; exactly one of
// the Heartbeat/ChunkRequest/ChunkAck/CommandResponse fields is populated
// according to BodyType.
type ControlEnvelope struct {
	SchemaVersion string   `json:"schema_version"`
	SensorID      string   `json:"sensor_id"`
	SentAt        string   `json:"sent_at"` // RFC3339
	Capabilities  []string `json:"capabilities,omitempty"`
	BodyType      BodyType `json:"body_type"`

	Heartbeat       *Heartbeat       `json:"heartbeat,omitempty"`
	ChunkRequest    *ChunkRequest    `json:"chunk_request,omitempty"`
	ChunkAck        *ChunkAck        `json:"chunk_ack,omitempty"`
	CommandResponse *CommandResponse `json:"command_response,omitempty"`
}

// envelopeWire mirrors ControlEnvelope but nests the variant under "body",
// matching the wire shape described in spec section 3: the discriminator
// lives alongside a single "body" object rather than four optional fields.
type envelopeWire struct {
	SchemaVersion string          `json:"schema_version"`
	SensorID      string          `json:"sensor_id"`
	SentAt        string          `json:"sent_at"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	BodyType      BodyType        `json:"body_type"`
	Body          json.RawMessage `json:"body"`
}

// MarshalJSON encodes the envelope with its active variant nested under "body".
func (e ControlEnvelope) MarshalJSON() ([]byte, error) {
	var body any
	switch e.BodyType {
	case BodyHeartbeat:
		body = e.Heartbeat
	case BodyChunkRequest:
		body = e.ChunkRequest
	case BodyChunkAck:
		body = e.ChunkAck
	case BodyCommandResponse:
		body = e.CommandResponse
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBodyType, e.BodyType)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal body: %w", err)
	}

	return json.Marshal(envelopeWire{
		SchemaVersion: e.SchemaVersion,
		SensorID:      e.SensorID,
		SentAt:        e.SentAt,
		Capabilities:  e.Capabilities,
		BodyType:      e.BodyType,
		Body:          raw,
	})
}

// UnmarshalJSON decodes an envelope, dispatching "body" into the variant
// matching "body_type". An unrecognized body_type is preserved (logged and
// dropped by callers per spec section 7) rather than failing decode, so a
// forward-compatible field doesn't break the whole frame; however decode
// still fails if "body" itself cannot be parsed as raw JSON.
func (e *ControlEnvelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("wire: decode envelope: %w", err)
	}

	e.SchemaVersion = w.SchemaVersion
	e.SensorID = w.SensorID
	e.SentAt = w.SentAt
	e.Capabilities = w.Capabilities
	e.BodyType = w.BodyType
	e.Heartbeat = nil
	e.ChunkRequest = nil
	e.ChunkAck = nil
	e.CommandResponse = nil

	if len(w.Body) == 0 {
		return nil
	}

	switch w.BodyType {
	case BodyHeartbeat:
		e.Heartbeat = &Heartbeat{}
		return unmarshalBody(w.Body, e.Heartbeat)
	case BodyChunkRequest:
		e.ChunkRequest = &ChunkRequest{}
		return unmarshalBody(w.Body, e.ChunkRequest)
	case BodyChunkAck:
		e.ChunkAck = &ChunkAck{}
		return unmarshalBody(w.Body, e.ChunkAck)
	case BodyCommandResponse:
		e.CommandResponse = &CommandResponse{}
		return unmarshalBody(w.Body, e.CommandResponse)
	default:
		// Unknown body_type: leave body undecoded. Caller (agent/control
		// manager) is responsible for logging and ignoring per spec section 7.
		return nil
	}
}

func unmarshalBody(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("wire: decode body: %w", err)
	}
	return nil
}
