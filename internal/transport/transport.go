// Package transport defines the sensor's view of the network as two small
// capability interfaces — a control channel and a chunk sender — per
// spec section 9: "implement as interface/trait types with one
// production impl (WebSocket / HTTP) and test doubles; no inheritance
// hierarchy."
package transport

import (
	"context"

	"sensorpipe/internal/wire"
)

// ControlChannel is the sensor's view of the persistent control stream:
// recv one envelope at a time, send one envelope at a time, close.
type ControlChannel interface {
	Recv(ctx context.Context) (wire.ControlEnvelope, error)
	Send(ctx context.Context, env wire.ControlEnvelope) error
	Close() error
}

// ChunkSender posts a single DataChunk to the server's ingest endpoint.
type ChunkSender interface {
	SendChunk(ctx context.Context, chunk wire.DataChunk) error
}
