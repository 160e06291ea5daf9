// Package agent implements the sensor's coordinator: a cooperative,
// single-threaded control loop plus a heartbeat timer sharing one stop
// signal, per spec section 4.4.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sensorpipe/internal/backoff"
	"sensorpipe/internal/dispatcher"
	"sensorpipe/internal/logging"
	"sensorpipe/internal/skew"
	"sensorpipe/internal/transport"
	"sensorpipe/internal/wire"
)

// Dialer lazily opens a fresh control channel, called on startup and
// after every disconnect.
type Dialer func(ctx context.Context) (transport.ControlChannel, error)

// Config configures Agent.
type Config struct {
	SensorID          string
	SoftwareVersion   string
	Capabilities      []string
	HeartbeatInterval time.Duration // default 30s

	Dial   Dialer
	Sender transport.ChunkSender
	Skew   skew.Estimator

	Logger *slog.Logger
}

// Agent is the sensor-side coordinator.
type Agent struct {
	cfg  Config
	disp *dispatcher.Dispatcher

	channelMu sync.Mutex
	channel   transport.ControlChannel

	logger *slog.Logger
}

// setChannel replaces the current control channel, guarding against the
// independently goroutined heartbeatLoop reading it concurrently from
// sendHeartbeat.
func (a *Agent) setChannel(ch transport.ControlChannel) {
	a.channelMu.Lock()
	a.channel = ch
	a.channelMu.Unlock()
}

func (a *Agent) getChannel() transport.ControlChannel {
	a.channelMu.Lock()
	defer a.channelMu.Unlock()
	return a.channel
}

// New creates an Agent driving disp.
func New(cfg Config, disp *dispatcher.Dispatcher) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Skew == nil {
		cfg.Skew = skew.Constant{}
	}
	return &Agent{
		cfg:    cfg,
		disp:   disp,
		logger: logging.Default(cfg.Logger).With("component", "agent", "sensor_id", cfg.SensorID),
	}
}

// Run blocks, driving the control-recv loop and the heartbeat timer until
// ctx is cancelled. Both loops share ctx as their stop signal; cancelling
// it closes the control channel and causes both to return.
func (a *Agent) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.heartbeatLoop(ctx)
	}()

	a.mainLoop(ctx)

	<-done
	if ch := a.getChannel(); ch != nil {
		_ = ch.Close()
	}
	return ctx.Err()
}

// mainLoop owns reconnection: it dials lazily, sends the handshake
// heartbeat, then receives envelopes until an error forces a reconnect
// with jittered exponential backoff (spec section 4.4).
func (a *Agent) mainLoop(ctx context.Context) {
	bo := backoff.New(0, 0)

	for {
		if ctx.Err() != nil {
			return
		}

		ch := a.getChannel()
		if ch == nil {
			dialed, err := a.cfg.Dial(ctx)
			if err != nil {
				a.logger.Warn("control channel dial failed", "error", err)
				if !sleepCtx(ctx, bo.Next()) {
					return
				}
				continue
			}
			a.setChannel(dialed)
			ch = dialed

			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Warn("handshake heartbeat failed", "error", err)
				_ = ch.Close()
				a.setChannel(nil)
				if !sleepCtx(ctx, bo.Next()) {
					return
				}
				continue
			}
			bo.Reset()
		}

		env, err := ch.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("control channel recv failed, reconnecting", "error", err)
			_ = ch.Close()
			a.setChannel(nil)
			if !sleepCtx(ctx, bo.Next()) {
				return
			}
			continue
		}

		bo.Reset()
		a.dispatch(ctx, env)
	}
}

func (a *Agent) dispatch(ctx context.Context, env wire.ControlEnvelope) {
	switch env.BodyType {
	case wire.BodyChunkRequest:
		if env.ChunkRequest == nil {
			a.logger.Warn("chunk_request envelope missing body")
			return
		}
		a.handleChunkRequest(ctx, *env.ChunkRequest)
	case wire.BodyChunkAck:
		if env.ChunkAck == nil {
			a.logger.Warn("chunk_ack envelope missing body")
			return
		}
		if _, err := a.disp.HandleAck(*env.ChunkAck); err != nil {
			a.logger.Warn("handle ack failed", "error", err)
		}
	case wire.BodyHeartbeat:
		a.logger.Debug("received heartbeat from server")
	case wire.BodyCommandResponse:
		a.logger.Debug("received command response", "command_id", safeCommandID(env.CommandResponse))
	default:
		a.logger.Warn("unknown body_type, ignoring", "body_type", env.BodyType)
	}
}

func safeCommandID(r *wire.CommandResponse) string {
	if r == nil {
		return ""
	}
	return r.CommandID
}

// handleChunkRequest realizes the request into DataChunks and sends each
// with per-chunk exponential backoff on failure and no attempt cap —
// chunks are never dropped by the agent (spec section 4.4).
func (a *Agent) handleChunkRequest(ctx context.Context, req wire.ChunkRequest) {
	chunks, err := a.disp.BuildChunks(req)
	if err != nil {
		a.logger.Warn("build chunks failed", "error", err)
		return
	}

	for _, c := range chunks {
		a.sendChunkWithRetry(ctx, c)
	}
}

func (a *Agent) sendChunkWithRetry(ctx context.Context, c wire.DataChunk) {
	bo := backoff.New(0, 0)
	for {
		if ctx.Err() != nil {
			return
		}
		err := a.cfg.Sender.SendChunk(ctx, c)
		if err == nil {
			return
		}
		a.logger.Warn("send chunk failed, retrying", "sequence", c.Sequence, "error", err)
		if !sleepCtx(ctx, bo.Next()) {
			return
		}
	}
}

// heartbeatLoop emits a Heartbeat every HeartbeatInterval, early-exiting
// on shutdown. Send failures are logged and swallowed (spec section 4.4).
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat send failed", "error", err)
			}
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	ch := a.getChannel()
	if ch == nil {
		return nil
	}

	depth, _ := a.disp.QueueDepth()

	env := wire.ControlEnvelope{
		SchemaVersion: wire.SchemaVersion,
		SensorID:      a.cfg.SensorID,
		SentAt:        time.Now().UTC().Format(time.RFC3339),
		Capabilities:  a.cfg.Capabilities,
		BodyType:      wire.BodyHeartbeat,
		Heartbeat: &wire.Heartbeat{
			SoftwareVersion:       a.cfg.SoftwareVersion,
			LastCommittedSequence: a.disp.LastAckSequence(),
			QueueDepth:            depth,
			ClockSkewMs:           a.cfg.Skew.EstimateMs(ctx),
		},
	}

	return ch.Send(ctx, env)
}

// sleepCtx sleeps for d or until ctx is done, returning false if ctx ended
// the wait first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
