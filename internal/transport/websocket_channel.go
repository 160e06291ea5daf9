package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sensorpipe/internal/wire"
)

// WebSocketConfig configures a sensor-side control channel dial.
type WebSocketConfig struct {
	URL          string
	SensorID     string
	Token        string
	Headers      map[string]string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// WebSocketChannel is the production ControlChannel implementation, a
// full-duplex persistent stream carrying one JSON ControlEnvelope per
// frame, per spec section 6.
type WebSocketChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// DialWebSocket opens the control channel, sending X-Sensor-ID and
// Authorization headers as required by spec section 6.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocketChannel, error) {
	header := http.Header{}
	header.Set("X-Sensor-ID", cfg.SensorID)
	header.Set("Authorization", "Bearer "+cfg.Token)
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		return nil, fmt.Errorf("transport: dial control channel %s: %w (status %s)", cfg.URL, err, status)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 20 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(pingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingTimeout))
	})

	ch := &WebSocketChannel{conn: conn}

	if cfg.PingInterval > 0 {
		go ch.pingLoop(cfg.PingInterval)
	}

	return ch, nil
}

func (c *WebSocketChannel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// Recv reads the next JSON-encoded ControlEnvelope frame.
func (c *WebSocketChannel) Recv(ctx context.Context) (wire.ControlEnvelope, error) {
	var env wire.ControlEnvelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return wire.ControlEnvelope{}, fmt.Errorf("transport: recv envelope: %w", err)
	}
	return env, nil
}

// Send writes env as a single JSON frame.
func (c *WebSocketChannel) Send(ctx context.Context, env wire.ControlEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("transport: send envelope: %w", err)
	}
	return nil
}

// Close closes the underlying connection with a graceful close frame.
func (c *WebSocketChannel) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
