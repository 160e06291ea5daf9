// Package control implements the server-side control-channel manager: a
// registry mapping sensor_id to its live session, connection auth, and the
// two send primitives other subsystems use (spec section 4.5).
package control

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sensorpipe/internal/logging"
	"sensorpipe/internal/wire"
)

// OnHeartbeat is invoked for every received heartbeat.
type OnHeartbeat func(sensorID string, hb wire.Heartbeat)

// OnMessage is invoked for every received envelope that is not a heartbeat.
type OnMessage func(sensorID string, env wire.ControlEnvelope)

// Config configures Manager.
type Config struct {
	// Tokens maps sensor_id to its expected bearer token.
	Tokens map[string]string

	PingInterval time.Duration // not read by Manager, which sends no pings
	PingTimeout  time.Duration

	OnHeartbeat OnHeartbeat
	OnMessage   OnMessage

	// OnCapabilities, when set, is called with every received envelope's
	// capabilities set, when non-empty, regardless of body_type — the scheduler's capability
	// registry subscribes here (see internal/scheduler).
	OnCapabilities func(sensorID string, capabilities []string)

	Logger *slog.Logger
}

// Manager is the server-side control-channel registry. Sessions are added
// on authenticated connect and removed on disconnect. The manager performs
// no business logic itself: receive hooks are the caller's responsibility
// (spec section 4.5).
type Manager struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	logger *slog.Logger
}

// New creates a Manager. A nil cfg.Tokens means no sensor can authenticate.
func New(cfg Config) *Manager {
	if cfg.Tokens == nil {
		cfg.Tokens = map[string]string{}
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 20 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		sessions: make(map[string]*session),
		logger:   logging.Default(cfg.Logger).With("component", "control"),
	}
}

type session struct {
	sensorID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (s *session) send(ctx context.Context, env wire.ControlEnvelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	return s.conn.WriteJSON(env)
}

// constantTimeEqual compares two strings in constant time, per spec
// section 4.5 and invariant 7.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ServeHTTP upgrades the connection to a control channel after validating
// X-Sensor-ID and Authorization headers. Close codes follow spec section 6:
// 1002 for a missing sensor id, 1008 for an unknown sensor or bad token,
// 1000 on graceful shutdown.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sensorID := r.Header.Get("X-Sensor-ID")
	if sensorID == "" {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "missing X-Sensor-ID", http.StatusBadRequest)
			return
		}
		closeWith(conn, websocket.CloseProtocolError, "missing X-Sensor-ID")
		return
	}

	token := bearerToken(r.Header.Get("Authorization"))
	expected, known := m.cfg.Tokens[sensorID]
	if !known || !constantTimeEqual(token, expected) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("upgrade failed", "sensor_id", sensorID, "error", err)
		return
	}

	sess := &session{sensorID: sensorID, conn: conn}
	m.register(sess)
	defer m.unregister(sensorID, sess)

	pingTimeout := m.cfg.PingTimeout
	_ = conn.SetReadDeadline(time.Now().Add(pingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingTimeout))
	})

	m.recvLoop(sess)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	_ = conn.Close()
}

func (m *Manager) register(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[s.sensorID]; ok {
		closeWith(old.conn, websocket.CloseNormalClosure, "superseded by new connection")
	}
	m.sessions[s.sensorID] = s
	m.logger.Info("sensor connected", "sensor_id", s.sensorID)
}

func (m *Manager) unregister(sensorID string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[sensorID]; ok && cur == s {
		delete(m.sessions, sensorID)
	}
	m.logger.Info("sensor disconnected", "sensor_id", sensorID)
}

func (m *Manager) recvLoop(s *session) {
	for {
		var env wire.ControlEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}

		if m.cfg.OnCapabilities != nil && len(env.Capabilities) > 0 {
			m.cfg.OnCapabilities(s.sensorID, env.Capabilities)
		}

		if env.BodyType == wire.BodyHeartbeat {
			if env.Heartbeat != nil && m.cfg.OnHeartbeat != nil {
				m.cfg.OnHeartbeat(s.sensorID, *env.Heartbeat)
			}
			continue
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(s.sensorID, env)
		}
	}
}

func (m *Manager) get(sensorID string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sensorID]
	return s, ok
}

// SendChunkRequest sends a ChunkRequest to sensorID, returning false if no
// live session exists. Callers treat false as "sensor offline" and do not
// retry (spec section 4.5).
func (m *Manager) SendChunkRequest(ctx context.Context, sensorID string, req wire.ChunkRequest) bool {
	s, ok := m.get(sensorID)
	if !ok {
		return false
	}
	if err := s.send(ctx, wire.ControlEnvelope{
		SchemaVersion: wire.SchemaVersion,
		SensorID:      sensorID,
		SentAt:        time.Now().UTC().Format(time.RFC3339),
		BodyType:      wire.BodyChunkRequest,
		ChunkRequest:  &req,
	}); err != nil {
		m.logger.Warn("send chunk_request failed", "sensor_id", sensorID, "error", err)
		return false
	}
	return true
}

// SendAck sends a ChunkAck to sensorID, returning false if no live session
// exists — the ack dispatch is best-effort (spec section 4.9).
func (m *Manager) SendAck(ctx context.Context, sensorID string, ack wire.ChunkAck) bool {
	s, ok := m.get(sensorID)
	if !ok {
		return false
	}
	if err := s.send(ctx, wire.ControlEnvelope{
		SchemaVersion: wire.SchemaVersion,
		SensorID:      sensorID,
		SentAt:        time.Now().UTC().Format(time.RFC3339),
		BodyType:      wire.BodyChunkAck,
		ChunkAck:      &ack,
	}); err != nil {
		m.logger.Warn("send chunk_ack failed", "sensor_id", sensorID, "error", err)
		return false
	}
	return true
}

// IsOnline reports whether sensorID currently has a live session.
func (m *Manager) IsOnline(sensorID string) bool {
	_, ok := m.get(sensorID)
	return ok
}

// Shutdown closes every live session gracefully (spec section 5).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		closeWith(s.conn, websocket.CloseNormalClosure, "server shutting down")
		delete(m.sessions, id)
	}
}
