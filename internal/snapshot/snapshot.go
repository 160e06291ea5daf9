// Package snapshot implements the server's last-assembled-payload cache
// and its authenticated WebSocket fan-out to observers (spec section 4.10).
package snapshot

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sensorpipe/internal/auth"
	"sensorpipe/internal/logging"
	"sensorpipe/internal/store"
)

// Snapshot is the most recently assembled event payload for one sensor.
// Replaced wholesale; no history is retained (spec section 3).
type Snapshot struct {
	SensorID           string    `json:"sensor_id"`
	EventID            string    `json:"event_id"`
	Payload            []byte    `json:"-"`
	LogicalTimestampMs int64     `json:"logical_timestamp_ms"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// wireSnapshot is Snapshot's JSON wire rendering, per spec section 6:
// payload is carried both as base64 and, best-effort, as parsed JSON for
// observers that expect structured payloads.
type wireSnapshot struct {
	SensorID           string          `json:"sensor_id"`
	EventID            string          `json:"event_id"`
	LogicalTimestampMs int64           `json:"logical_timestamp_ms"`
	UpdatedAt          string          `json:"updated_at"`
	PayloadBase64      string          `json:"payload_base64"`
	PayloadJSON        json.RawMessage `json:"payload_json,omitempty"`
}

func (s Snapshot) toWire() wireSnapshot {
	w := wireSnapshot{
		SensorID:           s.SensorID,
		EventID:            s.EventID,
		LogicalTimestampMs: s.LogicalTimestampMs,
		UpdatedAt:          s.UpdatedAt.UTC().Format(time.RFC3339),
		PayloadBase64:      base64.StdEncoding.EncodeToString(s.Payload),
	}
	if json.Valid(s.Payload) {
		w.PayloadJSON = json.RawMessage(s.Payload)
	}
	return w
}

// Cache is a thread-safe sensor_id -> Snapshot map.
type Cache struct {
	mu   sync.RWMutex
	byID map[string]Snapshot

	now func() time.Time
}

// NewCache creates an empty Cache.
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{byID: make(map[string]Snapshot), now: now}
}

// UpdateFromIngest replaces the sensor's snapshot and returns it, unless
// result.EventComplete is false or no assembled payload is present, in
// which case it returns (Snapshot{}, false) and leaves the cache untouched
// (spec section 4.10).
func (c *Cache) UpdateFromIngest(result store.IngestResult) (Snapshot, bool) {
	if !result.EventComplete || result.AssembledPayload == nil {
		return Snapshot{}, false
	}

	snap := Snapshot{
		SensorID:           result.SensorID,
		EventID:            result.EventID,
		Payload:            result.AssembledPayload,
		LogicalTimestampMs: result.LogicalTimestampMs,
		UpdatedAt:          c.now(),
	}

	c.mu.Lock()
	c.byID[result.SensorID] = snap
	c.mu.Unlock()

	return snap, true
}

// All returns every cached snapshot.
func (c *Cache) All() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Snapshot, 0, len(c.byID))
	for _, s := range c.byID {
		out = append(out, s)
	}
	return out
}

// StreamerConfig configures Streamer.
type StreamerConfig struct {
	// Token, if non-empty, is required via Authorization: Bearer <token>,
	// checked in constant time (spec section 4.10). Ignored when Tokens is
	// set.
	Token string

	// Tokens, if non-nil, verifies the bearer value as an HS256 JWT instead
	// of comparing against a single static token — the supplemented
	// signed-observer-token path (SPEC_FULL section 2).
	Tokens *auth.TokenService

	Logger *slog.Logger
}

// Streamer maintains the set of authenticated observer connections and
// fans out snapshot broadcasts to all of them.
type Streamer struct {
	cfg      StreamerConfig
	upgrader websocket.Upgrader
	cache    *Cache

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	logger *slog.Logger
}

// NewStreamer creates a Streamer backed by cache.
func NewStreamer(cache *Cache, cfg StreamerConfig) *Streamer {
	return &Streamer{
		cfg:      cfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		cache:    cache,
		clients:  make(map[*websocket.Conn]struct{}),
		logger:   logging.Default(cfg.Logger).With("component", "snapshot_streamer"),
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ServeHTTP upgrades an observer connection, authenticates it when a token
// is configured, delivers the current snapshot set, then registers the
// client for future broadcasts.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tokens != nil {
		if _, err := s.cfg.Tokens.Verify(bearerToken(r.Header.Get("Authorization"))); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else if s.cfg.Token != "" {
		token := bearerToken(r.Header.Get("Authorization"))
		if !constantTimeEqual(token, s.cfg.Token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("observer upgrade failed", "error", err)
		return
	}

	s.register(conn)
	defer s.unregister(conn)

	if err := s.sendBatch(conn, s.cache.All()); err != nil {
		return
	}

	// Observers are write-only from the server's perspective; drain and
	// discard any inbound frames until the connection closes so pong
	// control frames are still processed by gorilla's read loop.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func (s *Streamer) register(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[conn] = struct{}{}
}

func (s *Streamer) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
	_ = conn.Close()
}

type snapshotEnvelope struct {
	Type     string       `json:"type"`
	Snapshot wireSnapshot `json:"snapshot"`
}

type snapshotBatchEnvelope struct {
	Type      string         `json:"type"`
	Snapshots []wireSnapshot `json:"snapshots"`
}

func (s *Streamer) sendBatch(conn *websocket.Conn, snaps []Snapshot) error {
	wired := make([]wireSnapshot, 0, len(snaps))
	for _, sn := range snaps {
		wired = append(wired, sn.toWire())
	}
	return conn.WriteJSON(snapshotBatchEnvelope{Type: "snapshot_batch", Snapshots: wired})
}

// Broadcast sends one snapshot update to every registered observer.
// Clients that error on send are evicted (spec section 4.10).
func (s *Streamer) Broadcast(snap Snapshot) {
	env := snapshotEnvelope{Type: "snapshot", Snapshot: snap.toWire()}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(env); err != nil {
			s.unregister(conn)
		}
	}
}

// BroadcastAll sends the full current snapshot set to every registered
// observer, used on demand (e.g. periodic resync) outside of the
// per-connection initial delivery already performed in ServeHTTP.
func (s *Streamer) BroadcastAll() {
	snaps := s.cache.All()

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := s.sendBatch(conn, snaps); err != nil {
			s.unregister(conn)
		}
	}
}

// ClientCount reports the number of currently registered observers.
func (s *Streamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
