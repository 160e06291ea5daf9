// Package ingestapi is the server's HTTP ingest front: request parsing,
// auth, store.Ingest, offset update, best-effort ack dispatch, and
// snapshot-completion scheduling (spec section 4.9).
package ingestapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sensorpipe/internal/logging"
	"sensorpipe/internal/offsets"
	"sensorpipe/internal/store"
	"sensorpipe/internal/wire"
)

// AckSender is the subset of *control.Manager the ingest front depends on.
type AckSender interface {
	SendAck(ctx context.Context, sensorID string, ack wire.ChunkAck) bool
}

// OnSnapshot is invoked with the ingest result whenever an event completes
// with an assembled payload, scheduled asynchronously off the request path.
type OnSnapshot func(result store.IngestResult)

// DashboardFunc renders the optional GET /v1/dashboard response body.
type DashboardFunc func(r *http.Request) (any, error)

// Config configures Front.
type Config struct {
	Store   *store.Store
	Offsets *offsets.Tracker
	Acks    AckSender

	// Tokens maps sensor_id to its expected bearer token (spec section 4.9).
	Tokens map[string]string

	OnSnapshot OnSnapshot
	Dashboard  DashboardFunc

	// CORSAllowOrigins is the configured CORS allow-list for OPTIONS
	// preflight (spec section 4.9).
	CORSAllowOrigins []string

	// RateLimit and RateBurst configure the per-sensor ingest throttle.
	// Zero RateLimit disables throttling.
	RateLimit rate.Limit
	RateBurst int

	Logger *slog.Logger
}

// Front is the HTTP ingest server.
type Front struct {
	cfg    Config
	logger *slog.Logger
	limits *perSensorLimiter
}

// New creates a Front.
func New(cfg Config) *Front {
	if cfg.Tokens == nil {
		cfg.Tokens = map[string]string{}
	}
	f := &Front{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingestapi"),
	}
	if cfg.RateLimit > 0 {
		f.limits = newPerSensorLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return f
}

// Handler returns the ingest front's http.Handler, routing the endpoints
// described in spec section 4.9.
func (f *Front) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest/chunk", f.handleIngest)
	mux.HandleFunc("GET /v1/dashboard", f.handleDashboard)
	mux.HandleFunc("GET /healthz", f.handleHealthz)
	mux.HandleFunc("OPTIONS /", f.handleOptions)
	return f.withCORS(mux)
}

func (f *Front) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && f.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Front) originAllowed(origin string) bool {
	for _, o := range f.cfg.CORSAllowOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (f *Front) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (f *Front) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (f *Front) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if f.cfg.Dashboard == nil {
		http.NotFound(w, r)
		return
	}
	body, err := f.cfg.Dashboard(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		f.logger.Warn("encode dashboard response failed", "error", err)
	}
}

type ingestResponse struct {
	Stored                bool   `json:"stored"`
	Duplicate             bool   `json:"duplicate"`
	Sequence              int64  `json:"sequence"`
	EventID               string `json:"event_id"`
	SensorID              string `json:"sensor_id"`
	EventComplete         bool   `json:"event_complete"`
	LastCommittedSequence int64  `json:"last_committed_sequence"`
}

func (f *Front) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var dc wire.DataChunk
	if err := json.Unmarshal(body, &dc); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if !f.authorized(dc.SensorID, r.Header.Get("Authorization")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if f.limits != nil && !f.limits.Allow(dc.SensorID) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	result, err := f.cfg.Store.Ingest(dc)
	if err != nil {
		if errors.Is(err, store.ErrIntegrity) || errors.Is(err, wire.ErrUnsupportedCompression) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	last := f.cfg.Offsets.Update(dc.SensorID, dc.Sequence)

	go f.dispatchAck(dc)

	if result.EventComplete && result.AssembledPayload != nil && f.cfg.OnSnapshot != nil {
		go f.cfg.OnSnapshot(result)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ingestResponse{
		Stored:                result.Stored,
		Duplicate:             result.Duplicate,
		Sequence:              result.Sequence,
		EventID:               result.EventID,
		SensorID:              result.SensorID,
		EventComplete:         result.EventComplete,
		LastCommittedSequence: last,
	})
}

// dispatchAck schedules a best-effort ack for the ingested chunk: if the
// control session is absent, the ack is dropped — the sensor re-requests
// via its next heartbeat/window (spec section 4.9).
func (f *Front) dispatchAck(dc wire.DataChunk) {
	if f.cfg.Acks == nil {
		return
	}
	windowID := dc.Attributes["window_id"]
	if windowID == "" {
		windowID = "default"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.cfg.Acks.SendAck(ctx, dc.SensorID, wire.ChunkAck{
		WindowID:           windowID,
		CommittedSequences: []int64{dc.Sequence},
	})
}

func (f *Front) authorized(sensorID, authHeader string) bool {
	expected, ok := f.cfg.Tokens[sensorID]
	if !ok {
		return false
	}
	token := bearerToken(authHeader)
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// perSensorLimiter rate-limits ingest requests per sensor_id, adapted from
// the teacher's per-IP auth-endpoint limiter to key on sensor identity
// instead of remote address (spec section 4.9's front-door throttling).
type perSensorLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newPerSensorLimiter(r rate.Limit, burst int) *perSensorLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &perSensorLimiter{limiters: make(map[string]*rate.Limiter), rate: r, burst: burst}
}

func (l *perSensorLimiter) Allow(sensorID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[sensorID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[sensorID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
