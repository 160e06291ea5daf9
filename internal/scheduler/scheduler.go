// Package scheduler is the thin policy layer atop the control manager that
// issues windowed ChunkRequests, per spec section 4.6.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sensorpipe/internal/offsets"
	"sensorpipe/internal/wire"
)

// Sender is the subset of *control.Manager the scheduler depends on.
type Sender interface {
	SendChunkRequest(ctx context.Context, sensorID string, req wire.ChunkRequest) bool
}

// Clock supplies epoch milliseconds for default window_id generation;
// injectable for deterministic tests.
type Clock func() int64

// Config configures Scheduler with the server's default windowing policy
// (spec section 6's wire defaults).
type Config struct {
	MaxChunks   int   // default 32
	MaxBytes    int64 // default 2 MiB
	MaxInFlight int   // default 32

	Now Clock
}

// Scheduler issues ChunkRequests against a control-channel Sender, default
// since_sequence. resolved from the ack-based Offsets tracker (not the
// store) to guarantee progress after a server restart.
type Scheduler struct {
	sender  Sender
	offsets *offsets.Tracker
	caps    *CapabilityRegistry
	cfg     Config
}

// New creates a Scheduler.
func New(sender Sender, offs *offsets.Tracker, caps *CapabilityRegistry, cfg Config) *Scheduler {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 32
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 32
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Scheduler{sender: sender, offsets: offs, caps: caps, cfg: cfg}
}

// Options overrides the defaults for a single RequestSensor call; zero
// values select the Scheduler's configured defaults.
type Options struct {
	WindowID      string
	SinceSequence *int64
	MaxChunks     int
	MaxBytes      int64
}

// RequestSensor issues one ChunkRequest to sensorID, returning whether a
// live session accepted it (spec section 4.6).
func (s *Scheduler) RequestSensor(ctx context.Context, sensorID string, opts Options) bool {
	windowID := opts.WindowID
	if windowID == "" {
		windowID = fmt.Sprintf("%s-%d", sensorID, s.cfg.Now())
	}

	since := s.offsets.Get(sensorID)
	if opts.SinceSequence != nil {
		since = *opts.SinceSequence
	}

	maxChunks := opts.MaxChunks
	if maxChunks <= 0 {
		maxChunks = s.cfg.MaxChunks
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = s.cfg.MaxBytes
	}

	if s.caps != nil {
		if clamp, ok := s.caps.MaxWindowBytes(sensorID); ok && clamp < maxBytes {
			maxBytes = clamp
		}
	}

	return s.sender.SendChunkRequest(ctx, sensorID, wire.ChunkRequest{
		SinceSequence: since,
		MaxChunks:     maxChunks,
		MaxBytes:      maxBytes,
		WindowID:      windowID,
		MaxInFlight:   s.cfg.MaxInFlight,
	})
}

// RequestSensors fans RequestSensor out concurrently across ids, per spec
// section 4.6.
func (s *Scheduler) RequestSensors(ctx context.Context, ids []string) map[string]bool {
	results := make(map[string]bool, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(sensorID string) {
			defer wg.Done()
			ok := s.RequestSensor(ctx, sensorID, Options{})
			mu.Lock()
			results[sensorID] = ok
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return results
}

// CapabilityRegistry tracks each sensor's last-declared capability set and
// exposes the one clamp the server honors today: max_window_bytes. This is
// a supplemented feature (the original implementation rejects oversized
// windows based on sensor-declared capabilities); the wire protocol itself
// gains no new fields — capabilities remain an opaque "key=value" string
// set.
type CapabilityRegistry struct {
	mu   sync.RWMutex
	caps map[string][]string
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{caps: make(map[string][]string)}
}

// Update replaces sensorID's known capability set. Intended as
// control.Config.OnCapabilities.
func (r *CapabilityRegistry) Update(sensorID string, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[sensorID] = capabilities
}

// MaxWindowBytes returns the sensor's declared max_window_bytes capability,
// if present, as "max_window_bytes=<n>".
func (r *CapabilityRegistry) MaxWindowBytes(sensorID string) (int64, bool) {
	r.mu.RLock()
	caps := r.caps[sensorID]
	r.mu.RUnlock()

	for _, c := range caps {
		k, v, ok := strings.Cut(c, "=")
		if !ok || k != "max_window_bytes" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}
