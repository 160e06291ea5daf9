// Package skew estimates sensor-vs-reference clock skew. The core treats
// the resulting value as opaque metadata (spec section 9); this package
// only produces it.
package skew

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Estimator reports the current clock skew estimate in milliseconds.
// Positive means the local clock is ahead of the reference.
type Estimator interface {
	EstimateMs(ctx context.Context) int64
}

// Constant always reports a fixed skew, used when time sync is disabled or
// as the fallback for NTP probing, per time_sync.fallback_skew_ms.
type Constant struct {
	Ms int64
}

func (c Constant) EstimateMs(context.Context) int64 { return c.Ms }

// NTP estimates skew via a best-effort SNTP round trip to Server. On any
// error it falls back to Fallback's estimate rather than failing — clock
// skew is opaque, non-critical metadata, and the agent must keep running
// without a reachable time source.
type NTP struct {
	Server   string
	Timeout  time.Duration
	Fallback Estimator
}

func (n NTP) EstimateMs(ctx context.Context) int64 {
	ms, err := probe(ctx, n.Server, n.Timeout)
	if err != nil {
		if n.Fallback != nil {
			return n.Fallback.EstimateMs(ctx)
		}
		return 0
	}
	return ms
}

const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970

// probe issues a single minimal SNTP request and returns the estimated
// skew in milliseconds between the local clock and the server's clock,
// using the classic (T1,T2,T3,T4) round-trip calculation.
func probe(ctx context.Context, server string, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if server == "" {
		return 0, fmt.Errorf("skew: empty ntp server")
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return 0, fmt.Errorf("skew: dial %s: %w", server, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	req := make([]byte, 48)
	req[0] = 0x1B // LI=0, VN=3, Mode=3 (client)

	t1 := time.Now()
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("skew: write: %w", err)
	}

	resp := make([]byte, 48)
	if _, err := conn.Read(resp); err != nil {
		return 0, fmt.Errorf("skew: read: %w", err)
	}
	t4 := time.Now()

	t3 := ntpToTime(resp[40:48])
	t2 := ntpToTime(resp[32:40])

	// offset = ((T2-T1) + (T3-T4)) / 2 is the server clock minus the local
	// clock; the skew reported is its negation (local minus reference).
	offset := (t2.Sub(t1) + t3.Sub(t4)) / 2
	return -offset.Milliseconds(), nil
}

func ntpToTime(b []byte) time.Time {
	seconds := binary.BigEndian.Uint32(b[0:4])
	fraction := binary.BigEndian.Uint32(b[4:8])
	secs := int64(seconds) - ntpEpochOffset
	nanos := (int64(fraction) * 1e9) >> 32
	return time.Unix(secs, nanos).UTC()
}
