package skew

import (
	"context"
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	c := Constant{Ms: 42}
	if got := c.EstimateMs(context.Background()); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestNTPFallsBackOnError(t *testing.T) {
	n := NTP{
		Server:   "127.0.0.1:1", // nothing listening, dial/read will fail or time out
		Timeout:  50 * time.Millisecond,
		Fallback: Constant{Ms: 7},
	}
	if got := n.EstimateMs(context.Background()); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestNTPNoFallbackReturnsZero(t *testing.T) {
	n := NTP{Server: "", Timeout: 10 * time.Millisecond}
	if got := n.EstimateMs(context.Background()); got != 0 {
		t.Fatalf("expected 0 with no fallback, got %d", got)
	}
}
