package backoff

import "testing"

func TestNextCapsAtMax(t *testing.T) {
	b := New(10, 40)
	for range 10 {
		d := b.Next()
		if d > 40 {
			t.Fatalf("delay %v exceeds max", d)
		}
	}
}

func TestResetRestartsAtBase(t *testing.T) {
	b := New(10, 1000)
	for range 5 {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	if d > 10 {
		t.Fatalf("expected first post-reset delay <= base (10), got %v", d)
	}
}
