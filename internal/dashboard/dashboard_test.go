package dashboard

import (
	"testing"
	"time"

	"sensorpipe/internal/snapshot"
	"sensorpipe/internal/store"
)

func TestAggregateOrdersByMostRecent(t *testing.T) {
	cache := snapshot.NewCache(time.Now)
	cache.UpdateFromIngest(store.IngestResult{SensorID: "s1", EventID: "e1", EventComplete: true, AssembledPayload: []byte("a")})
	time.Sleep(10 * time.Millisecond)
	cache.UpdateFromIngest(store.IngestResult{SensorID: "s2", EventID: "e2", EventComplete: true, AssembledPayload: []byte("bb")})

	view, err := Aggregate(cache)(nil)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := view.(View)
	if !ok {
		t.Fatalf("expected View, got %T", view)
	}
	if len(v.Sensors) != 2 {
		t.Fatalf("expected 2 sensors, got %d", len(v.Sensors))
	}
	if v.Sensors[0].SensorID != "s2" {
		t.Fatalf("expected most recently updated sensor first, got %+v", v.Sensors)
	}
}
