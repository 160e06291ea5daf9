// Package dashboard provides an example aggregation over the snapshot
// cache for the optional GET /v1/dashboard route. Spec section 4.9 treats
// the dashboard view as "a pure derivation from snapshots" and leaves its
// shape to the caller; this is the supplemented reference aggregator,
// grounded in the original implementation's per-sensor summary view.
package dashboard

import (
	"net/http"
	"sort"

	"sensorpipe/internal/snapshot"
)

// SensorSummary is one row of the dashboard view.
type SensorSummary struct {
	SensorID           string `json:"sensor_id"`
	EventID            string `json:"event_id"`
	LogicalTimestampMs int64  `json:"logical_timestamp_ms"`
	UpdatedAt          string `json:"updated_at"`
	PayloadBytes       int    `json:"payload_bytes"`
}

// View is the full GET /v1/dashboard response body: one summary per sensor
// with a known snapshot, most-recently-updated first.
type View struct {
	Sensors []SensorSummary `json:"sensors"`
}

// Aggregate builds a View from every snapshot currently cached. Suitable
// as an ingestapi.DashboardFunc.
func Aggregate(cache *snapshot.Cache) func(*http.Request) (any, error) {
	return func(*http.Request) (any, error) {
		snaps := cache.All()
		sort.Slice(snaps, func(i, j int) bool {
			return snaps[i].UpdatedAt.After(snaps[j].UpdatedAt)
		})
		view := View{Sensors: make([]SensorSummary, 0, len(snaps))}
		for _, s := range snaps {
			view.Sensors = append(view.Sensors, SensorSummary{
				SensorID:           s.SensorID,
				EventID:            s.EventID,
				LogicalTimestampMs: s.LogicalTimestampMs,
				UpdatedAt:          s.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
				PayloadBytes:       len(s.Payload),
			})
		}
		return view, nil
	}
}
