package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadParsesFullSensorConfig(t *testing.T) {
	yamlDoc := `
sensor_id: s1
control:
  url: wss://control.example.com/v1/control
  headers:
    X-Extra: foo
  ping_interval: 20s
  ping_timeout: 20s
ingest:
  url: https://ingest.example.com/v1/ingest/chunk
  timeout: 10s
queue:
  path: /var/lib/sensorpipe/queue.db
  retention_hours: 72
heartbeat_interval: 30s
capabilities:
  - max_window_bytes=1048576
software_version: 1.2.3
time_sync:
  enabled: true
  ntp_server: pool.ntp.org:123
  fallback_skew_ms: 0
token: secret-token
`
	path := filepath.Join(t.TempDir(), "sensor.yaml")
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.SensorID != "s1" {
		t.Errorf("sensor_id: got %q", cfg.SensorID)
	}
	if cfg.Control.URL != "wss://control.example.com/v1/control" {
		t.Errorf("control.url: got %q", cfg.Control.URL)
	}
	if cfg.Control.PingInterval != 20*time.Second {
		t.Errorf("control.ping_interval: got %v", cfg.Control.PingInterval)
	}
	if cfg.Queue.RetentionHours != 72 {
		t.Errorf("queue.retention_hours: got %d", cfg.Queue.RetentionHours)
	}
	if cfg.Queue.RetentionDuration() != 72*time.Hour {
		t.Errorf("RetentionDuration: got %v", cfg.Queue.RetentionDuration())
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval: got %v", cfg.HeartbeatInterval)
	}
	if !cfg.TimeSync.Enabled || cfg.TimeSync.NTPServer != "pool.ntp.org:123" {
		t.Errorf("time_sync: got %+v", cfg.TimeSync)
	}
	if cfg.Token != "secret-token" {
		t.Errorf("token: got %q", cfg.Token)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRetentionDurationZeroWhenUnset(t *testing.T) {
	q := Queue{}
	if d := q.RetentionDuration(); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
}
