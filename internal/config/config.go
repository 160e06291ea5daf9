// Package config loads the sensor's YAML configuration, matching the
// surface spec.md section 6 names for the sensor entry point.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the sensor's top-level configuration.
type Config struct {
	SensorID        string    `yaml:"sensor_id"`
	Control         Control   `yaml:"control"`
	Ingest          Ingest    `yaml:"ingest"`
	Queue           Queue     `yaml:"queue"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Capabilities    []string  `yaml:"capabilities"`
	SoftwareVersion string    `yaml:"software_version"`
	TimeSync        TimeSync  `yaml:"time_sync"`
	Token           string    `yaml:"token"`
}

// Control configures the persistent control channel dial.
type Control struct {
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	PingInterval time.Duration    `yaml:"ping_interval"`
	PingTimeout  time.Duration    `yaml:"ping_timeout"`
	TLS         TLS               `yaml:"tls"`
}

// Ingest configures the HTTP chunk-ingest sender.
type Ingest struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	TLS     TLS               `yaml:"tls"`
}

// Queue configures the durable sensor queue.
type Queue struct {
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"`
}

// TimeSync configures the clock-skew estimator (SPEC_FULL section 3).
type TimeSync struct {
	Enabled         bool   `yaml:"enabled"`
	NTPServer       string `yaml:"ntp_server"`
	FallbackSkewMs  int64  `yaml:"fallback_skew_ms"`
}

// TLS names certificate material for a client or server endpoint. The
// pipeline core treats these as opaque file paths handed to crypto/tls;
// provisioning and rotation of the material are out of scope (spec
// section 1, peripheral collaborators).
type TLS struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads and parses the sensor config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &cfg, nil
}

// RetentionDuration returns Queue.RetentionHours as a time.Duration, or 0
// if unset (the caller's package then selects its own default).
func (q Queue) RetentionDuration() time.Duration {
	if q.RetentionHours <= 0 {
		return 0
	}
	return time.Duration(q.RetentionHours) * time.Hour
}
