// Package serverconfig loads the server's YAML configuration, matching
// the surface spec.md section 6 names for the server entry point.
package serverconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sensorpipe/internal/config"
)

// Config is the server's top-level configuration.
type Config struct {
	Store     Store     `yaml:"store"`
	Scheduler Scheduler `yaml:"scheduler"`
	Stream    Stream    `yaml:"stream"`
	Ingest    Ingest    `yaml:"ingest"`
	Control   Control   `yaml:"control"`
	Auth      Auth      `yaml:"auth"`
}

// Store configures the server's chunk/event store.
type Store struct {
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"`
}

// RetentionDuration returns RetentionHours as a time.Duration, or 0 if
// unset.
func (s Store) RetentionDuration() time.Duration {
	if s.RetentionHours <= 0 {
		return 0
	}
	return time.Duration(s.RetentionHours) * time.Hour
}

// Scheduler configures the request scheduler's default windowing policy.
type Scheduler struct {
	MaxChunks   int   `yaml:"max_chunks"`
	MaxBytes    int64 `yaml:"max_bytes"`
	MaxInFlight int   `yaml:"max_in_flight"`
}

// Stream configures the snapshot fan-out listener.
type Stream struct {
	Bind      string      `yaml:"bind"`
	Port      int         `yaml:"port"`
	TLS       config.TLS  `yaml:"tls"`
	Token     string      `yaml:"token"`
	JWTSecret string      `yaml:"jwt_secret"`
}

// Ingest configures the HTTP ingest front.
type Ingest struct {
	Bind string     `yaml:"bind"`
	Port int        `yaml:"port"`
	TLS  config.TLS `yaml:"tls"`
}

// Control configures the control-channel listener.
type Control struct {
	Bind string     `yaml:"bind"`
	Port int        `yaml:"port"`
	TLS  config.TLS `yaml:"tls"`
}

// Auth lists the sensors known to the server and their bearer tokens.
type Auth struct {
	Sensors []SensorAuth `yaml:"sensors"`
}

// SensorAuth is one entry in auth.sensors[].
type SensorAuth struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
}

// Tokens renders Auth.Sensors as the sensor_id -> token map control.Config
// and ingestapi.Config expect.
func (a Auth) Tokens() map[string]string {
	out := make(map[string]string, len(a.Sensors))
	for _, s := range a.Sensors {
		out[s.ID] = s.Token
	}
	return out
}

// Load reads and parses the server config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("serverconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("serverconfig: parse %s: %w", path, err)
	}

	return &cfg, nil
}
