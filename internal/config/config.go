// Package config loads governd configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// GOVERND_* environment variables. Load order and file checks live in
// loader.go.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the complete governd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Governance    GovernanceConfig    `koanf:"governance"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
	// DefectRegistry keeps the recurring-defect registry on the memory
	// driver. SQLite always carries the table.
	DefectRegistry bool `koanf:"defect_registry"`
}

// EventsConfig configures governance event publishing over NATS.
type EventsConfig struct {
	Enabled        bool     `koanf:"enabled"`
	NATSURL        string   `koanf:"nats_url"`
	SubjectPrefix  string   `koanf:"subject_prefix"`
	Token          Secret   `koanf:"token"`
	ConnectTimeout Duration `koanf:"connect_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	ServiceName     string  `koanf:"service_name"`
	Insecure        bool    `koanf:"insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
	Prometheus      bool    `koanf:"prometheus"`
}

// LoggingConfig holds the process logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// GovernanceConfig holds governance thresholds and trigger limits.
type GovernanceConfig struct {
	MinObjectiveLength   int      `koanf:"min_objective_length"`
	BriefObjectiveLength int      `koanf:"brief_objective_length"`
	MinReviewMessages    int      `koanf:"min_review_messages"`
	MinReassessReason    int      `koanf:"min_reassess_reason"`
	MinReassessSummary   int      `koanf:"min_reassess_summary"`
	TriggerTimeout       Duration `koanf:"trigger_timeout"`
	TriggerRate          float64  `koanf:"trigger_rate"`
	TriggerBurst         int      `koanf:"trigger_burst"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8470
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.local/share/governd/governance.db"
	}

	if cfg.Events.NATSURL == "" {
		cfg.Events.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "governance"
	}
	if cfg.Events.ConnectTimeout == 0 {
		cfg.Events.ConnectTimeout = Duration(5 * time.Second)
	}

	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "governd"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	g := &cfg.Governance
	if g.MinObjectiveLength == 0 {
		g.MinObjectiveLength = 20
	}
	if g.BriefObjectiveLength == 0 {
		g.BriefObjectiveLength = 50
	}
	if g.MinReviewMessages == 0 {
		g.MinReviewMessages = 3
	}
	if g.MinReassessReason == 0 {
		g.MinReassessReason = 20
	}
	if g.MinReassessSummary == 0 {
		g.MinReassessSummary = 50
	}
	if g.TriggerTimeout == 0 {
		g.TriggerTimeout = Duration(10 * time.Second)
	}
	if g.TriggerRate == 0 {
		g.TriggerRate = 5
	}
	if g.TriggerBurst == 0 {
		g.TriggerBurst = 10
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q (want sqlite or memory)", c.Store.Driver)
	}

	if c.Events.Enabled {
		if !strings.HasPrefix(c.Events.NATSURL, "nats://") && !strings.HasPrefix(c.Events.NATSURL, "tls://") {
			return fmt.Errorf("events nats_url must use nats:// or tls://, got %q", c.Events.NATSURL)
		}
		if strings.TrimSpace(c.Events.SubjectPrefix) == "" {
			return errors.New("events subject_prefix is required when events are enabled")
		}
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("observability sampling_rate must be between 0 and 1, got %v", c.Observability.SamplingRate)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format)
	}

	g := c.Governance
	if g.MinObjectiveLength < 0 || g.BriefObjectiveLength < g.MinObjectiveLength {
		return fmt.Errorf("brief_objective_length (%d) must be at least min_objective_length (%d)",
			g.BriefObjectiveLength, g.MinObjectiveLength)
	}
	if g.TriggerTimeout.Duration() <= 0 {
		return errors.New("governance trigger_timeout must be positive")
	}
	if g.TriggerRate <= 0 || g.TriggerBurst <= 0 {
		return errors.New("governance trigger_rate and trigger_burst must be positive")
	}
	return nil
}
