package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost:8470", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.False(t, cfg.Store.DefectRegistry)
	assert.False(t, cfg.Events.Enabled)
	assert.Equal(t, "governance", cfg.Events.SubjectPrefix)
	assert.Equal(t, "governd", cfg.Observability.ServiceName)
	assert.Equal(t, 20, cfg.Governance.MinObjectiveLength)
	assert.Equal(t, 50, cfg.Governance.BriefObjectiveLength)
	assert.Equal(t, 3, cfg.Governance.MinReviewMessages)
	assert.Equal(t, 20, cfg.Governance.MinReassessReason)
	assert.Equal(t, 50, cfg.Governance.MinReassessSummary)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, "unknown store driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = " " }, "store path is required"},
		{"memory without path", func(c *Config) { c.Store.Driver = DriverMemory; c.Store.Path = "" }, ""},
		{"events bad url", func(c *Config) { c.Events.Enabled = true; c.Events.NATSURL = "http://x" }, "nats_url"},
		{"events disabled bad url", func(c *Config) { c.Events.NATSURL = "http://x" }, ""},
		{"sampling out of range", func(c *Config) { c.Observability.SamplingRate = 1.5 }, "sampling_rate"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging format"},
		{"brief below min", func(c *Config) { c.Governance.BriefObjectiveLength = 10 }, "brief_objective_length"},
		{"trigger rate", func(c *Config) { c.Governance.TriggerRate = -1 }, "trigger_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("s3cret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "s3cret", s.Value())
	assert.True(t, s.IsSet())
	assert.Empty(t, Secret("").String())

	out, err := json.Marshal(EventsConfig{Token: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "s3cret")

	var back Secret
	assert.Error(t, json.Unmarshal([]byte(`"[REDACTED]"`), &back))
	require.NoError(t, json.Unmarshal([]byte(`"tok"`), &back))
	assert.Equal(t, "tok", back.Value())
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))
}
