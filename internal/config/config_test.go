package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "no coordinator role", mutate: func(c *Config) { c.Engine.CoordinatorRole = "" }, wantErr: "coordinator_role"},
		{name: "zero parallelism", mutate: func(c *Config) { c.Engine.MaxParallel = 0 }, wantErr: "max_parallel"},
		{name: "negative depth", mutate: func(c *Config) { c.Engine.MaxChildDepth = -1 }, wantErr: "max_child_depth"},
		{name: "unknown backend", mutate: func(c *Config) { c.Checkpoint.Backend = "redis" }, wantErr: "checkpoint.backend"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Checkpoint.Backend = BackendSQLite }, wantErr: "sqlite_path"},
		{name: "sqlite with path", mutate: func(c *Config) {
			c.Checkpoint.Backend, c.Checkpoint.SQLitePath = BackendSQLite, "/tmp/g.db"
		}},
		{name: "zero page size", mutate: func(c *Config) { c.Checkpoint.PageSize = 0 }, wantErr: "page_size"},
		{name: "zero tries", mutate: func(c *Config) { c.Checkpoint.Retry.MaxTries = 0 }, wantErr: "max_tries"},
		{name: "inverted intervals", mutate: func(c *Config) {
			c.Checkpoint.Retry.MaxInterval = Duration(time.Millisecond)
		}, wantErr: "max_interval"},
		{name: "empty role domain", mutate: func(c *Config) { c.Guard.Roles = map[string][]string{"auditor": {""}} }, wantErr: "guard.roles.auditor"},
		{name: "negative buffer", mutate: func(c *Config) { c.Events.Buffer = -1 }, wantErr: "events.buffer"},
		{name: "nats without url", mutate: func(c *Config) { c.Events.NATS = NATSConfig{Enabled: true} }, wantErr: "events.nats.url"},
		{name: "rate without burst", mutate: func(c *Config) { c.Workers.RateLimit = 1 }, wantErr: "workers.burst"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "zero shutdown", mutate: func(c *Config) { c.Server.ShutdownTimeout = 0 }, wantErr: "shutdown_timeout"},
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

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(out))
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "hunter2")

	out, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}

func TestSecret_UnmarshalIsVerbatim(t *testing.T) {
	var in struct{ Token Secret }
	require.NoError(t, json.Unmarshal([]byte(`{"Token":"[REDACTED]"}`), &in))
	assert.Equal(t, "[REDACTED]", in.Token.Value())

	require.NoError(t, json.Unmarshal([]byte(`{"Token":"s3cr3t"}`), &in))
	assert.Equal(t, "s3cr3t", in.Token.Value())
}
