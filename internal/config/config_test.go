package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "*/15 * * * *", cfg.Jobs.Reveal.Schedule)
	assert.Equal(t, "5,20,35,50 * * * *", cfg.Jobs.Invites.Schedule)
	assert.Equal(t, "10,25,40,55 * * * *", cfg.Jobs.Attendance.Schedule)
	assert.Equal(t, 2*time.Hour, cfg.Jobs.Attendance.Window)
	assert.Equal(t, "noreply@localhost", cfg.Invites.OrganizerEmail)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoad_PartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
timezone: Europe/Warsaw
log_level: debug
store:
  driver: bbolt
jobs:
  reveal:
    window: 3h
    timeout: 30s
invites:
  organizer_email: events@example.org
  domain: example.org
  sink:
    type: outbox
basic_auth:
  username: admin
  password: secret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "fairplay.bolt", cfg.Store.Path)
	assert.Equal(t, 3*time.Hour, cfg.Jobs.Reveal.Window)
	assert.Equal(t, 30*time.Second, cfg.Jobs.Reveal.Timeout)
	assert.Equal(t, "*/15 * * * *", cfg.Jobs.Reveal.Schedule)
	assert.Equal(t, "outbox", cfg.Invites.Sink.OutboxDir)
	assert.Equal(t, "Fairplay Scheduler", cfg.Invites.OrganizerName)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "admin", cfg.BasicAuth.Username)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Jobs.Invites.Window = 90 * time.Minute
	cfg.Invites.RatePerMinute = 30
	require.NoError(t, cfg.Validate())
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, got.Jobs.Invites.Window)
	assert.Equal(t, 30, got.Invites.RatePerMinute)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestSave_Errors(t *testing.T) {
	assert.Error(t, Save("", DefaultConfig()))
	assert.Error(t, Save(filepath.Join(t.TempDir(), "c.yaml"), nil))
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"unknown sink", func(c *Config) { c.Invites.Sink.Type = "pigeon" }},
		{"smtp without host", func(c *Config) { c.Invites.Sink.Type = SinkSMTP }},
		{"half basic auth", func(c *Config) { c.BasicAuth = &BasicAuthConfig{Username: "admin"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.UTC, cfg.Location())
	cfg.Timezone = "not/a/zone"
	assert.Equal(t, time.UTC, cfg.Location())
}
