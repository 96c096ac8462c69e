package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bbolt"
	DriverMemory = "memory"
)

// Invite sink types.
const (
	SinkOutbox = "outbox"
	SinkSMTP   = "smtp"
	SinkLog    = "log"
)

// StoreConfig selects and locates the document store.
type StoreConfig struct {
	// Driver is one of "sqlite" (default), "bbolt" or "memory".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the database file. Ignored by the memory driver.
	Path string `yaml:"path" json:"path"`
}

// JobConfig schedules one batch job.
type JobConfig struct {
	// Schedule is a standard 5-field cron expression, or "off" to disable
	// the job.
	Schedule string `yaml:"schedule" json:"schedule"`
	// Window is the job's lookback (reveal, invites) or lookahead
	// (attendance).
	Window time.Duration `yaml:"window" json:"window"`
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// JobsConfig holds the three scheduled jobs.
type JobsConfig struct {
	Reveal     JobConfig `yaml:"reveal" json:"reveal"`
	Attendance JobConfig `yaml:"attendance" json:"attendance"`
	Invites    JobConfig `yaml:"invites" json:"invites"`
}

// SMTPConfig is used by the smtp sink.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// SinkConfig selects where invitations go.
type SinkConfig struct {
	Type      string     `yaml:"type" json:"type"`
	OutboxDir string     `yaml:"outbox_dir" json:"outbox_dir"`
	SMTP      SMTPConfig `yaml:"smtp" json:"smtp"`
}

// InvitesConfig configures invitation content and delivery.
type InvitesConfig struct {
	OrganizerEmail string `yaml:"organizer_email" json:"organizer_email"`
	OrganizerName  string `yaml:"organizer_name" json:"organizer_name"`
	// Domain is used in calendar UIDs (<instance>@<domain>).
	Domain string `yaml:"domain" json:"domain"`
	// ResignURL may contain {groupId}.
	ResignURL     string     `yaml:"resign_url" json:"resign_url"`
	Sink          SinkConfig `yaml:"sink" json:"sink"`
	RatePerMinute int        `yaml:"rate_per_minute" json:"rate_per_minute"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API and metrics.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone cron schedules and recurrences are
	// evaluated in (e.g. "Europe/Warsaw").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Store   StoreConfig   `yaml:"store" json:"store"`
	Jobs    JobsConfig    `yaml:"jobs" json:"jobs"`
	Invites InvitesConfig `yaml:"invites" json:"invites"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen   = "127.0.0.1:8080"
	defaultTimezone = "UTC"
	defaultWindow   = 2 * time.Hour
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverBolt, DriverMemory:
	case "":
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case DriverBolt:
			c.Store.Path = "fairplay.bolt"
		default:
			c.Store.Path = "fairplay.db"
		}
	}

	normalizeJob(&c.Jobs.Reveal, "*/15 * * * *")
	normalizeJob(&c.Jobs.Invites, "5,20,35,50 * * * *")
	normalizeJob(&c.Jobs.Attendance, "10,25,40,55 * * * *")

	if c.Invites.Sink.Type == "" {
		c.Invites.Sink.Type = SinkLog
	}
	if c.Invites.Sink.Type == SinkOutbox && c.Invites.Sink.OutboxDir == "" {
		c.Invites.Sink.OutboxDir = "outbox"
	}
	if c.Invites.Sink.SMTP.Port == 0 {
		c.Invites.Sink.SMTP.Port = 587
	}
	if c.Invites.Domain == "" {
		c.Invites.Domain = "localhost"
	}
	if c.Invites.OrganizerEmail == "" {
		c.Invites.OrganizerEmail = "noreply@" + c.Invites.Domain
	}
	if c.Invites.OrganizerName == "" {
		c.Invites.OrganizerName = "Fairplay Scheduler"
	}
	if c.Invites.RatePerMinute < 0 {
		c.Invites.RatePerMinute = 0
	}
}

func normalizeJob(j *JobConfig, schedule string) {
	if j.Schedule == "" {
		j.Schedule = schedule
	}
	if j.Window <= 0 {
		j.Window = defaultWindow
	}
	if j.Timeout < 0 {
		j.Timeout = 0
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverBolt, DriverMemory:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	switch c.Invites.Sink.Type {
	case SinkLog, SinkOutbox:
	case SinkSMTP:
		if c.Invites.Sink.SMTP.Host == "" {
			return errors.New("config: smtp sink needs invites.sink.smtp.host")
		}
	default:
		return fmt.Errorf("config: unknown invite sink %q", c.Invites.Sink.Type)
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("config: basic_auth needs both username and password")
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".fairplay-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
