// Package config provides configuration management for the headspace daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the headspace daemon.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Locks        LockConfig         `mapstructure:"locks"`
	Reaper       ReaperConfig       `mapstructure:"reaper"`
	Watchdog     WatchdogConfig     `mapstructure:"watchdog"`
	DeferredStop DeferredStopConfig `mapstructure:"deferredStop"`
	Broadcaster  BroadcasterConfig  `mapstructure:"broadcaster"`
	Correlator   CorrelatorConfig   `mapstructure:"correlator"`
	Card         CardConfig         `mapstructure:"card"`
	Intent       IntentConfig       `mapstructure:"intent"`
	Transcript   TranscriptConfig   `mapstructure:"transcript"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Host is empty the daemon runs on a local SQLite file at Path.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"` // SQLite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LockConfig holds per-agent advisory lock configuration.
type LockConfig struct {
	AcquireTimeout int `mapstructure:"acquireTimeout"` // in seconds
}

// ReaperConfig holds dead-agent detection configuration.
type ReaperConfig struct {
	Interval          int `mapstructure:"interval"`          // sweep period, seconds
	InactivityTimeout int `mapstructure:"inactivityTimeout"` // seconds since last_seen_at
	GracePeriod       int `mapstructure:"gracePeriod"`       // seconds after agent creation before eligible
}

// WatchdogConfig holds terminal pane polling configuration.
type WatchdogConfig struct {
	PollInterval int `mapstructure:"pollInterval"` // seconds between pane captures
	GapThreshold int `mapstructure:"gapThreshold"` // seconds of unmatched output before reconcile
	CaptureLines int `mapstructure:"captureLines"` // pane lines captured per poll
	TurnWindow   int `mapstructure:"turnWindow"`   // seconds back to look for matching turns
}

// DeferredStopConfig holds the retry schedule for stop hooks that arrive
// before the transcript has flushed.
type DeferredStopConfig struct {
	DelaysMS []int `mapstructure:"delaysMs"`
}

// BroadcasterConfig holds in-process pub/sub limits.
type BroadcasterConfig struct {
	MaxSubscribers int `mapstructure:"maxSubscribers"`
	QueueSize      int `mapstructure:"queueSize"`
	IdleTimeout    int `mapstructure:"idleTimeout"` // seconds without consumption before eviction
	SweepInterval  int `mapstructure:"sweepInterval"`
}

// CorrelatorConfig holds session-id cache configuration.
type CorrelatorConfig struct {
	CacheTTL int `mapstructure:"cacheTtl"` // seconds
}

// CardConfig holds card projection configuration.
type CardConfig struct {
	StalenessThreshold int `mapstructure:"stalenessThreshold"` // seconds of silence before TIMED_OUT overlay
}

// IntentConfig holds intent detection configuration.
type IntentConfig struct {
	// QuestionTools lists tool names that indicate the agent is asking the
	// user a question. Loaded into the detector registry at startup.
	QuestionTools []string `mapstructure:"questionTools"`
	// RegistryPath optionally points at a YAML file extending QuestionTools.
	RegistryPath string `mapstructure:"registryPath"`
	// StaleAwaitingWindow is how long an AWAITING_INPUT task may sit without
	// a user answer before pre_tool_use emits a recovery turn. Seconds.
	StaleAwaitingWindow int `mapstructure:"staleAwaitingWindow"`
}

// TranscriptConfig holds reconciler configuration.
type TranscriptConfig struct {
	DedupWindow       int  `mapstructure:"dedupWindow"` // seconds back to match content hashes
	ConsultLegacyHash bool `mapstructure:"consultLegacyHash"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AcquireTimeoutDuration returns the lock acquire timeout as a time.Duration.
func (l *LockConfig) AcquireTimeoutDuration() time.Duration {
	return time.Duration(l.AcquireTimeout) * time.Second
}

// IntervalDuration returns the reaper sweep interval as a time.Duration.
func (r *ReaperConfig) IntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// InactivityDuration returns the inactivity timeout as a time.Duration.
func (r *ReaperConfig) InactivityDuration() time.Duration {
	return time.Duration(r.InactivityTimeout) * time.Second
}

// GraceDuration returns the grace period as a time.Duration.
func (r *ReaperConfig) GraceDuration() time.Duration {
	return time.Duration(r.GracePeriod) * time.Second
}

// PollDuration returns the watchdog poll interval as a time.Duration.
func (w *WatchdogConfig) PollDuration() time.Duration {
	return time.Duration(w.PollInterval) * time.Second
}

// GapDuration returns the watchdog gap threshold as a time.Duration.
func (w *WatchdogConfig) GapDuration() time.Duration {
	return time.Duration(w.GapThreshold) * time.Second
}

// TurnWindowDuration returns the turn match window as a time.Duration.
func (w *WatchdogConfig) TurnWindowDuration() time.Duration {
	return time.Duration(w.TurnWindow) * time.Second
}

// Delays returns the deferred-stop retry schedule as durations.
func (d *DeferredStopConfig) Delays() []time.Duration {
	delays := make([]time.Duration, 0, len(d.DelaysMS))
	for _, ms := range d.DelaysMS {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	return delays
}

// IdleTimeoutDuration returns the subscriber idle timeout as a time.Duration.
func (b *BroadcasterConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(b.IdleTimeout) * time.Second
}

// SweepIntervalDuration returns the stale-subscriber sweep interval.
func (b *BroadcasterConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(b.SweepInterval) * time.Second
}

// CacheTTLDuration returns the correlator cache TTL as a time.Duration.
func (c *CorrelatorConfig) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// StalenessDuration returns the TIMED_OUT overlay threshold as a time.Duration.
func (c *CardConfig) StalenessDuration() time.Duration {
	return time.Duration(c.StalenessThreshold) * time.Second
}

// StaleAwaitingDuration returns the stale AWAITING_INPUT recovery window.
func (i *IntentConfig) StaleAwaitingDuration() time.Duration {
	return time.Duration(i.StaleAwaitingWindow) * time.Second
}

// DedupWindowDuration returns the reconciler dedup window as a time.Duration.
func (t *TranscriptConfig) DedupWindowDuration() time.Duration {
	return time.Duration(t.DedupWindow) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8484)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means SQLite
	v.SetDefault("database.path", "~/.headspace/headspace.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "headspace")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "headspace")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "headspace")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	// Lock defaults
	v.SetDefault("locks.acquireTimeout", 15)

	// Reaper defaults
	v.SetDefault("reaper.interval", 60)
	v.SetDefault("reaper.inactivityTimeout", 300)
	v.SetDefault("reaper.gracePeriod", 300)

	// Watchdog defaults
	v.SetDefault("watchdog.pollInterval", 3)
	v.SetDefault("watchdog.gapThreshold", 5)
	v.SetDefault("watchdog.captureLines", 50)
	v.SetDefault("watchdog.turnWindow", 30)

	// Deferred stop delays: the ceiling matters here, not average latency,
	// so a fixed schedule rather than exponential backoff.
	v.SetDefault("deferredStop.delaysMs", []int{500, 1000, 1500, 2000})

	// Broadcaster defaults
	v.SetDefault("broadcaster.maxSubscribers", 64)
	v.SetDefault("broadcaster.queueSize", 256)
	v.SetDefault("broadcaster.idleTimeout", 120)
	v.SetDefault("broadcaster.sweepInterval", 30)

	// Correlator defaults
	v.SetDefault("correlator.cacheTtl", 3600)

	// Card defaults
	v.SetDefault("card.stalenessThreshold", 120)

	// Intent defaults
	v.SetDefault("intent.questionTools", []string{"AskUserQuestion", "ExitPlanMode", "mcp__ask_human"})
	v.SetDefault("intent.registryPath", "")
	v.SetDefault("intent.staleAwaitingWindow", 60)

	// Transcript defaults
	v.SetDefault("transcript.dedupWindow", 120)
	v.SetDefault("transcript.consultLegacyHash", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HEADSPACE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.headspace/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("HEADSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.headspace/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (SQLite otherwise)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	} else if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required when database.host is empty")
	}

	if cfg.Locks.AcquireTimeout <= 0 {
		errs = append(errs, "locks.acquireTimeout must be positive")
	}
	if cfg.Reaper.Interval <= 0 {
		errs = append(errs, "reaper.interval must be positive")
	}
	if cfg.Watchdog.PollInterval <= 0 {
		errs = append(errs, "watchdog.pollInterval must be positive")
	}
	if cfg.Watchdog.CaptureLines <= 0 {
		errs = append(errs, "watchdog.captureLines must be positive")
	}
	if len(cfg.DeferredStop.DelaysMS) == 0 {
		errs = append(errs, "deferredStop.delaysMs must not be empty")
	}
	if cfg.Broadcaster.MaxSubscribers <= 0 {
		errs = append(errs, "broadcaster.maxSubscribers must be positive")
	}
	if cfg.Broadcaster.QueueSize <= 0 {
		errs = append(errs, "broadcaster.queueSize must be positive")
	}

	if cfg.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(cfg.Logging.Level)] {
			errs = append(errs, "logging.level must be one of: debug, info, warn, error")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// UsePostgres reports whether the configuration selects PostgreSQL.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}
