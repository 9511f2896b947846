// Package config loads relay settings from a YAML file with environment
// overrides and resolves target aliases to document ids.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/models"
	"github.com/notestash/relay/internal/sync/retry"
)

// Environment variables that override file values.
const (
	EnvDataDir = "NOTESTASH_DATA_DIR"
	EnvHubURL  = "NOTESTASH_HUB_URL"
	EnvToken   = "NOTESTASH_TOKEN"
	EnvListen  = "NOTESTASH_LISTEN"
)

// Config is the complete relay configuration.
type Config struct {
	DataDir   string            `yaml:"data_dir"`
	Listen    string            `yaml:"listen"`
	LogLevel  string            `yaml:"log_level"`
	Hub       HubConfig         `yaml:"hub"`
	Retry     RetryConfig       `yaml:"retry"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	Sessions  SessionsConfig    `yaml:"sessions"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
	Targets   map[string]string `yaml:"targets"` // alias -> document id; empty = placeholder
}

// HubConfig holds script hub settings.
type HubConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
	StatsTop     bool          `yaml:"stats_top"`
	StatsBottom  bool          `yaml:"stats_bottom"`
}

// RetryConfig holds the delivery retry schedule.
type RetryConfig struct {
	Schedule    []time.Duration `yaml:"schedule"`
	MaxAttempts int             `yaml:"max_attempts"` // 0 = retry forever
}

// SchedulerConfig holds dispatch scheduling settings.
type SchedulerConfig struct {
	QueueInterval time.Duration `yaml:"queue_interval"`
	PassTimeout   time.Duration `yaml:"pass_timeout"`
}

// SessionsConfig holds chunked upload limits.
type SessionsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxChunkBytes int `yaml:"max_chunk_bytes"`
}

// TelemetryConfig controls metrics. Disabled by default.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".notestash"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".notestash")
	}
	return &Config{
		DataDir:  dataDir,
		Listen:   "127.0.0.1:8377",
		LogLevel: "info",
		Hub: HubConfig{
			Timeout:      30 * time.Second,
			ChunkTimeout: 120 * time.Second,
			StatsBottom:  true,
		},
		Retry: RetryConfig{
			Schedule: append([]time.Duration(nil), retry.DefaultSchedule...),
		},
		Scheduler: SchedulerConfig{
			QueueInterval: time.Minute,
			PassTimeout:   5 * time.Minute,
		},
		Sessions: SessionsConfig{
			MaxConcurrent: 2,
			MaxChunkBytes: 64000,
		},
		Targets: map[string]string{},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfigInvalid, fmt.Sprintf("parse %s", path), err)
		}
	}

	cfg.applyEnv()
	if cfg.Targets == nil {
		cfg.Targets = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvHubURL); v != "" {
		c.Hub.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Hub.Token = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New(errors.ErrConfigInvalid, "data_dir is required")
	}
	if c.Hub.URL != "" {
		u, err := url.Parse(c.Hub.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Newf(errors.ErrConfigInvalid, "hub.url %q is not an http(s) URL", c.Hub.URL)
		}
	}
	if _, err := retry.NewPolicy(c.Retry.Schedule, c.Retry.MaxAttempts); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New(errors.ErrConfigInvalid, "retry.max_attempts must not be negative")
	}
	if c.Sessions.MaxConcurrent < 0 || c.Sessions.MaxChunkBytes < 0 {
		return errors.New(errors.ErrConfigInvalid, "sessions limits must not be negative")
	}
	for alias := range c.Targets {
		if strings.TrimSpace(alias) == "" {
			return errors.New(errors.ErrConfigInvalid, "targets contains an empty alias")
		}
	}
	return nil
}

// RetryPolicy builds the retry policy described by the configuration.
func (c *Config) RetryPolicy() *retry.Policy {
	p, err := retry.NewPolicy(c.Retry.Schedule, c.Retry.MaxAttempts)
	if err != nil {
		return retry.DefaultPolicy()
	}
	return p
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Retry.Schedule = append([]time.Duration(nil), c.Retry.Schedule...)
	out.Targets = make(map[string]string, len(c.Targets))
	for k, v := range c.Targets {
		out.Targets[k] = v
	}
	return &out
}

// Store holds the live configuration and answers target lookups.
// It is safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore creates a Store holding cfg.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg.Clone()}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Set replaces the configuration and returns the previous one.
func (s *Store) Set(cfg *Config) *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg.Clone()
	return old
}

// ResolveTarget maps a target id to a document id. Configured aliases win;
// an alias bound to an empty or placeholder value is unresolved. Any other
// non-placeholder id is taken as a document id as is.
func (s *Store) ResolveTarget(targetID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(s.cfg.Targets, targetID)
}

func resolve(targets map[string]string, targetID string) (string, bool) {
	if docID, ok := targets[targetID]; ok {
		if models.IsPlaceholderTarget(docID) {
			return "", false
		}
		return docID, true
	}
	if models.IsPlaceholderTarget(targetID) {
		return "", false
	}
	return targetID, true
}

// ReboundTargets lists aliases that were unresolved in old and resolve in
// updated, sorted.
func ReboundTargets(old, updated *Config) []string {
	var out []string
	for alias := range updated.Targets {
		_, wasOK := resolve(old.Targets, alias)
		_, nowOK := resolve(updated.Targets, alias)
		if !wasOK && nowOK {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}
