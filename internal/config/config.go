package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the background service.
// Hibernation settings are not here: they live in the persisted store
// and are re-read on every evaluation cycle.
type Config struct {
	// HibernationCheckInterval is how often the automatic hibernation cycle runs.
	HibernationCheckInterval Duration `json:"hibernation_check_interval,omitempty" yaml:"hibernation_check_interval,omitempty"`

	// CheckpointInterval is how often open sessions are rolled into totals
	// and memory estimates are recomputed.
	CheckpointInterval Duration `json:"checkpoint_interval,omitempty" yaml:"checkpoint_interval,omitempty"`

	// PurgeInterval is how often stale metadata records are purged.
	PurgeInterval Duration `json:"purge_interval,omitempty" yaml:"purge_interval,omitempty"`

	// Retention is how long records for tabs that are gone are kept.
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"`

	// PersistWindow is the coalescing window for metadata writes.
	PersistWindow Duration `json:"persist_window,omitempty" yaml:"persist_window,omitempty"`

	// BulkDelay is the pause between items of hibernate-all / restore-all.
	BulkDelay Duration `json:"bulk_delay,omitempty" yaml:"bulk_delay,omitempty"`

	// InitRetryDelay is the fixed backoff between failed initialization attempts.
	InitRetryDelay Duration `json:"init_retry_delay,omitempty" yaml:"init_retry_delay,omitempty"`

	// InitMaxAttempts bounds initialization attempts. 0 means retry forever.
	InitMaxAttempts int `json:"init_max_attempts,omitempty" yaml:"init_max_attempts,omitempty"`

	// CommandTimeout bounds how long a browser command waits for the extension's answer.
	CommandTimeout Duration `json:"command_timeout,omitempty" yaml:"command_timeout,omitempty"`

	// HTTPBind and HTTPPort locate the HTTP surface (bridge websocket, JSON API, metrics).
	HTTPBind string `json:"http_bind,omitempty" yaml:"http_bind,omitempty"`
	HTTPPort int    `json:"http_port,omitempty" yaml:"http_port,omitempty"`

	// AllowedOrigins restricts which websocket origins may connect to the bridge.
	// Empty means any chrome-extension:// or moz-extension:// origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" yaml:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" yaml:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`

	// DisabledTypes disables every MCP tool of a type ("tab", "settings", "hibernation").
	DisabledTypes []string `json:"disabled_types,omitempty" yaml:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HibernationCheckInterval: Duration(time.Minute),
		CheckpointInterval:       Duration(30 * time.Second),
		PurgeInterval:            Duration(24 * time.Hour),
		Retention:                Duration(7 * 24 * time.Hour),
		PersistWindow:            Duration(time.Second),
		BulkDelay:                Duration(200 * time.Millisecond),
		InitRetryDelay:           Duration(2 * time.Second),
		CommandTimeout:           Duration(10 * time.Second),
		HTTPBind:                 "127.0.0.1",
		HTTPPort:                 7878,
		LogLevel:                 "info",
	}
}

// configFiles lists the file names Load looks for, in priority order.
var configFiles = []string{"config.yaml", "config.yml", "config.json"}

// Load loads configuration from baseDir/config.{yaml,yml,json}.
// Returns default config if no file exists.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.weaver.
func Load(baseDir string) (*Config, error) {
	for _, name := range configFiles {
		path := filepath.Join(baseDir, name)
		if _, err := os.Stat(path); err == nil {
			return loadFile(path)
		}
	}
	return DefaultConfig(), nil
}

// LoadWithOverride loads baseDir config, then overlays an explicit file (e.g. --config).
// An empty overridePath behaves like Load.
func LoadWithOverride(baseDir, overridePath string) (*Config, error) {
	base, err := Load(baseDir)
	if err != nil {
		return nil, err
	}
	if overridePath == "" {
		return base, nil
	}
	if _, err := os.Stat(overridePath); err != nil {
		return nil, fmt.Errorf("config file %s: %w", overridePath, err)
	}
	overlay, err := loadFileRaw(overridePath)
	if err != nil {
		return nil, err
	}
	return Merge(base, overlay), nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path on top of the defaults.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		HibernationCheckInterval: pickDuration(overlay.HibernationCheckInterval, base.HibernationCheckInterval),
		CheckpointInterval:       pickDuration(overlay.CheckpointInterval, base.CheckpointInterval),
		PurgeInterval:            pickDuration(overlay.PurgeInterval, base.PurgeInterval),
		Retention:                pickDuration(overlay.Retention, base.Retention),
		PersistWindow:            pickDuration(overlay.PersistWindow, base.PersistWindow),
		BulkDelay:                pickDuration(overlay.BulkDelay, base.BulkDelay),
		InitRetryDelay:           pickDuration(overlay.InitRetryDelay, base.InitRetryDelay),
		CommandTimeout:           pickDuration(overlay.CommandTimeout, base.CommandTimeout),
		InitMaxAttempts:          pickInt(overlay.InitMaxAttempts, base.InitMaxAttempts),
		HTTPPort:                 pickInt(overlay.HTTPPort, base.HTTPPort),
		DBMaxOpenConns:           pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:           pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
		HTTPBind:                 pickString(overlay.HTTPBind, base.HTTPBind),
		LogLevel:                 pickString(overlay.LogLevel, base.LogLevel),
	}

	result.AllowedOrigins = mergeStringSlice(base.AllowedOrigins, overlay.AllowedOrigins)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func pickDuration(overlay, base Duration) Duration {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if s := strings.TrimSpace(overlay); s != "" {
		return s
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// Duration is a time.Duration that reads and writes Go duration strings ("30s")
// in both JSON and YAML. Bare JSON numbers are taken as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or milliseconds: %s", string(data))
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("duration must be non-negative: %q", s)
	}
	*d = Duration(v)
	return nil
}
