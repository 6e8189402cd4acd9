package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/ledger"
	"github.com/andywolf/ctxkeeper/internal/logging"
	"github.com/andywolf/ctxkeeper/internal/observer"
)

// EnvPrefix prefixes every environment override, e.g.
// CTXKEEPER_STORAGE_BACKEND.
const EnvPrefix = "CTXKEEPER"

// DefaultDataDir is where local state lives unless configured otherwise.
const DefaultDataDir = ".ctxkeeper"

// Config represents the full ctxkeeper configuration
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Notes    NotesConfig    `mapstructure:"notes"`
	Observer ObserverConfig `mapstructure:"observer"`
	Control  ControlConfig  `mapstructure:"control"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Log      LogConfig      `mapstructure:"log"`
}

// StorageConfig selects where the ledger document lives
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // file or redis
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisKey  string `mapstructure:"redis_key"`
}

// NotesConfig points at the note store snapshot and its schema
type NotesConfig struct {
	Path   string `mapstructure:"path"`
	Schema string `mapstructure:"schema"`
}

// ObserverConfig contains event buffering and retention limits
type ObserverConfig struct {
	BatchSize    int    `mapstructure:"batch_size"`
	FlushDelay   string `mapstructure:"flush_delay"`
	MaxEvents    int    `mapstructure:"max_events"`
	RetainEvents int    `mapstructure:"retain_events"`
}

// ControlConfig contains pending-action settings
type ControlConfig struct {
	TTL string `mapstructure:"ttl"`
}

// PolicyConfig holds the per-tier auto-execute overrides. A nil field means
// the tier default applies; any present value counts as true unless it is
// "false" or "0".
type PolicyConfig struct {
	AutoExecuteLow    *string `mapstructure:"auto_execute_low"`
	AutoExecuteMedium *string `mapstructure:"auto_execute_medium"`
	AutoExecuteHigh   *string `mapstructure:"auto_execute_high"`
}

// RefreshConfig controls self-model cache rebuilds
type RefreshConfig struct {
	EveryWrites int `mapstructure:"every_writes"`
}

// AuditConfig locates the decision audit trail
type AuditConfig struct {
	Dir     string `mapstructure:"dir"`
	Enabled bool   `mapstructure:"enabled"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var policyKeys = map[action.Risk]string{
	action.RiskLow:    "policy.auto_execute_low",
	action.RiskMedium: "policy.auto_execute_medium",
	action.RiskHigh:   "policy.auto_execute_high",
}

// Bind prepares v for ctxkeeper: .env loading, env prefix and key mapping,
// and defaults for every key so environment overrides are visible to
// Unmarshal.
func Bind(v *viper.Viper) {
	_ = godotenv.Load()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", filepath.Join(DefaultDataDir, ledger.DefaultFilename))
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_key", ledger.DefaultRedisKey)
	v.SetDefault("notes.path", filepath.Join(DefaultDataDir, "notes.json"))
	v.SetDefault("notes.schema", filepath.Join(DefaultDataDir, "schema.yaml"))
	v.SetDefault("observer.batch_size", observer.DefaultBatchSize)
	v.SetDefault("observer.flush_delay", observer.DefaultFlushDelay.String())
	v.SetDefault("observer.max_events", observer.DefaultMaxEvents)
	v.SetDefault("observer.retain_events", observer.DefaultRetainEvents)
	v.SetDefault("control.ttl", "168h")
	v.SetDefault("refresh.every_writes", 10)
	v.SetDefault("audit.dir", DefaultDataDir)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("log.level", "info")

	// No defaults here: presence is what matters.
	for _, key := range policyKeys {
		_ = v.BindEnv(key)
	}
}

// Load loads configuration from the global viper instance
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom loads configuration from file and environment via v
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for risk, key := range policyKeys {
		if !v.IsSet(key) {
			continue
		}
		raw := v.GetString(key)
		cfg.Policy.set(risk, &raw)
	}

	// Apply defaults
	applyDefaults(cfg)

	return cfg, nil
}

func (p *PolicyConfig) set(risk action.Risk, raw *string) {
	switch risk {
	case action.RiskLow:
		p.AutoExecuteLow = raw
	case action.RiskMedium:
		p.AutoExecuteMedium = raw
	case action.RiskHigh:
		p.AutoExecuteHigh = raw
	}
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(DefaultDataDir, ledger.DefaultFilename)
	}

	if cfg.Storage.RedisKey == "" {
		cfg.Storage.RedisKey = ledger.DefaultRedisKey
	}

	if cfg.Observer.BatchSize == 0 {
		cfg.Observer.BatchSize = observer.DefaultBatchSize
	}

	if cfg.Observer.FlushDelay == "" {
		cfg.Observer.FlushDelay = observer.DefaultFlushDelay.String()
	}

	if cfg.Observer.MaxEvents == 0 {
		cfg.Observer.MaxEvents = observer.DefaultMaxEvents
	}

	if cfg.Observer.RetainEvents == 0 {
		cfg.Observer.RetainEvents = observer.DefaultRetainEvents
	}

	if cfg.Control.TTL == "" {
		cfg.Control.TTL = "168h"
	}

	if cfg.Refresh.EveryWrites == 0 {
		cfg.Refresh.EveryWrites = 10
	}

	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = DefaultDataDir
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validBackends := map[string]bool{"file": true, "redis": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s (must be file or redis)", c.Storage.Backend)
	}

	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.redis_addr is required for the redis backend")
	}

	if c.Observer.BatchSize < 0 {
		return fmt.Errorf("observer.batch_size must not be negative")
	}

	if _, err := time.ParseDuration(c.Observer.FlushDelay); err != nil {
		return fmt.Errorf("invalid observer.flush_delay: %w", err)
	}

	if c.Observer.RetainEvents > c.Observer.MaxEvents {
		return fmt.Errorf("observer.retain_events (%d) must not exceed observer.max_events (%d)",
			c.Observer.RetainEvents, c.Observer.MaxEvents)
	}

	ttl, err := time.ParseDuration(c.Control.TTL)
	if err != nil {
		return fmt.Errorf("invalid control.ttl: %w", err)
	}
	if ttl <= 0 {
		return fmt.Errorf("control.ttl must be positive")
	}

	if c.Refresh.EveryWrites < 0 {
		return fmt.Errorf("refresh.every_writes must not be negative")
	}

	if _, ok := logging.ParseSeverity(c.Log.Level); !ok {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warning, or error)", c.Log.Level)
	}

	return nil
}

// ObserverLimits converts the observer section. Call Validate first.
func (c *Config) ObserverLimits() observer.Config {
	delay, _ := time.ParseDuration(c.Observer.FlushDelay)
	return observer.Config{
		BatchSize:    c.Observer.BatchSize,
		FlushDelay:   delay,
		MaxEvents:    c.Observer.MaxEvents,
		RetainEvents: c.Observer.RetainEvents,
	}
}

// ActionTTL returns the pending-action lifetime. Call Validate first.
func (c *Config) ActionTTL() time.Duration {
	ttl, _ := time.ParseDuration(c.Control.TTL)
	return ttl
}

// PolicyOverrides returns the present per-tier overrides as raw values.
func (c *Config) PolicyOverrides() map[action.Risk]string {
	out := map[action.Risk]string{}
	if c.Policy.AutoExecuteLow != nil {
		out[action.RiskLow] = *c.Policy.AutoExecuteLow
	}
	if c.Policy.AutoExecuteMedium != nil {
		out[action.RiskMedium] = *c.Policy.AutoExecuteMedium
	}
	if c.Policy.AutoExecuteHigh != nil {
		out[action.RiskHigh] = *c.Policy.AutoExecuteHigh
	}
	return out
}

// DefaultFile returns the YAML written by `ctxkeeper init`.
func DefaultFile() map[string]any {
	return map[string]any{
		"storage": map[string]any{
			"backend": "file",
			"path":    filepath.Join(DefaultDataDir, ledger.DefaultFilename),
		},
		"notes": map[string]any{
			"path":   filepath.Join(DefaultDataDir, "notes.json"),
			"schema": filepath.Join(DefaultDataDir, "schema.yaml"),
		},
		"observer": map[string]any{
			"batch_size":    observer.DefaultBatchSize,
			"flush_delay":   observer.DefaultFlushDelay.String(),
			"max_events":    observer.DefaultMaxEvents,
			"retain_events": observer.DefaultRetainEvents,
		},
		"control": map[string]any{
			"ttl": "168h",
		},
		"refresh": map[string]any{
			"every_writes": 10,
		},
	}
}
