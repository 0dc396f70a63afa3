// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package config loads the ComposeBot configuration from a YAML file,
// command-line flags, and secret environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Environment variables holding secrets. They fill in values the file
// leaves empty.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvPlatformToken = "COMPOSEBOT_PLATFORM_TOKEN"
)

// Platform kinds.
const (
	PlatformTelegram = "telegram"
	PlatformStdio    = "stdio"
)

// KV backends.
const (
	KVMemory   = "memory"
	KVPostgres = "postgres"
)

// CodeInvalid is the oops code of every validation error.
const CodeInvalid = "CONFIG_INVALID"

// Config is the complete runtime configuration.
type Config struct {
	LogFormat   string          `koanf:"log_format"`
	LogLevel    string          `koanf:"log_level"`
	MetricsAddr string          `koanf:"metrics_addr"`
	PluginsDir  string          `koanf:"plugins_dir"`
	HotReload   bool            `koanf:"hot_reload"`
	Platform    PlatformConfig  `koanf:"platform"`
	KV          KVConfig        `koanf:"kv"`
	Scheduler   SchedulerConfig `koanf:"scheduler"`
	Bridge      BridgeConfig    `koanf:"bridge"`
	Sandbox     SandboxConfig   `koanf:"sandbox"`
	Plugins     []PluginConfig  `koanf:"plugins"`
}

// PlatformConfig selects the chat platform adapter.
type PlatformConfig struct {
	Kind  string `koanf:"kind"`
	Token string `koanf:"token"`
}

// KVConfig selects the plugin key-value backend.
type KVConfig struct {
	Backend     string `koanf:"backend"`
	DatabaseURL string `koanf:"database_url"`
}

// SchedulerConfig tunes the job scheduler.
type SchedulerConfig struct {
	Workers    int           `koanf:"workers"`
	QueueBound int           `koanf:"queue_bound"`
	JobTimeout time.Duration `koanf:"job_timeout"`
	Restart    RestartConfig `koanf:"restart"`
}

// RestartConfig is the instance restart policy.
type RestartConfig struct {
	MaxRestarts int           `koanf:"max_restarts"`
	BaseBackoff time.Duration `koanf:"base_backoff"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
}

// BridgeConfig tunes outbound submits and timers.
type BridgeConfig struct {
	Workers     int             `koanf:"workers"`
	QueueSize   int             `koanf:"queue_size"`
	CallTimeout time.Duration   `koanf:"call_timeout"`
	MaxAttempts int             `koanf:"max_attempts"`
	BaseBackoff time.Duration   `koanf:"base_backoff"`
	MaxTimers   int             `koanf:"max_timers"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig is the shared outbound token bucket.
type RateLimitConfig struct {
	Rate  float64 `koanf:"rate"`
	Burst int     `koanf:"burst"`
}

// SandboxConfig bounds plugin instances.
type SandboxConfig struct {
	MaxMemoryPages uint32        `koanf:"max_memory_pages"`
	EnableWASI     bool          `koanf:"enable_wasi"`
	InitTimeout    time.Duration `koanf:"init_timeout"`
}

// PluginConfig enables one plugin from plugins_dir.
type PluginConfig struct {
	Name   string   `koanf:"name"`
	Grants []string `koanf:"grants"`
	// Events replaces the manifest's subscriptions when set.
	Events []string `koanf:"events"`
}

// Default returns the configuration used for every key the file and flags
// leave out.
func Default() Config {
	return Config{
		LogFormat:   "json",
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9100",
		PluginsDir:  "./plugins",
		HotReload:   true,
		Platform:    PlatformConfig{Kind: PlatformTelegram},
		KV:          KVConfig{Backend: KVMemory},
		Scheduler: SchedulerConfig{
			Workers:    8,
			QueueBound: 64,
			JobTimeout: 5 * time.Second,
			Restart: RestartConfig{
				MaxRestarts: 3,
				BaseBackoff: 200 * time.Millisecond,
				MaxBackoff:  10 * time.Second,
			},
		},
		Bridge: BridgeConfig{
			Workers:     4,
			QueueSize:   256,
			CallTimeout: 10 * time.Second,
			MaxAttempts: 4,
			BaseBackoff: 250 * time.Millisecond,
			MaxTimers:   64,
			RateLimit:   RateLimitConfig{Rate: 5, Burst: 5},
		},
		Sandbox: SandboxConfig{
			MaxMemoryPages: 256,
			InitTimeout:    5 * time.Second,
		},
	}
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-format":    "log_format",
	"log-level":     "log_level",
	"metrics-addr":  "metrics_addr",
	"plugins-dir":   "plugins_dir",
	"hot-reload":    "hot_reload",
	"platform":      "platform.kind",
	"kv-backend":    "kv.backend",
	"workers":       "scheduler.workers",
	"queue-bound":   "scheduler.queue_bound",
	"job-timeout":   "scheduler.job_timeout",
	"submit-rate":   "bridge.rate_limit.rate",
	"submit-burst":  "bridge.rate_limit.burst",
	"max-mem-pages": "sandbox.max_memory_pages",
}

// RegisterFlags adds the overridable flags to fs with their defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("log-format", d.LogFormat, "log format (json or text)")
	fs.String("log-level", d.LogLevel, "minimum log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.String("plugins-dir", d.PluginsDir, "directory holding <name>/plugin.yaml")
	fs.Bool("hot-reload", d.HotReload, "reload plugin modules when their files change")
	fs.String("platform", d.Platform.Kind, "platform adapter (telegram or stdio)")
	fs.String("kv-backend", d.KV.Backend, "plugin KV backend (memory or postgres)")
	fs.Int("workers", d.Scheduler.Workers, "scheduler worker count")
	fs.Int("queue-bound", d.Scheduler.QueueBound, "maximum queued jobs per instance")
	fs.Duration("job-timeout", d.Scheduler.JobTimeout, "per-job timeout")
	fs.Float64("submit-rate", d.Bridge.RateLimit.Rate, "outbound requests per second")
	fs.Int("submit-burst", d.Bridge.RateLimit.Burst, "outbound request burst")
	fs.Uint32("max-mem-pages", d.Sandbox.MaxMemoryPages, "linear memory ceiling per instance in 64 KiB pages")
}

// Load reads path (skipped when empty), overlays the flags the user set in
// fs (which may be nil), fills secrets from the environment, and validates
// the result.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").Code(CodeInvalid).With("path", path).
				Wrapf(err, "read config file")
		}
	}
	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Code(CodeInvalid).Wrapf(err, "read flags")
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.In("config").Code(CodeInvalid).With("path", path).
			Wrapf(err, "decode config")
	}
	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if c.KV.DatabaseURL == "" {
		c.KV.DatabaseURL = getenv(EnvDatabaseURL)
	}
	if c.Platform.Token == "" {
		c.Platform.Token = getenv(EnvPlatformToken)
	}
}

func invalid(key string, format string, args ...any) error {
	return oops.In("config").Code(CodeInvalid).With("key", key).Errorf(format, args...)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return invalid("log_format", "log_format must be 'json' or 'text', got %q", c.LogFormat)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level", "log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}

	switch c.Platform.Kind {
	case PlatformTelegram:
		if c.Platform.Token == "" {
			return oops.In("config").Code(CodeInvalid).With("key", "platform.token").
				Hint("set platform.token or "+EnvPlatformToken).
				Errorf("telegram platform requires a bot token")
		}
	case PlatformStdio:
	default:
		return invalid("platform.kind", "platform.kind must be %q or %q, got %q", PlatformTelegram, PlatformStdio, c.Platform.Kind)
	}

	switch c.KV.Backend {
	case KVMemory:
	case KVPostgres:
		if c.KV.DatabaseURL == "" {
			return oops.In("config").Code(CodeInvalid).With("key", "kv.database_url").
				Hint("set kv.database_url or "+EnvDatabaseURL).
				Errorf("postgres kv backend requires a database url")
		}
	default:
		return invalid("kv.backend", "kv.backend must be %q or %q, got %q", KVMemory, KVPostgres, c.KV.Backend)
	}

	if err := c.validateTuning(); err != nil {
		return err
	}
	return c.validatePlugins()
}

func (c *Config) validateTuning() error {
	s := c.Scheduler
	switch {
	case s.Workers <= 0:
		return invalid("scheduler.workers", "scheduler.workers must be positive, got %d", s.Workers)
	case s.QueueBound <= 0:
		return invalid("scheduler.queue_bound", "scheduler.queue_bound must be positive, got %d", s.QueueBound)
	case s.JobTimeout <= 0:
		return invalid("scheduler.job_timeout", "scheduler.job_timeout must be positive, got %s", s.JobTimeout)
	case s.Restart.BaseBackoff < 0 || s.Restart.MaxBackoff < 0:
		return invalid("scheduler.restart", "restart backoff cannot be negative")
	case s.Restart.MaxBackoff > 0 && s.Restart.MaxBackoff < s.Restart.BaseBackoff:
		return invalid("scheduler.restart.max_backoff", "max_backoff %s is below base_backoff %s", s.Restart.MaxBackoff, s.Restart.BaseBackoff)
	}

	b := c.Bridge
	switch {
	case b.Workers <= 0:
		return invalid("bridge.workers", "bridge.workers must be positive, got %d", b.Workers)
	case b.CallTimeout <= 0:
		return invalid("bridge.call_timeout", "bridge.call_timeout must be positive, got %s", b.CallTimeout)
	case b.MaxAttempts < 1:
		return invalid("bridge.max_attempts", "bridge.max_attempts must be at least 1, got %d", b.MaxAttempts)
	case b.RateLimit.Rate <= 0:
		return invalid("bridge.rate_limit.rate", "bridge.rate_limit.rate must be positive, got %g", b.RateLimit.Rate)
	case b.RateLimit.Burst <= 0:
		return invalid("bridge.rate_limit.burst", "bridge.rate_limit.burst must be positive, got %d", b.RateLimit.Burst)
	}

	if p := c.Sandbox.MaxMemoryPages; p == 0 || p > 65536 {
		return invalid("sandbox.max_memory_pages", "sandbox.max_memory_pages must be in 1..65536, got %d", p)
	}
	return nil
}

func (c *Config) validatePlugins() error {
	seen := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		key := fmt.Sprintf("plugins[%d]", i)
		if p.Name == "" {
			return invalid(key, "%s: name is required", key)
		}
		if seen[p.Name] {
			return invalid(key, "%s: plugin %q listed twice", key, p.Name)
		}
		seen[p.Name] = true
		for _, g := range p.Grants {
			if g == "" {
				return invalid(key, "%s: plugin %q has an empty grant", key, p.Name)
			}
		}
	}
	return nil
}

// Plugin returns the entry for name.
func (c *Config) Plugin(name string) (PluginConfig, bool) {
	for _, p := range c.Plugins {
		if p.Name == name {
			return p, true
		}
	}
	return PluginConfig{}, false
}
