// Package config loads the postflow configuration from a YAML or JSON file.
//
// Durations are Go duration strings (e.g. "500ms", "30s", "1m") or whole
// numbers of seconds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"postflow/internal/domain"
	"postflow/internal/scheduler"
)

type Config struct {
	Log       LogConfig                 `json:"log"`
	HTTP      HTTPConfig                `json:"http"`
	Store     StoreConfig               `json:"store"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Dispatch  DispatchConfig            `json:"dispatch"`
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`
}

type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `json:"level,omitempty"`
	// Format is "console" or "json".
	Format string `json:"format,omitempty"`
	// File additionally writes JSON logs to this path.
	File string `json:"file,omitempty"`
}

type HTTPConfig struct {
	Addr            string   `json:"addr,omitempty"`
	ReadTimeout     Duration `json:"read_timeout,omitempty"`
	WriteTimeout    Duration `json:"write_timeout,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
	Debug           bool     `json:"debug,omitempty"`
}

type StoreConfig struct {
	// Driver is sqlite, mysql or postgres.
	Driver string `json:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

// SchedulerConfig controls retries and recovery.
//
// Defaults:
//   - max_retries: 3
//   - retry_base: "1m"  (delays 1m, 2m, 4m)
//   - retry_max_delay: "1h"
//   - stale_after: "5m"
//   - sweep_schedule: "@every 1m"
type SchedulerConfig struct {
	MaxRetries    int      `json:"max_retries,omitempty"`
	RetryBase     Duration `json:"retry_base,omitempty"`
	RetryMaxDelay Duration `json:"retry_max_delay,omitempty"`
	StaleAfter    Duration `json:"stale_after,omitempty"`
	SweepSchedule string   `json:"sweep_schedule,omitempty"`
}

type DispatchConfig struct {
	// Workers is the default number of workers per platform.
	Workers int `json:"workers,omitempty"`
	// Timeout bounds one publish call.
	Timeout Duration `json:"timeout,omitempty"`
}

// PlatformConfig selects and configures the publisher for one platform.
type PlatformConfig struct {
	// Publisher is "http", "telegram" or "dryrun".
	Publisher string `json:"publisher"`

	BaseURL string `json:"base_url,omitempty"`
	IDField string `json:"id_field,omitempty"`

	// Token is the API token; TokenEnv names an environment variable that
	// holds it instead.
	Token    string `json:"token,omitempty"`
	TokenEnv string `json:"token_env,omitempty"`

	ChatID int64  `json:"chat_id,omitempty"`
	APIURL string `json:"api_url,omitempty"`

	Workers       int     `json:"workers,omitempty"`
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
	Burst         int     `json:"burst,omitempty"`
}

const (
	PublisherHTTP     = "http"
	PublisherTelegram = "telegram"
	PublisherDryRun   = "dryrun"
)

// Default returns a configuration that runs every platform in dry-run mode
// on a local SQLite database.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Scheduler.MaxRetries == 0 {
		c.Scheduler.MaxRetries = domain.DefaultMaxRetries
	}
	if c.Scheduler.SweepSchedule == "" {
		c.Scheduler.SweepSchedule = scheduler.DefaultSweepSchedule
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 2
	}
	if len(c.Platforms) == 0 {
		c.Platforms = make(map[string]PlatformConfig, len(domain.Platforms))
		for _, p := range domain.Platforms {
			c.Platforms[string(p)] = PlatformConfig{Publisher: PublisherDryRun}
		}
	}
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		add("log.level: %v", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add("log.format: must be console or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "sqlite3", "mysql", "postgres", "postgresql":
	default:
		add("store.driver: unsupported driver %q", c.Store.Driver)
	}
	if c.Scheduler.MaxRetries < 0 {
		add("scheduler.max_retries: must be >= 0")
	}
	if err := scheduler.ValidateCronExpression(c.Scheduler.SweepSchedule); err != nil {
		add("scheduler.sweep_schedule: %v", err)
	}
	if c.Dispatch.Workers < 0 {
		add("dispatch.workers: must be >= 0")
	}

	for _, f := range c.durationFields() {
		if _, err := f.value.Parse(f.path); err != nil {
			errs = append(errs, err)
		}
	}
	if stale, timeout := c.StaleAfter(), c.PublishTimeout(); stale <= timeout {
		add("scheduler.stale_after (%s) must exceed dispatch.timeout (%s)", stale, timeout)
	}

	for name, pc := range c.Platforms {
		if _, ok := domain.ParsePlatform(name); !ok {
			add("platforms.%s: unknown platform", name)
			continue
		}
		if err := pc.validate(); err != nil {
			add("platforms.%s: %v", name, err)
		}
	}
	return errors.Join(errs...)
}

func (pc PlatformConfig) validate() error {
	switch pc.Publisher {
	case PublisherDryRun:
	case PublisherHTTP:
		if pc.BaseURL == "" {
			return errors.New("base_url is required for the http publisher")
		}
	case PublisherTelegram:
		if pc.ResolvedToken() == "" {
			return errors.New("token or token_env is required for the telegram publisher")
		}
		if pc.ChatID == 0 {
			return errors.New("chat_id is required for the telegram publisher")
		}
	default:
		return fmt.Errorf("unknown publisher %q", pc.Publisher)
	}
	if pc.RatePerSecond < 0 || pc.Burst < 0 || pc.Workers < 0 {
		return errors.New("workers, rate_per_second and burst must be >= 0")
	}
	return nil
}

// ResolvedToken returns Token, or the value of TokenEnv when Token is empty.
func (pc PlatformConfig) ResolvedToken() string {
	if pc.Token != "" {
		return pc.Token
	}
	if pc.TokenEnv != "" {
		return os.Getenv(pc.TokenEnv)
	}
	return ""
}
