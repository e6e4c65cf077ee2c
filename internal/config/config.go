// Package config loads service configuration from an optional file and MARKETSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MARKETSYNC_SYNC_MIN_INTERVAL.
const EnvPrefix = "MARKETSYNC"

// Config is the full service configuration.
type Config struct {
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	UseMemory     bool   `mapstructure:"use_memory"`
	ClickhouseDSN string `mapstructure:"clickhouse_dsn"` // optional audit sink

	EventSource EventSourceConfig `mapstructure:"event_source"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	HTTP        HTTPConfig        `mapstructure:"http"`
}

// EventSourceConfig configures the upstream event poll client.
type EventSourceConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyHeader string        `mapstructure:"api_key_header"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchLimit   int           `mapstructure:"batch_limit"`
}

// MarketplaceConfig configures the marketplace query client.
type MarketplaceConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyHeader string        `mapstructure:"api_key_header"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SyncConfig configures the scheduler.
type SyncConfig struct {
	// Interval is the timer period.
	Interval time.Duration `mapstructure:"interval"`
	// MinInterval is the throttle window for non-forced ticks.
	MinInterval time.Duration `mapstructure:"min_interval"`
	// Workers sets how many unrelated assets reconcile in parallel within a batch.
	Workers               int  `mapstructure:"workers"`
	IgnoreUntrackedAssets bool `mapstructure:"ignore_untracked_assets"`
}

// NotifyConfig configures the optional push wake-up subscriber.
type NotifyConfig struct {
	WSURL string `mapstructure:"ws_url"`
}

// HTTPConfig configures the local HTTP surface.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

var defaults = map[string]any{
	"postgres_dsn":                 "",
	"use_memory":                   false,
	"clickhouse_dsn":               "",
	"event_source.url":             "",
	"event_source.api_key":         "",
	"event_source.api_key_header":  "Api-Key",
	"event_source.timeout":         "15s",
	"event_source.batch_limit":     100,
	"marketplace.url":              "",
	"marketplace.api_key":          "",
	"marketplace.api_key_header":   "X-API-KEY",
	"marketplace.timeout":          "15s",
	"sync.interval":                "60s",
	"sync.min_interval":            "30s",
	"sync.workers":                 1,
	"sync.ignore_untracked_assets": false,
	"notify.ws_url":                "",
	"http.addr":                    ":8080",
}

// Load reads configuration from path (optional; any format viper understands) and the environment.
// Environment variables win over the file; the file wins over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Check validates the configuration.
func (c *Config) Check() error {
	if err := c.checkStorage(); err != nil {
		return err
	}
	if err := checkURL("event_source.url", c.EventSource.URL, true, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("marketplace.url", c.Marketplace.URL, false, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("notify.ws_url", c.Notify.WSURL, false, "ws", "wss"); err != nil {
		return err
	}
	if err := c.checkSync(); err != nil {
		return err
	}
	return c.checkHTTP()
}

func (c *Config) checkStorage() error {
	if !c.UseMemory && c.PostgresDSN == "" {
		return errors.New("postgres_dsn must be set unless use_memory is enabled")
	}
	return nil
}

func (c *Config) checkSync() error {
	if c.Sync.Workers < 1 {
		return errors.New("value of 'sync.workers' must greater than or equal to 1")
	}
	if c.Sync.MinInterval < 0 {
		return errors.New("value of 'sync.min_interval' cannot be negative")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("value of 'sync.interval' must be positive")
	}
	if c.EventSource.BatchLimit < 1 {
		return errors.New("value of 'event_source.batch_limit' must greater than or equal to 1")
	}
	if c.EventSource.Timeout <= 0 || c.Marketplace.Timeout <= 0 {
		return errors.New("client timeouts must be positive")
	}
	return nil
}

func (c *Config) checkHTTP() error {
	if _, _, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
		return fmt.Errorf("invalid http.addr %q: %w", c.HTTP.Addr, err)
	}
	return nil
}

func checkURL(key, raw string, required bool, schemes ...string) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s must be set", key)
		}
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s %q: missing host", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: scheme must be one of %s", key, raw, strings.Join(schemes, ", "))
}
