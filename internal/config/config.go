package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mitchellh/mapstructure"

	"github.com/darmiel/cirrus/internal/core"
	"github.com/darmiel/cirrus/internal/functions"
	"github.com/darmiel/cirrus/internal/installations"
	"github.com/darmiel/cirrus/internal/store"
)

type Config struct {
	App           core.AppConfig      `yaml:"app" mapstructure:"app"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Broadcast     BroadcastConfig     `yaml:"broadcast" mapstructure:"broadcast"`
	Installations InstallationsConfig `yaml:"installations" mapstructure:"installations"`
	Functions     FunctionsConfig     `yaml:"functions" mapstructure:"functions"`
	Emulator      EmulatorConfig      `yaml:"emulator" mapstructure:"emulator"`
	Watch         WatchConfig         `yaml:"watch" mapstructure:"watch"`
}

// StoreConfig selects where installation records are kept.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // sqlite, bolt or memory
	Path   string `yaml:"path" mapstructure:"path"`
}

// BroadcastConfig enables FID change notifications across machines.
// Without a Redis URL, notifications stay inside the process.
type BroadcastConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

type InstallationsConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

type FunctionsConfig struct {
	// Region is a region name or the URL of a custom domain.
	Region string `yaml:"region" mapstructure:"region"`

	// Emulator is the host:port of a functions emulator.
	Emulator string `yaml:"emulator" mapstructure:"emulator"`

	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type EmulatorConfig struct {
	Addr       string        `yaml:"addr" mapstructure:"addr"`
	SigningKey string        `yaml:"signing_key" mapstructure:"signing_key"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	TokenTTL   time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

type WatchConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	MetricsAddr string        `yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

const (
	DefaultEmulatorAddr  = "127.0.0.1:5001"
	DefaultWatchInterval = time.Minute
	DefaultBroadcastName = "cirrus"
)

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.complete(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromMap decodes a configuration from a generic map, e.g. the settings of
// viper, and validates it.
func FromMap(values map[string]any) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}
	if err := decoder.Decode(values); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.complete(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) complete() error {
	if err := c.ApplyDefaults(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// ApplyDefaults fills in unset values.
func (c *Config) ApplyDefaults() error {
	if c.App.AppName == "" {
		c.App.AppName = core.DefaultAppName
	}
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverSQLite
	}
	if c.Store.Path == "" && c.Store.Driver != store.DriverMemory {
		path, err := store.DefaultPath(c.Store.Driver)
		if err != nil {
			return err
		}
		c.Store.Path = path
	}
	if c.Broadcast.Prefix == "" {
		c.Broadcast.Prefix = DefaultBroadcastName
	}
	if c.Installations.Endpoint == "" {
		c.Installations.Endpoint = installations.DefaultEndpoint
	}
	if c.Functions.Region == "" {
		c.Functions.Region = functions.DefaultRegion
	}
	if c.Functions.Timeout == 0 {
		c.Functions.Timeout = functions.DefaultTimeout
	}
	if c.Emulator.Addr == "" {
		c.Emulator.Addr = DefaultEmulatorAddr
	}
	if c.Emulator.TokenTTL == 0 {
		c.Emulator.TokenTTL = 7 * 24 * time.Hour
	}
	if c.Watch.Interval == 0 {
		c.Watch.Interval = DefaultWatchInterval
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if missing := c.App.MissingFields(); len(missing) > 0 {
		errs = append(errs, fmt.Errorf("app: missing %v", missing))
	}

	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverBolt, store.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver '%s'", c.Store.Driver))
	}

	if c.Broadcast.RedisURL != "" {
		if _, err := url.Parse(c.Broadcast.RedisURL); err != nil {
			errs = append(errs, fmt.Errorf("broadcast: invalid redis_url: %w", err))
		}
	}

	if _, err := url.ParseRequestURI(c.Installations.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("installations: invalid endpoint: %w", err))
	}

	if c.Functions.Emulator != "" {
		if _, _, err := SplitHostPort(c.Functions.Emulator); err != nil {
			errs = append(errs, fmt.Errorf("functions: invalid emulator: %w", err))
		}
	}
	if c.Functions.Timeout < 0 {
		errs = append(errs, errors.New("functions: timeout must not be negative"))
	}

	if c.Watch.Interval < 0 {
		errs = append(errs, errors.New("watch: interval must not be negative"))
	}

	return errors.Join(errs...)
}

// SplitHostPort splits "host:port" into its parts.
func SplitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port '%s'", portStr)
	}
	return host, port, nil
}
