// Package config loads the YAML configuration shared by the muxrpc commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Client   ClientConfig   `yaml:"client"`
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

type ClientConfig struct {
	Mode         string   `yaml:"mode"` // fixed or discovery
	Endpoint     string   `yaml:"endpoint"`
	Service      string   `yaml:"service"`
	LoadBalancer string   `yaml:"load_balancer"` // round_robin, weighted_random, consistent_hash
	HashKey      string   `yaml:"hash_key"`
	Timeout      Duration `yaml:"timeout"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	Heartbeat    Duration `yaml:"heartbeat"`
	WriteTimeout Duration `yaml:"write_timeout"`
	MaxPending   int      `yaml:"max_pending"`
	ErrorBuffer  int      `yaml:"error_buffer"`
	RateLimit    float64  `yaml:"rate_limit"` // invocations per second, 0 = unlimited
	RateBurst    int      `yaml:"rate_burst"`
}

type ServerConfig struct {
	Listen          string   `yaml:"listen"`     // HTTP address for the WebSocket endpoint
	WSPath          string   `yaml:"ws_path"`
	TCPListen       string   `yaml:"tcp_listen"` // empty disables the TCP listener
	Advertise       string   `yaml:"advertise"`  // endpoint registered in etcd
	Weight          int      `yaml:"weight"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	Type string `yaml:"type"` // none, static or etcd
	// Static lists fixed endpoints for discovery mode without etcd.
	Static []string `yaml:"static"`
	Etcd   struct {
		Endpoints   []string `yaml:"endpoints"`
		DialTimeout Duration `yaml:"dial_timeout"`
		KeyPrefix   string   `yaml:"key_prefix"`
		LeaseTTL    int64    `yaml:"lease_ttl"`
	} `yaml:"etcd"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr"` // empty disables /metrics
	Namespace string `yaml:"namespace"`
}

// Duration reads "1.5s"-style strings.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Log: LogConfig{Level: "info"},
		Client: ClientConfig{
			Mode:         "fixed",
			Endpoint:     "ws://127.0.0.1:9000/rpc",
			Service:      "mux-rpc",
			LoadBalancer: "round_robin",
			Timeout:      Duration{30 * time.Second},
			DialTimeout:  Duration{10 * time.Second},
			Heartbeat:    Duration{30 * time.Second},
			WriteTimeout: Duration{10 * time.Second},
			ErrorBuffer:  64,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:9000",
			WSPath:          "/rpc",
			Weight:          1,
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Registry: RegistryConfig{Type: "none"},
		Metrics:  MetricsConfig{Namespace: "muxrpc"},
	}
	cfg.Registry.Etcd.DialTimeout = Duration{5 * time.Second}
	cfg.Registry.Etcd.KeyPrefix = "/mux-rpc"
	cfg.Registry.Etcd.LeaseTTL = 10
	return cfg
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Client.Mode {
	case "fixed":
		if c.Client.Endpoint == "" {
			return fmt.Errorf("%w: client.endpoint is required in fixed mode", ErrInvalid)
		}
	case "discovery":
		if c.Registry.Type == "none" || c.Registry.Type == "" {
			return fmt.Errorf("%w: client.mode discovery needs a registry", ErrInvalid)
		}
		if c.Client.Service == "" {
			return fmt.Errorf("%w: client.service is required in discovery mode", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: client.mode %q", ErrInvalid, c.Client.Mode)
	}

	switch c.Client.LoadBalancer {
	case "", "round_robin", "weighted_random", "consistent_hash":
	default:
		return fmt.Errorf("%w: client.load_balancer %q", ErrInvalid, c.Client.LoadBalancer)
	}
	if c.Client.MaxPending < 0 {
		return fmt.Errorf("%w: client.max_pending is negative", ErrInvalid)
	}
	if c.Client.RateLimit < 0 {
		return fmt.Errorf("%w: client.rate_limit is negative", ErrInvalid)
	}

	switch c.Registry.Type {
	case "", "none":
	case "static":
		if len(c.Registry.Static) == 0 {
			return fmt.Errorf("%w: registry.static is empty", ErrInvalid)
		}
	case "etcd":
		if len(c.Registry.Etcd.Endpoints) == 0 {
			return fmt.Errorf("%w: registry.etcd.endpoints is empty", ErrInvalid)
		}
		if c.Registry.Etcd.LeaseTTL <= 0 {
			return fmt.Errorf("%w: registry.etcd.lease_ttl must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: registry.type %q", ErrInvalid, c.Registry.Type)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}
