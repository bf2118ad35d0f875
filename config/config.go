// Package config loads display-rpc configuration.
//
// Configuration is loaded from a single YAML file specified by:
//   - DISPLAY_RPC_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There is no automatic discovery. Values missing from the file keep their
// defaults; command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"display-rpc/codec"
	"display-rpc/loadbalance"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "DISPLAY_RPC_CONFIG"

// ErrNoConfig is returned by Load when EnvVar is unset.
var ErrNoConfig = errors.New(EnvVar + " environment variable not set")

type Config struct {
	// SocketPath is the display server's AF_UNIX socket.
	// Default: /run/display-rpc/display.sock
	SocketPath string `yaml:"socket_path"`

	// Codec is the envelope serialization: cbor or json. Both ends must agree.
	Codec string `yaml:"codec"`

	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Client   ClientConfig   `yaml:"client"`
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
}

type ClientConfig struct {
	// ApplicationName is sent in connect and keys consistent hashing.
	ApplicationName string `yaml:"application_name"`

	// CallTimeout bounds each blocking call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Balancer picks among discovered servers: round_robin, weighted_random,
	// consistent_hash.
	Balancer string `yaml:"balancer"`
}

type ServerConfig struct {
	// RateLimit is calls per second across all sessions; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// RequestTimeout bounds each handler; 0 disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds the wait for in-flight calls on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RegistryConfig enables endpoint discovery through etcd. With no endpoints,
// clients use SocketPath directly and servers do not advertise.
type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Service     string        `yaml:"service"`
	LeaseTTL    int64         `yaml:"lease_ttl"` // Seconds
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func Default() *Config {
	return &Config{
		SocketPath: "/run/display-rpc/display.sock",
		Codec:      "cbor",
		LogLevel:   "info",
		Client: ClientConfig{
			ApplicationName: "display-probe",
			CallTimeout:     5 * time.Second,
			Balancer:        "round_robin",
		},
		Server: ServerConfig{
			RateBurst:       100,
			RequestTimeout:  2 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Registry: RegistryConfig{
			Service:     "display",
			LeaseTTL:    10,
			DialTimeout: 3 * time.Second,
		},
	}
}

// Load loads the file named by DISPLAY_RPC_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, ErrNoConfig
	}
	return LoadFile(path)
}

// LoadFile loads path over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs error

	if c.SocketPath == "" && len(c.Registry.Endpoints) == 0 {
		errs = multierr.Append(errs, errors.New("socket_path or registry.endpoints is required"))
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("codec: %w", err))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log_level: %w", err))
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("client.balancer: %w", err))
	}
	if c.Client.CallTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("client.call_timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = multierr.Append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		errs = multierr.Append(errs, errors.New("server.rate_burst must be positive when rate limiting"))
	}
	if len(c.Registry.Endpoints) > 0 {
		if c.Registry.Service == "" {
			errs = multierr.Append(errs, errors.New("registry.service is required"))
		}
		if c.Registry.LeaseTTL <= 0 {
			errs = multierr.Append(errs, errors.New("registry.lease_ttl must be positive"))
		}
	}
	return errs
}

// CodecType returns the configured codec. Validate first.
func (c *Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// NewLogger builds a production zap logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
