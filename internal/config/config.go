// Package config loads client configuration from defaults, an optional
// YAML file and TERN_-prefixed environment variables, in that
// precedence order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "TERN"

	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 120 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConnsPerOrigin: 10,
			MaxIdlePerOrigin:  4,
			NumPools:          10,
			BlockIfFull:       true,
			GlobalMaxConns:    0,
		},
		Timeouts: TimeoutConfig{
			Connect:  DefaultConnectTimeout,
			Read:     DefaultReadTimeout,
			Write:    DefaultWriteTimeout,
			Continue: 1 * time.Second,
		},
		Retries: RetryConfig{
			Total:             3,
			Redirect:          30,
			BackoffFactor:     0.5,
			BackoffMax:        120 * time.Second,
			RespectRetryAfter: true,
		},
		Keepalive: KeepaliveConfig{
			IdleWindow: 30 * time.Second,
			Delay:      10 * time.Minute,
		},
		Transport: TransportConfig{
			PreferH3:        false,
			KeepAlivePeriod: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			PrettyLogs: true,
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Load reads configuration from an optional file path plus environment
// overrides layered over the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("pool.maxconnsperorigin", def.Pool.MaxConnsPerOrigin)
	v.SetDefault("pool.maxidleperorigin", def.Pool.MaxIdlePerOrigin)
	v.SetDefault("pool.numpools", def.Pool.NumPools)
	v.SetDefault("pool.blockiffull", def.Pool.BlockIfFull)
	v.SetDefault("pool.globalmaxconns", def.Pool.GlobalMaxConns)

	v.SetDefault("timeouts.connect", def.Timeouts.Connect)
	v.SetDefault("timeouts.read", def.Timeouts.Read)
	v.SetDefault("timeouts.write", def.Timeouts.Write)
	v.SetDefault("timeouts.continue", def.Timeouts.Continue)

	v.SetDefault("retries.total", def.Retries.Total)
	v.SetDefault("retries.redirect", def.Retries.Redirect)
	v.SetDefault("retries.backofffactor", def.Retries.BackoffFactor)
	v.SetDefault("retries.backoffmax", def.Retries.BackoffMax)
	v.SetDefault("retries.respectretryafter", def.Retries.RespectRetryAfter)

	v.SetDefault("keepalive.idlewindow", def.Keepalive.IdleWindow)
	v.SetDefault("keepalive.delay", def.Keepalive.Delay)
	v.SetDefault("keepalive.closewhenunverified", def.Keepalive.CloseWhenUnverified)

	v.SetDefault("transport.preferh3", def.Transport.PreferH3)
	v.SetDefault("transport.keepaliveperiod", def.Transport.KeepAlivePeriod)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.theme", def.Logging.Theme)
	v.SetDefault("logging.prettylogs", def.Logging.PrettyLogs)
	v.SetDefault("logging.fileoutput", def.Logging.FileOutput)
	v.SetDefault("logging.logdir", def.Logging.LogDir)
	v.SetDefault("logging.maxsize", def.Logging.MaxSize)
	v.SetDefault("logging.maxbackups", def.Logging.MaxBackups)
	v.SetDefault("logging.maxage", def.Logging.MaxAge)
}

// Validate rejects configurations the pools cannot honour.
func (c *Config) Validate() error {
	if c.Pool.MaxConnsPerOrigin < 1 {
		return &ValidationError{Field: "pool.maxconnsperorigin", Value: c.Pool.MaxConnsPerOrigin, Reason: "must be at least 1"}
	}
	if c.Pool.MaxIdlePerOrigin > c.Pool.MaxConnsPerOrigin {
		return &ValidationError{Field: "pool.maxidleperorigin", Value: c.Pool.MaxIdlePerOrigin, Reason: "cannot exceed pool.maxconnsperorigin"}
	}
	if c.Pool.NumPools < 1 {
		return &ValidationError{Field: "pool.numpools", Value: c.Pool.NumPools, Reason: "must be at least 1"}
	}
	if c.Retries.Total < 0 {
		return &ValidationError{Field: "retries.total", Value: c.Retries.Total, Reason: "cannot be negative"}
	}
	if c.Keepalive.IdleWindow < time.Second {
		return &ValidationError{Field: "keepalive.idlewindow", Value: c.Keepalive.IdleWindow, Reason: "minimum is 1s"}
	}
	return nil
}

type ValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s=%v: %s", e.Field, e.Value, e.Reason)
}
