// Package config loads server configuration from the environment and an
// optional .env file using Viper. Env vars override .env values.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	// Port is the TCP port the server listens on.
	Port int `mapstructure:"SECUREMSG_PORT"`
	// DataDir holds the sqlite store and the JSON mirror files.
	DataDir string `mapstructure:"SECUREMSG_DATA_DIR"`
	// ReadTimeout is the per-connection read deadline in seconds. A
	// connection that sends nothing (not even an Alive frame) for this
	// long is closed.
	ReadTimeout int `mapstructure:"SECUREMSG_READ_TIMEOUT"`
	// WriteTimeout is the per-frame write deadline in seconds.
	WriteTimeout int `mapstructure:"SECUREMSG_WRITE_TIMEOUT"`
	// SessionTTL is the session lifetime in seconds without a heartbeat.
	SessionTTL int `mapstructure:"SECUREMSG_SESSION_TTL"`
	// SweepInterval is how often expired sessions are swept, in seconds.
	SweepInterval int `mapstructure:"SECUREMSG_SWEEP_INTERVAL"`
	// KDFIterations is the PBKDF2 iteration count for password hashing.
	KDFIterations int `mapstructure:"SECUREMSG_KDF_ITERATIONS"`
	// TokenSecret signs session tokens. Required in production; a random
	// per-process secret is generated when empty.
	TokenSecret string `mapstructure:"SECUREMSG_TOKEN_SECRET"`
	// LockRetryMillis bounds how long a write waits for a file lock
	// before failing with a retryable store-busy error.
	LockRetryMillis int `mapstructure:"SECUREMSG_LOCK_RETRY_MILLIS"`
	// ControlSocket is the unix socket path for management commands.
	ControlSocket string `mapstructure:"SECUREMSG_CONTROL_SOCKET"`
}

// Load reads .env (if present), then builds Config from the environment.
// Missing .env is ignored.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("SECUREMSG_PORT", 8765)
	v.SetDefault("SECUREMSG_DATA_DIR", "data")
	v.SetDefault("SECUREMSG_READ_TIMEOUT", 120)
	v.SetDefault("SECUREMSG_WRITE_TIMEOUT", 30)
	v.SetDefault("SECUREMSG_SESSION_TTL", 300)
	v.SetDefault("SECUREMSG_SWEEP_INTERVAL", 30)
	v.SetDefault("SECUREMSG_KDF_ITERATIONS", 100000)
	v.SetDefault("SECUREMSG_TOKEN_SECRET", "")
	v.SetDefault("SECUREMSG_LOCK_RETRY_MILLIS", 2000)
	v.SetDefault("SECUREMSG_CONTROL_SOCKET", "/tmp/securemsg.sock")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.New("config: SECUREMSG_PORT out of range")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("config: SECUREMSG_DATA_DIR must be set")
	}
	if cfg.KDFIterations < 10000 {
		return nil, errors.New("config: SECUREMSG_KDF_ITERATIONS must be at least 10000")
	}

	return &cfg, nil
}

// ReadDeadline returns ReadTimeout as a duration.
func (c *Config) ReadDeadline() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

// WriteDeadline returns WriteTimeout as a duration.
func (c *Config) WriteDeadline() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// SessionLifetime returns SessionTTL as a duration.
func (c *Config) SessionLifetime() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}

// SweepEvery returns SweepInterval as a duration.
func (c *Config) SweepEvery() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// LockRetryWindow returns LockRetryMillis as a duration.
func (c *Config) LockRetryWindow() time.Duration {
	return time.Duration(c.LockRetryMillis) * time.Millisecond
}
