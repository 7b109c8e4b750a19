package config

import (
	"time"

	"github.com/arenalive/relay/pkg/transport"
)

type Config struct {
	Mode      string                     `mapstructure:"mode"` // "development" or "production"
	LogLevel  string                     `mapstructure:"logLevel"`
	Server    ServerConfig               `mapstructure:"server"`
	Transport transport.ConnectionConfig `mapstructure:"transport"`
	Auth      AuthConfig                 `mapstructure:"auth"`
	Redis     RedisConfig                `mapstructure:"redis"`
	History   HistoryConfig              `mapstructure:"history"`
	Recovery  RecoveryConfig             `mapstructure:"recovery"`
	Heartbeat HeartbeatConfig            `mapstructure:"heartbeat"`
}

type ServerConfig struct {
	Address         string                `mapstructure:"address"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
}

type HistoryConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	DefaultCount int64         `mapstructure:"defaultCount"`
	MaxCount     int64         `mapstructure:"maxCount"`
}

type RecoveryConfig struct {
	BreakerThreshold int           `mapstructure:"breakerThreshold"`
	BreakerCooldown  time.Duration `mapstructure:"breakerCooldown"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Production reports whether client-visible errors must stay generic.
func (c *Config) Production() bool {
	return c.Mode == "production"
}
