// Package config loads the task view settings from defaults, an optional YAML
// file, TASKVIEW_ environment variables and command-line flags.
package config

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Push source kinds.
const (
	PushWebSocket = "websocket"
	PushSSE       = "sse"
	PushRedis     = "redis"
	PushNone      = "none"
)

type Config struct {
	Store  StoreConfig  `mapstructure:"store"`
	Push   PushConfig   `mapstructure:"push"`
	View   ViewConfig   `mapstructure:"view"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

type StoreConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// PushConfig selects where change notifications come from. An empty Path
// means the default path of the chosen kind.
type PushConfig struct {
	Kind         string        `mapstructure:"kind" validate:"oneof=websocket sse redis none"`
	Path         string        `mapstructure:"path"`
	RedisURL     string        `mapstructure:"redis_url" validate:"required_if=Kind redis"`
	RedisChannel string        `mapstructure:"redis_channel" validate:"required_if=Kind redis"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max" validate:"gt=0"`
}

type ViewConfig struct {
	PageSize     int  `mapstructure:"page_size" validate:"gt=0,lte=100"`
	DiscardStale bool `mapstructure:"discard_stale"`
}

type ServerConfig struct {
	Addr      string        `mapstructure:"addr" validate:"required"`
	BannerTTL time.Duration `mapstructure:"banner_ttl" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Apply configures logger with the level and format.
func (c LogConfig) Apply(logger *log.Logger) error {
	lvl, err := log.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	if c.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
