package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. TASKVIEW_STORE_BASE_URL.
const EnvPrefix = "TASKVIEW"

var defaults = map[string]any{
	"store.base_url":     "",
	"store.timeout":      10 * time.Second,
	"push.kind":          PushWebSocket,
	"push.path":          "",
	"push.redis_url":     "",
	"push.redis_channel": "task-events",
	"push.reconnect_max": 5 * time.Second,
	"view.page_size":     10,
	"view.discard_stale": false,
	"server.addr":        ":8090",
	"server.banner_ttl":  5 * time.Second,
	"log.level":          "info",
	"log.format":         "text",
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"store-url":  "store.base_url",
	"push":       "push.kind",
	"addr":       "server.addr",
	"page-size":  "view.page_size",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// Flags returns the flag set understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("store-url", "", "base URL of the task store")
	fs.String("push", PushWebSocket, "push source: websocket, sse, redis or none")
	fs.String("addr", ":8090", "listen address")
	fs.Int("page-size", 10, "tasks per page")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "text", "log format: text or json")
	return fs
}

// Load resolves the configuration. Flags that were set win over environment
// variables, which win over the file, which wins over defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its constraints and reports the first
// offending key.
func Validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid config %s: failed %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("invalid config: %w", err)
}
