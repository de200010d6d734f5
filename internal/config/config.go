// Package config loads the bot configuration from a YAML file and REMEDY_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/bot"
)

// EnvPrefix is prepended to every key when read from the environment:
// shard.count is REMEDY_SHARD_COUNT.
const EnvPrefix = "REMEDY"

type Config struct {
	Token    string `mapstructure:"token"`
	Intents  int    `mapstructure:"intents"`
	Compress bool   `mapstructure:"compress"`

	Shard struct {
		Count          int   `mapstructure:"count"`
		IDs            []int `mapstructure:"ids"`
		LargeThreshold int   `mapstructure:"large_threshold"`
	} `mapstructure:"shard"`

	API struct {
		BaseURL         string `mapstructure:"base_url"`
		GlobalRateLimit int    `mapstructure:"global_rate_limit"`
	} `mapstructure:"api"`

	Gateway struct {
		URL     string `mapstructure:"url"`
		Version int    `mapstructure:"version"`
	} `mapstructure:"gateway"`

	Identify struct {
		Hold    time.Duration `mapstructure:"hold"`
		Refresh time.Duration `mapstructure:"refresh"`
	} `mapstructure:"identify"`

	Reconnect struct {
		Min time.Duration `mapstructure:"min"`
		Max time.Duration `mapstructure:"max"`
	} `mapstructure:"reconnect"`

	Restart struct {
		Min time.Duration `mapstructure:"min"`
		Max time.Duration `mapstructure:"max"`
	} `mapstructure:"restart"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

// SetDefaults registers every key with its default value. Keys must be
// known to viper for environment variables to be picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := bot.DefaultConfig("")

	v.SetDefault("token", "")
	v.SetDefault("intents", 0)
	v.SetDefault("compress", d.Compress)
	v.SetDefault("shard.count", 0)
	v.SetDefault("shard.ids", []int{})
	v.SetDefault("shard.large_threshold", d.LargeThreshold)
	v.SetDefault("api.base_url", d.APIBaseURL)
	v.SetDefault("api.global_rate_limit", d.GlobalRateLimit)
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.version", d.Version)
	v.SetDefault("identify.hold", d.IdentifyHold)
	v.SetDefault("identify.refresh", d.IdentifyRefresh)
	v.SetDefault("reconnect.min", d.MinBackoff)
	v.SetDefault("reconnect.max", d.MaxBackoff)
	v.SetDefault("restart.min", d.MinRestart)
	v.SetDefault("restart.max", d.MaxRestart)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.addr", "")
}

// Load reads path (optional) and the environment into a Config. v may carry
// bound command line flags; nil uses a fresh instance.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.Token == "" {
		return &remedy.EnvironmentVariableError{Name: EnvPrefix + "_TOKEN"}
	}
	if c.Shard.Count < 0 {
		return fmt.Errorf("invalid shard count %d", c.Shard.Count)
	}
	for _, id := range c.Shard.IDs {
		if id < 0 || (c.Shard.Count > 0 && id >= c.Shard.Count) {
			return fmt.Errorf("shard id %d out of range for %d shards", id, c.Shard.Count)
		}
	}
	if c.Reconnect.Max > 0 && c.Reconnect.Max < c.Reconnect.Min {
		return errors.New("reconnect.max must not be below reconnect.min")
	}
	return nil
}

// Bot converts the configuration for bot.New.
func (c *Config) Bot(logger *zap.Logger, reg prometheus.Registerer) *bot.Config {
	cfg := bot.DefaultConfig(c.Token)
	cfg.Intents = c.Intents
	cfg.Compress = c.Compress
	cfg.ShardCount = c.Shard.Count
	cfg.ShardIDs = c.Shard.IDs
	cfg.LargeThreshold = c.Shard.LargeThreshold
	cfg.APIBaseURL = c.API.BaseURL
	cfg.GlobalRateLimit = c.API.GlobalRateLimit
	cfg.GatewayURL = c.Gateway.URL
	cfg.Version = c.Gateway.Version
	cfg.IdentifyHold = c.Identify.Hold
	cfg.IdentifyRefresh = c.Identify.Refresh
	cfg.MinBackoff = c.Reconnect.Min
	cfg.MaxBackoff = c.Reconnect.Max
	cfg.MinRestart = c.Restart.Min
	cfg.MaxRestart = c.Restart.Max
	cfg.Logger = logger
	cfg.Registerer = reg
	return cfg
}
