// Package config loads the pool tunables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-zpool/internal/vdevcache"
	"github.com/deploymenttheory/go-zpool/internal/vdevqueue"
)

// Config holds every tunable of an open pool.
type Config struct {
	Queue vdevqueue.Config `mapstructure:"queue"`
	Cache vdevcache.Config `mapstructure:"cache"`
	ARC   ARCConfig        `mapstructure:"arc"`
	Log   LogConfig        `mapstructure:"log"`
}

// ARCConfig sizes the pool's shared block cache.
type ARCConfig struct {
	Entries int `mapstructure:"entries"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in tunables.
func Default() *Config {
	return &Config{
		Queue: vdevqueue.DefaultConfig(),
		Cache: vdevcache.DefaultConfig(),
		ARC:   ARCConfig{Entries: 1024},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the tunables for consistency.
func (c *Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if c.ARC.Entries <= 0 {
		return fmt.Errorf("arc: entries must be positive, got %d", c.ARC.Entries)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("queue.min_pending", d.Queue.MinPending)
	v.SetDefault("queue.max_pending", d.Queue.MaxPending)
	v.SetDefault("queue.agg_limit", d.Queue.AggLimit)
	v.SetDefault("queue.read_shift", d.Queue.ReadShift)
	v.SetDefault("queue.write_shift", d.Queue.WriteShift)
	v.SetDefault("queue.ramp_rate", d.Queue.RampRate)
	v.SetDefault("queue.target_latency", d.Queue.TargetLatency)
	v.SetDefault("cache.size", d.Cache.Size)
	v.SetDefault("cache.bshift", d.Cache.BlockShift)
	v.SetDefault("cache.max", d.Cache.Max)
	v.SetDefault("arc.entries", d.ARC.Entries)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads zpool-config.yaml from the usual search paths, or from path
// when it is set, layered over the defaults and ZPOOL_* environment
// variables. A missing config file is not an error unless path names it.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zpool-config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.zpool")
		v.AddConfigPath("/etc/zpool")
	}

	setDefaults(v)

	v.SetEnvPrefix("ZPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
