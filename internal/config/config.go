// Package config loads atelier's runtime configuration from an optional
// YAML file and ATELIER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/roach88/atelier/internal/retry"
)

// EnvPrefix prefixes every environment variable. The dot in keys becomes an
// underscore: "cache.ttl" is read from ATELIER_CACHE_TTL.
const EnvPrefix = "ATELIER"

// Config aggregates configuration for the application.
type Config struct {
	// Definition is a CUE workflow file. Empty selects the embedded default.
	Definition string      `mapstructure:"definition"`
	Store      StoreConfig `mapstructure:"store"`
	Cache      CacheConfig `mapstructure:"cache"`
	Retry      RetryConfig `mapstructure:"retry"`
	Redis      RedisConfig `mapstructure:"redis"`
	HTTP       HTTPConfig  `mapstructure:"http"`
	Log        LogConfig   `mapstructure:"log"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type CacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	Retention time.Duration `mapstructure:"retention"`
	Capacity  uint64        `mapstructure:"capacity"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// Policy converts the configuration into a retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
	}
}

// RedisConfig selects the push channel. When disabled an in-process channel
// is used.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, receives a JSON copy of every record.
	File string `mapstructure:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "atelier.db"},
		Cache: CacheConfig{TTL: 30 * time.Second},
		Retry: RetryConfig{
			MaxAttempts:     retry.DefaultPolicy.MaxAttempts,
			InitialInterval: retry.DefaultPolicy.InitialInterval,
			MaxInterval:     retry.DefaultPolicy.MaxInterval,
		},
		Redis: RedisConfig{Addr: "localhost:6379", Channel: "atelier:dossiers"},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from files and environment variables.
//
// With an empty path, atelier.yaml is looked up in the working directory and
// its absence is not an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("atelier")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Cache.TTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL))
	}
	if c.Cache.Retention < 0 {
		result = multierror.Append(result, fmt.Errorf("cache.retention must not be negative"))
	}
	if c.Retry.MaxAttempts == 0 {
		result = multierror.Append(result, fmt.Errorf("retry.max_attempts must be at least 1"))
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		result = multierror.Append(result, fmt.Errorf("retry.max_interval %s is below retry.initial_interval %s",
			c.Retry.MaxInterval, c.Retry.InitialInterval))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		result = multierror.Append(result, fmt.Errorf("redis.addr is required when redis.enabled"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return result.ErrorOrNil()
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
