// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package config loads the playground server configuration with Viper from a YAML file,
// PLAYGROUND_ environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	playground "github.com/buke/playground-go"
)

// EnvPrefix prefixes every environment override, e.g. PLAYGROUND_SERVER_PORT.
const EnvPrefix = "PLAYGROUND"

// DefaultConfigName is the config file looked up in the working directory.
const DefaultConfigName = "playground"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Project ProjectConfig `mapstructure:"project"`
	Compile CompileConfig `mapstructure:"compile"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // websocket origins besides the server's own
}

type ProjectConfig struct {
	Dir   string `mapstructure:"dir"`   // directory mirrored into the store
	File  string `mapstructure:"file"`  // YAML or JSON file map, used when Dir is empty
	Entry string `mapstructure:"entry"` // preferred entry document
	Watch bool   `mapstructure:"watch"` // follow changes in Dir
}

type CompileConfig struct {
	Target         string        `mapstructure:"target"`
	Sourcemap      bool          `mapstructure:"sourcemap"`
	Debounce       time.Duration `mapstructure:"debounce"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ExternalPolicy string        `mapstructure:"external_policy"`
	CDNBaseURL     string        `mapstructure:"cdn_base_url"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text or json
	File       string `mapstructure:"file"`   // rotate into this file instead of stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a Viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default so environment variables can override
// keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("project.dir", "")
	v.SetDefault("project.file", "")
	v.SetDefault("project.entry", playground.DefaultEntry)
	v.SetDefault("project.watch", true)

	v.SetDefault("compile.target", "es2020")
	v.SetDefault("compile.sourcemap", false)
	v.SetDefault("compile.debounce", playground.DefaultDebounce)
	v.SetDefault("compile.request_timeout", playground.DefaultRequestTimeout)
	v.SetDefault("compile.external_policy", string(playground.ExternalPassthrough))
	v.SetDefault("compile.cdn_base_url", playground.DefaultCDNBaseURL)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// ReadFile reads the config file at path, or playground.yaml from the working directory when
// path is empty. A missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}

	v.AddConfigPath(".")
	v.SetConfigName(DefaultConfigName)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d is out of range", c.Server.Port))
	}
	if c.Project.Dir != "" && c.Project.File != "" {
		errs = append(errs, errors.New("project: dir and file are mutually exclusive"))
	}
	if c.Project.Entry == "" {
		errs = append(errs, errors.New("project.entry: must not be empty"))
	}
	if _, err := playground.ParseTarget(c.Compile.Target); err != nil {
		errs = append(errs, fmt.Errorf("compile.target: %w", err))
	}
	if c.Compile.Debounce < 0 {
		errs = append(errs, fmt.Errorf("compile.debounce: %s is negative", c.Compile.Debounce))
	}
	if c.Compile.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("compile.request_timeout: %s is negative", c.Compile.RequestTimeout))
	}
	if !playground.ExternalPolicy(c.Compile.ExternalPolicy).Valid() {
		errs = append(errs, fmt.Errorf("compile.external_policy: unknown policy %q", c.Compile.ExternalPolicy))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// CompileOptions returns the compiler settings.
func (c *Config) CompileOptions() playground.CompileOptions {
	target, _ := playground.ParseTarget(c.Compile.Target)
	return playground.CompileOptions{Target: target, Sourcemap: c.Compile.Sourcemap}
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}
