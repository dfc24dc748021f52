// Package config loads client settings from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smnsjas/go-jupytercore/connection"
	"github.com/smnsjas/go-jupytercore/kernelspec"
)

// EnvPrefix prefixes environment overrides, e.g. JUPYTERCORE_LOG_LEVEL.
const EnvPrefix = "JUPYTERCORE"

// Config holds client configuration.
type Config struct {
	Kernels    KernelsConfig    `mapstructure:"kernels"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Launch     LaunchConfig     `mapstructure:"launch"`
	Log        LogConfig        `mapstructure:"log"`
}

// KernelsConfig controls kernelspec discovery.
type KernelsConfig struct {
	// SearchPaths are kernels directories searched before the defaults.
	SearchPaths []string `mapstructure:"search_paths"`
	// SkipDefaults disables the platform search paths.
	SkipDefaults bool `mapstructure:"skip_defaults"`
	Concurrency  int  `mapstructure:"concurrency"`
}

// ConnectionConfig holds the transport settings.
type ConnectionConfig struct {
	Host             string        `mapstructure:"host"`
	SignatureScheme  string        `mapstructure:"signature_scheme"`
	StrictSignatures bool          `mapstructure:"strict_signatures"`
	Dir              string        `mapstructure:"dir"`
	DialRetry        time.Duration `mapstructure:"dial_retry"`
}

// LaunchConfig holds kernel start-up settings.
type LaunchConfig struct {
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	KillGrace    time.Duration `mapstructure:"kill_grace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

// DefaultPath returns the config file used when Load is given no path and
// JUPYTERCORE_CONFIG is unset.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "jupytercore", "config.yaml")
}

// Load reads configuration from path, or from JUPYTERCORE_CONFIG, or from
// DefaultPath. An explicit path must exist; the default one may not.
// Environment variables override file values.
func Load(path string) (Config, error) {
	v := viper.New()

	defaults := connection.DefaultConfig()
	v.SetDefault("kernels.search_paths", []string{})
	v.SetDefault("kernels.skip_defaults", false)
	v.SetDefault("kernels.concurrency", 8)
	v.SetDefault("connection.host", defaults.Host)
	v.SetDefault("connection.signature_scheme", defaults.SignatureScheme)
	v.SetDefault("connection.strict_signatures", false)
	v.SetDefault("connection.dir", "")
	v.SetDefault("connection.dial_retry", defaults.DialRetry)
	v.SetDefault("launch.ready_timeout", 60*time.Second)
	v.SetDefault("launch.kill_grace", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath()
	}

	if path != "" && !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values viper cannot type-check.
func (c Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Kernels.Concurrency < 1 {
		return fmt.Errorf("kernels.concurrency must be positive, got %d", c.Kernels.Concurrency)
	}
	return nil
}

// SearchPaths returns the configured directories, as user locations,
// followed by the platform defaults for env.
func (c Config) SearchPaths(env kernelspec.Env) []kernelspec.SearchPath {
	paths := make([]kernelspec.SearchPath, 0, len(c.Kernels.SearchPaths))
	for _, p := range c.Kernels.SearchPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, kernelspec.SearchPath{Path: p, Type: kernelspec.User})
		}
	}
	if !c.Kernels.SkipDefaults {
		paths = append(paths, kernelspec.DefaultSearchPaths(env)...)
	}
	return paths
}

// ConnectionConfig converts the transport settings.
func (c Config) ConnectionConfig() connection.Config {
	return connection.Config{
		Host:             c.Connection.Host,
		SignatureScheme:  c.Connection.SignatureScheme,
		StrictSignatures: c.Connection.StrictSignatures,
		Dir:              c.Connection.Dir,
		DialRetry:        c.Connection.DialRetry,
	}
}

// Logger builds a logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
