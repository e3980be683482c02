// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads dbsession settings through viper: defaults, then a
// dbsession.yaml from the user, system or current directory, then
// DBSESSION_* environment variables, then bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RuntimeOS is the operating system used to pick config locations.
var RuntimeOS = runtime.GOOS

type DatabaseConfig struct {
	Type        string        `mapstructure:"type" yaml:"type"`
	DSN         string        `mapstructure:"dsn" yaml:"dsn"`
	DataDir     string        `mapstructure:"data_dir" yaml:"data_dir"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ShortDelay  time.Duration `mapstructure:"short_delay" yaml:"short_delay"`
	LongDelay   time.Duration `mapstructure:"long_delay" yaml:"long_delay"`
	LongEvery   int           `mapstructure:"long_every" yaml:"long_every"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Config is the full settings tree.
type Config struct {
	Database         DatabaseConfig `mapstructure:"database" yaml:"database"`
	Retry            RetryConfig    `mapstructure:"retry" yaml:"retry"`
	InitPollInterval time.Duration  `mapstructure:"init_poll_interval" yaml:"init_poll_interval"`
	Log              LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics          MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// Defaults returns the built-in values keyed the way viper addresses them.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":         "sqlite",
		"database.dsn":          "",
		"database.data_dir":     "./data",
		"database.busy_timeout": "5s",
		"retry.max_attempts":    200,
		"retry.short_delay":     "20ms",
		"retry.long_delay":      "500ms",
		"retry.long_every":      10,
		"init_poll_interval":    "100ms",
		"log.level":             "info",
		"metrics.listen":        "",
	}
}

var validTypes = map[string]bool{"sqlite": true, "postgres": true, "mysql": true}

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var errs []error
	t := strings.ToLower(c.Database.Type)
	if !validTypes[t] {
		errs = append(errs, fmt.Errorf("database.type: unsupported database type '%s'", c.Database.Type))
	}
	if (t == "postgres" || t == "mysql") && c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn: required for %s", t))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.ShortDelay <= 0 || c.Retry.LongDelay <= 0 {
		errs = append(errs, errors.New("retry delays must be positive"))
	}
	if c.Retry.LongEvery <= 0 {
		errs = append(errs, errors.New("retry.long_every must be positive"))
	}
	if c.InitPollInterval <= 0 {
		errs = append(errs, errors.New("init_poll_interval must be positive"))
	}
	return errors.Join(errs...)
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch RuntimeOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "dbsession")
		default: // Linux, macOS, etc.
			configDir = "/etc/dbsession"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "dbsession")
	}

	return filepath.Join(configDir, "dbsession.yaml"), nil
}

// LoadConfig resolves T from defaults, config files, environment and the
// flags of cmd. A missing config file is not an error; explicitFile, when
// set, must exist and parse.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, explicitFile *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("dbsession")
	v.SetConfigType("yaml")
	if explicitFile != nil {
		v.SetConfigFile(*explicitFile)
	}
	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// It's okay if the file is not found, but other errors are fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, err
		}
	}

	v.SetEnvPrefix("dbsession")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

// WriteConfigFile stores c at the user or system config path.
func WriteConfigFile[T any](c *T, system bool) (string, error) {
	path, err := GetConfigPath(system)
	if err != nil {
		return "", err
	}
	return path, WriteConfigTo(c, path)
}

// WriteConfigTo marshals c as YAML into path, creating parent directories.
func WriteConfigTo[T any](c *T, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}
	// DSNs may carry passwords.
	return os.WriteFile(path, data, 0o600)
}
