// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads holologin configuration from built-in defaults, an
// optional YAML file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/holologin/internal/xdg"
)

// Config is the complete configuration surface.
type Config struct {
	Login  Login  `koanf:"login"`
	Cache  Cache  `koanf:"cache"`
	Hash   Hash   `koanf:"hash"`
	Store  Store  `koanf:"store"`
	Server Server `koanf:"server"`
}

// Login configures the login state engine.
type Login struct {
	GracePeriod         time.Duration `koanf:"grace_period"`
	TickInterval        time.Duration `koanf:"tick_interval"`
	ReminderInterval    time.Duration `koanf:"reminder_interval"`
	MaxFailures         int           `koanf:"max_failures"`
	ProgressiveDelay    bool          `koanf:"progressive_delay"`
	RegistrationEnabled bool          `koanf:"registration_enabled"`
	MinPasswordLength   int           `koanf:"min_password_length"`
	MaxPasswordLength   int           `koanf:"max_password_length"`
}

// Cache configures trusted re-entry.
type Cache struct {
	Enabled            bool          `koanf:"enabled"`
	TTL                time.Duration `koanf:"ttl"`
	RequireSameAddress bool          `koanf:"require_same_address"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
}

// Hash configures the password hash algorithm for new credentials.
type Hash struct {
	Algorithm string `koanf:"algorithm"`
}

// Store configures account persistence.
type Store struct {
	Driver         string        `koanf:"driver"`
	SQLitePath     string        `koanf:"sqlite_path"`
	DatabaseURL    string        `koanf:"database_url"`
	WriteQueueSize int           `koanf:"write_queue_size"`
	RetryBase      time.Duration `koanf:"retry_base"`
	RetryMax       time.Duration `koanf:"retry_max"`
}

// Server configures listeners and logging.
type Server struct {
	TelnetAddr  string `koanf:"telnet_addr"`
	MetricsAddr string `koanf:"metrics_addr"`
	LogFormat   string `koanf:"log_format"`
}

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Defaults returns the built-in configuration keyed by koanf path.
func Defaults() map[string]any {
	return map[string]any{
		"login.grace_period":         60 * time.Second,
		"login.tick_interval":        time.Second,
		"login.reminder_interval":    10 * time.Second,
		"login.max_failures":         0,
		"login.progressive_delay":    false,
		"login.registration_enabled": true,
		"login.min_password_length":  4,
		"login.max_password_length":  72,
		"cache.enabled":              true,
		"cache.ttl":                  5 * time.Minute,
		"cache.require_same_address": true,
		"cache.sweep_interval":       time.Minute,
		"hash.algorithm":             "argon2id",
		"store.driver":               DriverSQLite,
		"store.sqlite_path":          "",
		"store.database_url":         "",
		"store.write_queue_size":     1024,
		"store.retry_base":           100 * time.Millisecond,
		"store.retry_max":            5 * time.Second,
		"server.telnet_addr":         "127.0.0.1:4201",
		"server.metrics_addr":        "127.0.0.1:9101",
		"server.log_format":          "json",
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"telnet-addr":          "server.telnet_addr",
	"metrics-addr":         "server.metrics_addr",
	"log-format":           "server.log_format",
	"store-driver":         "store.driver",
	"sqlite-path":          "store.sqlite_path",
	"database-url":         "store.database_url",
	"grace-period":         "login.grace_period",
	"max-failures":         "login.max_failures",
	"disable-registration": "login.registration_enabled",
	"cache-ttl":            "cache.ttl",
	"hash-algorithm":       "hash.algorithm",
}

// RegisterFlags adds the configuration flags to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("config", "", "config file (default: XDG_CONFIG_HOME/holologin/config.yaml if present)")
	flags.String("telnet-addr", d["server.telnet_addr"].(string), "telnet listen address")
	flags.String("metrics-addr", d["server.metrics_addr"].(string), "metrics/health HTTP address (empty = disabled)")
	flags.String("log-format", d["server.log_format"].(string), "log format (json or text)")
	flags.String("store-driver", d["store.driver"].(string), "account store driver (sqlite or postgres)")
	flags.String("sqlite-path", "", "SQLite accounts file (default: XDG_DATA_HOME/holologin/accounts.db)")
	flags.String("database-url", "", "PostgreSQL URL (default: $DATABASE_URL)")
	flags.Duration("grace-period", d["login.grace_period"].(time.Duration), "time allowed to log in before disconnection")
	flags.Int("max-failures", d["login.max_failures"].(int), "wrong passwords before disconnection (0 = unlimited)")
	flags.Bool("disable-registration", false, "reject identities without an account")
	flags.Duration("cache-ttl", d["cache.ttl"].(time.Duration), "trusted re-entry lifetime")
	flags.String("hash-algorithm", d["hash.algorithm"].(string), "hash algorithm for new credentials (argon2id or bcrypt)")
}

// Load builds the configuration. path names a YAML file; if empty the XDG
// default is used when it exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code("CONFIG_DEFAULTS_FAILED").With("key", key).Wrap(err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = xdg.ConfigFile()
	}
	if _, err := os.Stat(path); err == nil || explicit {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			if f.Name == "disable-registration" {
				return key, !posflag.FlagVal(flags, f).(bool)
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}

	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = xdg.AccountsDB()
	}
	cfg.Hash.Algorithm = strings.ToLower(cfg.Hash.Algorithm)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	positive := []struct {
		key string
		d   time.Duration
	}{
		{"login.grace_period", c.Login.GracePeriod},
		{"login.tick_interval", c.Login.TickInterval},
		{"cache.ttl", c.Cache.TTL},
		{"cache.sweep_interval", c.Cache.SweepInterval},
		{"store.retry_base", c.Store.RetryBase},
		{"store.retry_max", c.Store.RetryMax},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return invalid(p.key, "must be a positive duration, got %s", p.d)
		}
	}
	if c.Login.ReminderInterval < 0 {
		return invalid("login.reminder_interval", "must not be negative, got %s", c.Login.ReminderInterval)
	}
	if c.Store.RetryBase > c.Store.RetryMax {
		return invalid("store.retry_base", "must not exceed store.retry_max")
	}
	if c.Login.MaxFailures < 0 {
		return invalid("login.max_failures", "must be zero or positive, got %d", c.Login.MaxFailures)
	}
	if c.Login.MinPasswordLength < 1 || c.Login.MinPasswordLength > c.Login.MaxPasswordLength {
		return invalid("login.min_password_length", "must be between 1 and login.max_password_length")
	}
	if c.Store.WriteQueueSize < 1 {
		return invalid("store.write_queue_size", "must be positive, got %d", c.Store.WriteQueueSize)
	}
	switch c.Hash.Algorithm {
	case "argon2id", "bcrypt":
	default:
		return invalid("hash.algorithm", "must be 'argon2id' or 'bcrypt', got %q", c.Hash.Algorithm)
	}
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return invalid("store.database_url", "is required for the postgres driver")
		}
	default:
		return invalid("store.driver", "must be 'sqlite' or 'postgres', got %q", c.Store.Driver)
	}
	if c.Server.TelnetAddr == "" {
		return invalid("server.telnet_addr", "is required")
	}
	if c.Server.LogFormat != "json" && c.Server.LogFormat != "text" {
		return invalid("server.log_format", "must be 'json' or 'text', got %q", c.Server.LogFormat)
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("key", key).Errorf(key+" "+format, args...)
}
