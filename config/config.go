// Package config defines the service configuration and its loading rules:
// a YAML file with environment-variable overrides, read once at startup.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Main is the top-level service configuration.
type Main struct {
	Listen    Listen    `mapstructure:"listen"`
	Store     Store     `mapstructure:"store"`
	RateLimit RateLimit `mapstructure:"rateLimit"`
	GeoIP     GeoIP     `mapstructure:"geoip"`
	EventLog  EventLog  `mapstructure:"eventLog"`
	Log       Log       `mapstructure:"log"`
}

// Listen holds the edge and operational listener addresses.
type Listen struct {
	// Addr accepts tenant traffic.
	Addr string `mapstructure:"addr"`
	// OpsAddr serves health and cache invalidation endpoints.
	OpsAddr string `mapstructure:"opsAddr"`
	// BodyPeekSize caps how many body bytes the detection stages inspect.
	BodyPeekSize int `mapstructure:"bodyPeekSize"`
}

// Store selects and configures the backing store.
type Store struct {
	// Driver is "file" or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the YAML config file for the file driver.
	Path string `mapstructure:"path"`
	// DSN is the lib/pq connection string for the postgres driver.
	DSN string `mapstructure:"dsn"`
}

// RateLimit selects the counter backend.
type RateLimit struct {
	// Backend is "memory" or "redis".
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redisAddr"`
	RedisDB   int    `mapstructure:"redisDb"`
}

// GeoIP configures the country database.
type GeoIP struct {
	// DatabasePath points at a MaxMind country .mmdb file. Empty disables
	// geo blocking.
	DatabasePath string `mapstructure:"databasePath"`
	// WatchDatabase reloads automatically when the file changes.
	WatchDatabase bool `mapstructure:"watchDatabase"`
}

// EventLog configures the file-backed SecurityEvent sink.
type EventLog struct {
	// Path of the JSON-lines event log. Empty disables the file sink.
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups"`
}

// Log configures the process logger.
type Log struct {
	// Level is a zerolog level name.
	Level string `mapstructure:"level"`
	// Pretty switches to the human console writer.
	Pretty bool `mapstructure:"pretty"`
}

// Default returns the configuration used when nothing is specified.
func Default() Main {
	return Main{
		Listen: Listen{
			Addr:         ":8080",
			OpsAddr:      ":8081",
			BodyPeekSize: 128 * 1024,
		},
		Store: Store{
			Driver: "file",
			Path:   "edgewaf.yaml",
		},
		RateLimit: RateLimit{
			Backend: "memory",
		},
		EventLog: EventLog{
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the config file at path (optional) and applies EDGEWAF_*
// environment overrides on top of the defaults.
func Load(v *viper.Viper, path string) (cfg Main, err error) {
	cfg = Default()

	v.SetEnvPrefix("EDGEWAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err = v.ReadInConfig(); err != nil {
			err = fmt.Errorf("reading config %v: %v", path, err)
			return
		}
	}

	if err = v.Unmarshal(&cfg); err != nil {
		err = fmt.Errorf("parsing config: %v", err)
		return
	}
	return cfg, cfg.validate()
}

func (c Main) validate() (err error) {
	switch c.Store.Driver {
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rateLimit.redisAddr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}

	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr must not be empty")
	}
	return
}
