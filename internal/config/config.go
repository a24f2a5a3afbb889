// Package config loads bookingd configuration from defaults, an optional
// yaml file and BOOKING_ prefixed environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. BOOKING_DATABASE_DRIVER
const EnvPrefix = "BOOKING"

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every bookingd setting
type Config struct {
	Database   Database   `mapstructure:"database"`
	HTTP       HTTP       `mapstructure:"http"`
	Log        Log        `mapstructure:"log"`
	Codec      Codec      `mapstructure:"codec"`
	History    History    `mapstructure:"history"`
	Projection Projection `mapstructure:"projection"`
	Snapshot   Snapshot   `mapstructure:"snapshot"`
	Shutdown   Shutdown   `mapstructure:"shutdown"`
}

type Database struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type HTTP struct {
	Address string `mapstructure:"address"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Codec struct {
	MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
}

type History struct {
	MaxEvents       int `mapstructure:"max_events"`
	DefaultPageSize int `mapstructure:"default_page_size"`
}

type Projection struct {
	MaxRetries   uint64        `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	CatchUp      bool          `mapstructure:"catch_up"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Snapshot struct {
	// Every takes a snapshot each Every events, 0 disables snapshots
	Every int `mapstructure:"every"`
}

type Shutdown struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite_path", "booking.db")
	v.SetDefault("database.postgres_dsn", "")

	v.SetDefault("http.address", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("codec.max_payload_bytes", 50*1024)

	v.SetDefault("history.max_events", 10000)
	v.SetDefault("history.default_page_size", 20)

	v.SetDefault("projection.max_retries", 3)
	v.SetDefault("projection.initial_delay", "1s")
	v.SetDefault("projection.max_delay", "30s")
	v.SetDefault("projection.multiplier", 2.0)
	v.SetDefault("projection.catch_up", true)
	v.SetDefault("projection.poll_interval", "500ms")

	v.SetDefault("snapshot.every", 0)

	v.SetDefault("shutdown.timeout", "15s")
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"http-address": "http.address",
}

// Load reads the configuration. file may be empty, in which case
// bookingd.yaml is looked up in the working directory and ./config
// and skipped when absent. Flags of flags (may be nil) named in flagKeys
// take precedence over every other source once set
func Load(file string, flags *pflag.FlagSet) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("bookingd")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return cfg, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("error loading configuration: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling configuration: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks values viper cannot check on its own
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.PostgresDSN == "" {
			return errors.New("database.postgres_dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	if c.Codec.MaxPayloadBytes < 1 {
		return errors.New("codec.max_payload_bytes must be positive")
	}

	if c.History.DefaultPageSize < 1 || c.History.DefaultPageSize > 100 {
		return errors.New("history.default_page_size must be between 1 and 100")
	}

	if c.Projection.Multiplier < 1 {
		return errors.New("projection.multiplier must be at least 1")
	}

	if c.Snapshot.Every < 0 {
		return errors.New("snapshot.every must not be negative")
	}

	return nil
}
