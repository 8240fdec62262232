package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/searchktools/block-server/core"
	"github.com/searchktools/block-server/core/http"
)

// EnvPrefix prefixes every environment override, e.g. BLOCK_SERVER_PORT
const EnvPrefix = "BLOCK_SERVER"

// DefaultFile is looked up in the working directory when no file is given
const DefaultFile = "block-server"

// Config holds all application configuration.
type Config struct {
	Port int    `mapstructure:"port"`
	Env  string `mapstructure:"env"`

	Workers        int `mapstructure:"workers"`
	QueueSize      int `mapstructure:"queue-size"`
	MaxConnections int `mapstructure:"max-connections"`

	ScanWindow         int   `mapstructure:"scan-window"`
	MaxBodySize        int64 `mapstructure:"max-body-size"`
	LooseContentLength bool  `mapstructure:"loose-content-length"`

	ReadTimeout  time.Duration `mapstructure:"read-timeout"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
	AcceptRate   float64       `mapstructure:"accept-rate"`
	ReusePort    bool          `mapstructure:"reuse-port"`

	// StatsPath serves engine statistics when non-empty
	StatsPath string `mapstructure:"stats-path"`
	Quiet     bool   `mapstructure:"quiet"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:           8080,
		Env:            "development",
		Workers:        core.DefaultWorkers,
		QueueSize:      core.DefaultQueueSize,
		MaxConnections: core.DefaultMaxConnections,
		ScanWindow:     http.DefaultScanWindow,
		MaxBodySize:    http.DefaultMaxBodySize,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		StatsPath:      "/_stats",
	}
}

// BindFlags registers one flag per setting on fs, defaulting to d
func BindFlags(fs *pflag.FlagSet, d *Config) {
	fs.Int("port", d.Port, "HTTP server port")
	fs.String("env", d.Env, "Environment (development/production)")
	fs.Int("workers", d.Workers, "Connection worker goroutines")
	fs.Int("queue-size", d.QueueSize, "Accepted connections waiting for a worker")
	fs.Int("max-connections", d.MaxConnections, "Open connections limit (0 = unlimited)")
	fs.Int("scan-window", d.ScanWindow, "Bytes scanned for the request line and headers")
	fs.Int64("max-body-size", d.MaxBodySize, "Largest accepted Content-Length (0 = unlimited)")
	fs.Bool("loose-content-length", d.LooseContentLength, "Match any header starting with Content-Length")
	fs.Duration("read-timeout", d.ReadTimeout, "Connection read timeout (0 = none)")
	fs.Duration("write-timeout", d.WriteTimeout, "Connection write timeout (0 = none)")
	fs.Float64("accept-rate", d.AcceptRate, "Accepted connections per second (0 = unlimited)")
	fs.Bool("reuse-port", d.ReusePort, "Set SO_REUSEPORT on the listener")
	fs.String("stats-path", d.StatsPath, "Path of the statistics route (empty disables it)")
	fs.Bool("quiet", d.Quiet, "Suppress per-connection failure logs")
}

// Load resolves the configuration from defaults, the config file, the
// environment and fs, each overriding the previous. An empty file looks for
// block-server.{yaml,yml,json,toml} in the working directory and tolerates
// its absence.
func Load(fs *pflag.FlagSet, file string) (*Config, error) {
	v := viper.New()

	d := Default()
	for key, value := range defaults(d) {
		v.SetDefault(key, value)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(DefaultFile)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New loads configuration from command-line flags, the environment and an
// optional ./block-server.yaml. It exits on invalid configuration.
func New() *Config {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	BindFlags(fs, Default())
	file := fs.String("config", "", "Config file (default ./block-server.yaml)")
	fs.Parse(os.Args[1:])

	cfg, err := Load(fs, *file)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

// Validate checks every setting is in range
func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return errors.Errorf("port %d out of range", c.Port)
	case c.Env != "development" && c.Env != "production":
		return errors.Errorf("env %q must be development or production", c.Env)
	case c.Workers <= 0:
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	case c.QueueSize < 0:
		return errors.Errorf("queue-size must not be negative, got %d", c.QueueSize)
	case c.MaxConnections < 0:
		return errors.Errorf("max-connections must not be negative, got %d", c.MaxConnections)
	case c.ScanWindow < 16:
		return errors.Errorf("scan-window must be at least 16 bytes, got %d", c.ScanWindow)
	case c.MaxBodySize < 0:
		return errors.Errorf("max-body-size must not be negative, got %d", c.MaxBodySize)
	case c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return errors.New("timeouts must not be negative")
	case c.AcceptRate < 0:
		return errors.Errorf("accept-rate must not be negative, got %v", c.AcceptRate)
	case c.StatsPath != "" && !strings.HasPrefix(c.StatsPath, "/"):
		return errors.Errorf("stats-path %q must start with /", c.StatsPath)
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Options converts the configuration into engine options
func (c *Config) Options(logger *log.Logger) core.Options {
	return core.Options{
		Workers:            c.Workers,
		QueueSize:          c.QueueSize,
		MaxConnections:     c.MaxConnections,
		ScanWindow:         c.ScanWindow,
		MaxBodySize:        c.MaxBodySize,
		LooseContentLength: c.LooseContentLength,
		ReadTimeout:        c.ReadTimeout,
		WriteTimeout:       c.WriteTimeout,
		AcceptRate:         c.AcceptRate,
		ReusePort:          c.ReusePort,
		Logger:             logger,
		Quiet:              c.Quiet,
		Verbose:            c.Env == "development" && !c.Quiet,
	}
}

// YAML renders the configuration in the config file format, keys in flag order
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.mapSlice())
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return out, nil
}

func (c *Config) mapSlice() yaml.MapSlice {
	return yaml.MapSlice{
		{Key: "port", Value: c.Port},
		{Key: "env", Value: c.Env},
		{Key: "workers", Value: c.Workers},
		{Key: "queue-size", Value: c.QueueSize},
		{Key: "max-connections", Value: c.MaxConnections},
		{Key: "scan-window", Value: c.ScanWindow},
		{Key: "max-body-size", Value: c.MaxBodySize},
		{Key: "loose-content-length", Value: c.LooseContentLength},
		{Key: "read-timeout", Value: c.ReadTimeout.String()},
		{Key: "write-timeout", Value: c.WriteTimeout.String()},
		{Key: "accept-rate", Value: c.AcceptRate},
		{Key: "reuse-port", Value: c.ReusePort},
		{Key: "stats-path", Value: c.StatsPath},
		{Key: "quiet", Value: c.Quiet},
	}
}

func defaults(d *Config) map[string]any {
	m := make(map[string]any)
	for _, item := range d.mapSlice() {
		m[item.Key.(string)] = item.Value
	}
	return m
}
