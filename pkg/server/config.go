package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/NicolasHaas/gokarma/pkg/logging"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
// GOKARMA_SETTLEMENT_INTERVAL sets settlement.interval.
const EnvPrefix = "GOKARMA_"

// Config holds server configuration.
type Config struct {
	ListenAddr  string `koanf:"listen"`  // websocket bind address (e.g. ":9700")
	MetricsAddr string `koanf:"metrics"` // HTTP bind address for /metrics (empty = disabled)
	DBPath      string `koanf:"db"`      // SQLite database path

	Log        LogConfig        `koanf:"log"`
	Settlement SettlementConfig `koanf:"settlement"`
	Token      TokenConfig      `koanf:"token"`
	Posts      PostsConfig      `koanf:"posts"`
	Hub        HubConfig        `koanf:"hub"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text or json
}

type TokenConfig struct {
	Secret   string        `koanf:"secret"` // HMAC key; random per process when empty
	Lifetime time.Duration `koanf:"lifetime"`
}

// PostsConfig rate limits post creation per connection.
type PostsConfig struct {
	Rate  float64 `koanf:"rate"` // posts per second, 0 = unlimited
	Burst int     `koanf:"burst"`
}

type HubConfig struct {
	Queue int `koanf:"queue"` // per-session outbound queue length
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":9700",
		MetricsAddr: ":9702",
		DBPath:      "gokarma.db",
		Log:         LogConfig{Level: "info", Format: "text"},
		Settlement:  DefaultSettlementConfig(),
		Token:       TokenConfig{Lifetime: time.Hour},
		Posts:       PostsConfig{Rate: 0.1, Burst: 3},
		Hub:         HubConfig{Queue: 64},
	}
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"listen":     "listen",
	"metrics":    "metrics",
	"db":         "db",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// RegisterFlags adds the config override flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.String("listen", def.ListenAddr, "websocket listen address")
	fs.String("metrics", def.MetricsAddr, "metrics HTTP listen address (empty to disable)")
	fs.String("db", def.DBPath, "SQLite database path")
	fs.String("log-level", def.Log.Level, "log level: "+logging.LevelNames())
	fs.String("log-format", def.Log.Format, "log format: text or json")
}

// LoadConfig builds the config from defaults, then the YAML file at path (if
// any), then GOKARMA_ environment variables, then flags explicitly set on
// flags. Later sources win.
func LoadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	if flags != nil {
		set := make(mapProvider)
		flags.Visit(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				set[key] = f.Value.String()
			}
		})
		if err := k.Load(set, nil); err != nil {
			return Config{}, fmt.Errorf("config: load flags: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db path is empty"))
	}
	if err := logging.Validate(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log format %q is not text or json", c.Log.Format))
	}
	s := c.Settlement
	if s.Interval <= 0 || s.Timeout <= 0 || s.Staleness <= 0 {
		errs = append(errs, errors.New("settlement durations must be positive"))
	} else if s.Timeout >= s.Interval {
		errs = append(errs, fmt.Errorf("settlement timeout %s must be shorter than interval %s", s.Timeout, s.Interval))
	}
	if c.Token.Lifetime <= 0 {
		errs = append(errs, errors.New("token lifetime must be positive"))
	}
	if c.Posts.Rate < 0 || c.Posts.Burst < 1 {
		errs = append(errs, errors.New("posts rate must be >= 0 and burst >= 1"))
	}
	if c.Hub.Queue < 1 {
		errs = append(errs, errors.New("hub queue must be >= 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

var errReadBytesNotSupported = errors.New("config: map provider does not support ReadBytes")

// mapProvider is a koanf provider over a flat map of dotted keys.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errReadBytesNotSupported
}

func (m mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(m, "."), nil
}
