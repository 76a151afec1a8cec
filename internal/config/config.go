// Package config loads settings from defaults, an optional config file,
// TBTRAINER_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/freeeve/endgametrainer/api/internal/evalcache"
	"github.com/freeeve/endgametrainer/api/internal/logx"
	"github.com/freeeve/endgametrainer/api/internal/prefetch"
	"github.com/freeeve/endgametrainer/api/internal/ranking"
	"github.com/freeeve/endgametrainer/api/internal/tablebase"
)

const EnvPrefix = "TBTRAINER"

type Config struct {
	Tablebase TablebaseConfig `mapstructure:"tablebase"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Ranking   RankingConfig   `mapstructure:"ranking"`
	Prefetch  PrefetchConfig  `mapstructure:"prefetch"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

type TablebaseConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxJitter   time.Duration `mapstructure:"max_jitter"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	MaxMoves    int           `mapstructure:"max_moves"`
}

type CacheConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
	Snapshot string        `mapstructure:"snapshot"` // empty disables persistence
}

type RankingConfig struct {
	Priority string `mapstructure:"priority"`
}

// PrefetchConfig controls background cache warming. Zero workers disables it.
type PrefetchConfig struct {
	Workers   int           `mapstructure:"workers"`
	Moves     int           `mapstructure:"moves"`
	QueueSize int           `mapstructure:"queue_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"base-url":       "tablebase.base_url",
	"timeout":        "tablebase.timeout",
	"max-attempts":   "tablebase.max_attempts",
	"base-delay":     "tablebase.base_delay",
	"max-jitter":     "tablebase.max_jitter",
	"max-backoff":    "tablebase.max_backoff",
	"max-moves":      "tablebase.max_moves",
	"cache-capacity": "cache.capacity",
	"cache-ttl":      "cache.ttl",
	"cache-snapshot": "cache.snapshot",
	"priority":       "ranking.priority",
	"prefetch":       "prefetch.workers",
	"prefetch-moves": "prefetch.moves",
	"addr":           "server.addr",
	"log-level":      "log.level",
	"log-json":       "log.json",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tablebase.base_url", tablebase.DefaultBaseURL)
	v.SetDefault("tablebase.timeout", tablebase.DefaultTimeout)
	v.SetDefault("tablebase.max_attempts", tablebase.DefaultMaxAttempts)
	v.SetDefault("tablebase.base_delay", tablebase.DefaultBaseDelay)
	v.SetDefault("tablebase.max_jitter", tablebase.DefaultMaxJitter)
	v.SetDefault("tablebase.max_backoff", tablebase.DefaultMaxBackoff)
	v.SetDefault("tablebase.max_moves", tablebase.DefaultMaxMoves)
	v.SetDefault("cache.capacity", evalcache.DefaultCapacity)
	v.SetDefault("cache.ttl", evalcache.DefaultTTL)
	v.SetDefault("cache.snapshot", "")
	v.SetDefault("ranking.priority", ranking.DTMFirst.String())
	v.SetDefault("prefetch.workers", prefetch.DefaultWorkers)
	v.SetDefault("prefetch.moves", prefetch.DefaultMoves)
	v.SetDefault("prefetch.queue_size", prefetch.DefaultQueueSize)
	v.SetDefault("prefetch.interval", prefetch.DefaultInterval)
	v.SetDefault("server.addr", ":8007")
	v.SetDefault("log.level", zerolog.InfoLevel.String())
	v.SetDefault("log.json", false)
}

// RegisterFlags adds the shared flags to fs. Flag defaults are informational;
// only flags that were set override the other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("base-url", tablebase.DefaultBaseURL, "tablebase endpoint")
	fs.Duration("timeout", tablebase.DefaultTimeout, "per attempt request timeout")
	fs.Int("max-attempts", tablebase.DefaultMaxAttempts, "attempts per lookup, including the first")
	fs.Duration("base-delay", tablebase.DefaultBaseDelay, "retry delay multiplied by the attempt number")
	fs.Duration("max-jitter", tablebase.DefaultMaxJitter, "upper bound of random retry jitter")
	fs.Duration("max-backoff", tablebase.DefaultMaxBackoff, "cap on a single retry delay")
	fs.Int("max-moves", tablebase.DefaultMaxMoves, "moves requested per lookup")
	fs.Int("cache-capacity", evalcache.DefaultCapacity, "evaluations kept in memory")
	fs.Duration("cache-ttl", evalcache.DefaultTTL, "evaluation lifetime")
	fs.String("cache-snapshot", "", "cache snapshot file loaded at start and written at shutdown")
	fs.String("priority", ranking.DTMFirst.String(), "distance compared first within a class (dtm or dtz)")
	fs.Int("prefetch", prefetch.DefaultWorkers, "background workers warming likely next positions (0 disables)")
	fs.Int("prefetch-moves", prefetch.DefaultMoves, "best moves followed per evaluated position")
	fs.String("addr", ":8007", "listen address")
	fs.String("log-level", zerolog.InfoLevel.String(), "log level")
	fs.Bool("log-json", false, "log JSON lines instead of console output")
}

// Load parses args into fs, which must have had RegisterFlags called on it,
// and resolves the configuration. The result is validated.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			return nil, fmt.Errorf("flag %q not registered", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	tb := c.Tablebase
	if u, err := url.Parse(tb.BaseURL); err != nil || !u.IsAbs() || u.Host == "" {
		add("tablebase.base_url %q must be an absolute url", tb.BaseURL)
	}
	if tb.Timeout <= 0 {
		add("tablebase.timeout must be positive, got %s", tb.Timeout)
	}
	if tb.MaxAttempts < 1 {
		add("tablebase.max_attempts must be at least 1, got %d", tb.MaxAttempts)
	}
	if tb.BaseDelay < 0 {
		add("tablebase.base_delay must not be negative")
	}
	if tb.MaxJitter < 0 {
		add("tablebase.max_jitter must not be negative")
	}
	if tb.MaxBackoff < 0 {
		add("tablebase.max_backoff must not be negative")
	}
	if tb.MaxMoves <= 0 {
		add("tablebase.max_moves must be positive, got %d", tb.MaxMoves)
	}
	if c.Cache.Capacity <= 0 {
		add("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.TTL <= 0 {
		add("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if _, err := ranking.ParsePriority(c.Ranking.Priority); err != nil {
		add("ranking.priority: %w", err)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		add("log.level %q is not a level", c.Log.Level)
	}
	if c.Prefetch.Workers < 0 {
		add("prefetch.workers must not be negative, got %d", c.Prefetch.Workers)
	}
	if c.Prefetch.Workers > 0 {
		if c.Prefetch.Moves < 1 {
			add("prefetch.moves must be at least 1, got %d", c.Prefetch.Moves)
		}
		if c.Prefetch.QueueSize < 1 {
			add("prefetch.queue_size must be at least 1, got %d", c.Prefetch.QueueSize)
		}
		if c.Prefetch.Interval < 0 {
			add("prefetch.interval must not be negative")
		}
	}
	if c.Server.Addr == "" {
		add("server.addr required")
	}
	return errors.Join(errs...)
}

// Client returns the tablebase client settings.
func (c *Config) Client(log zerolog.Logger) tablebase.ClientConfig {
	cc := tablebase.DefaultClientConfig()
	cc.BaseURL = c.Tablebase.BaseURL
	cc.Timeout = c.Tablebase.Timeout
	cc.MaxAttempts = c.Tablebase.MaxAttempts
	cc.BaseDelay = c.Tablebase.BaseDelay
	cc.MaxJitter = c.Tablebase.MaxJitter
	cc.MaxBackoff = c.Tablebase.MaxBackoff
	cc.MaxMoves = c.Tablebase.MaxMoves
	cc.Logger = log
	return cc
}

// CacheSettings returns the evaluation cache settings.
func (c *Config) CacheSettings() evalcache.Config {
	return evalcache.Config{Capacity: c.Cache.Capacity, TTL: c.Cache.TTL}
}

// PrefetchSettings returns the prefetch pool settings and whether prefetch
// is enabled.
func (c *Config) PrefetchSettings(log zerolog.Logger) (prefetch.Config, bool) {
	return prefetch.Config{
		Workers:   c.Prefetch.Workers,
		Moves:     c.Prefetch.Moves,
		QueueSize: c.Prefetch.QueueSize,
		Interval:  c.Prefetch.Interval,
		Logger:    log,
	}, c.Prefetch.Workers > 0
}

// Priority returns the parsed ranking priority. Call after Validate.
func (c *Config) Priority() ranking.Priority {
	p, _ := ranking.ParsePriority(c.Ranking.Priority)
	return p
}

// Logging returns logger options. Call after Validate.
func (c *Config) Logging() logx.Options {
	lvl, _ := zerolog.ParseLevel(c.Log.Level)
	return logx.Options{Level: lvl, JSON: c.Log.JSON}
}
