// Package config loads timeledger settings from defaults, an optional YAML
// file and TIMELEDGER_* environment variables, then validates the result
// against an embedded CUE schema.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/tracker"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TIMELEDGER_"

// Config is the complete service configuration.
type Config struct {
	IdleAttendance     time.Duration `yaml:"idle_attendance" json:"idle_attendance" env:"IDLE_ATTENDANCE"`
	IdleUtilization    time.Duration `yaml:"idle_utilization" json:"idle_utilization" env:"IDLE_UTILIZATION"`
	InferredGrace      time.Duration `yaml:"inferred_grace" json:"inferred_grace" env:"INFERRED_GRACE"`
	MergeThreshold     time.Duration `yaml:"merge_threshold" json:"merge_threshold" env:"MERGE_THRESHOLD"`
	MergeLookback      time.Duration `yaml:"merge_lookback" json:"merge_lookback" env:"MERGE_LOOKBACK"`
	SkewWindow         time.Duration `yaml:"skew_window" json:"skew_window" env:"SKEW_WINDOW"`
	ResolveInterval    time.Duration `yaml:"resolve_interval" json:"resolve_interval" env:"RESOLVE_INTERVAL"`
	ResolveBeforeQuery bool          `yaml:"resolve_before_query" json:"resolve_before_query" env:"RESOLVE_BEFORE_QUERY"`
	ReorderWindow      time.Duration `yaml:"reorder_window" json:"reorder_window" env:"REORDER_WINDOW"`
	ReorderMax         int           `yaml:"reorder_max" json:"reorder_max" env:"REORDER_MAX"`
	Location           string        `yaml:"location" json:"location" env:"LOCATION"`

	Store StoreConfig `yaml:"store" json:"store" envPrefix:"STORE_"`
	Cache CacheConfig `yaml:"cache" json:"cache" envPrefix:"CACHE_"`
	HTTP  HTTPConfig  `yaml:"http" json:"http" envPrefix:"HTTP_"`
	Kafka KafkaConfig `yaml:"kafka" json:"kafka" envPrefix:"KAFKA_"`
	Log   LogConfig   `yaml:"log" json:"log" envPrefix:"LOG_"`
}

// StoreConfig selects the session store.
//
// For mongo, MongoURI wins; otherwise a URI is assembled from the host,
// port and credentials.
type StoreConfig struct {
	Driver        string `yaml:"driver" json:"driver" env:"DRIVER"`
	Path          string `yaml:"path" json:"path" env:"PATH"`
	MongoURI      string `yaml:"mongo_uri" json:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase string `yaml:"mongo_database" json:"mongo_database" env:"MONGO_DATABASE"`
	MongoHost     string `yaml:"mongo_host" json:"mongo_host" env:"MONGO_HOST"`
	MongoPort     int    `yaml:"mongo_port" json:"mongo_port" env:"MONGO_PORT"`
	MongoUser     string `yaml:"mongo_user" json:"mongo_user" env:"MONGO_USER"`
	MongoPassword string `yaml:"mongo_password" json:"mongo_password" env:"MONGO_PASSWORD"`
}

// CacheConfig selects the aggregate bucket cache.
type CacheConfig struct {
	Driver        string        `yaml:"driver" json:"driver" env:"DRIVER"`
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" json:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db" env:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" json:"ttl" env:"TTL"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`
}

// KafkaConfig configures the optional event consumer. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" json:"topic" env:"TOPIC"`
	Group   string   `yaml:"group" json:"group" env:"GROUP"`
}

// LogConfig sets the minimum log level.
type LogConfig struct {
	Level string `yaml:"level" json:"level" env:"LEVEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := engine.DefaultPolicy()
	s := tracker.DefaultSettings()
	return Config{
		IdleAttendance:     p.IdleAttendance,
		IdleUtilization:    p.IdleUtilization,
		InferredGrace:      p.Grace,
		MergeThreshold:     s.MergeThreshold,
		MergeLookback:      s.MergeLookback,
		SkewWindow:         s.SkewWindow,
		ResolveInterval:    s.ResolveInterval,
		ResolveBeforeQuery: s.ResolveBeforeQuery,
		ReorderWindow:      2 * time.Second,
		ReorderMax:         1024,
		Location:           "UTC",
		Store: StoreConfig{
			Driver:    "sqlite",
			Path:      "timeledger.db",
			MongoPort: 27017,
		},
		Cache: CacheConfig{Driver: "memory", TTL: time.Hour},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load resolves the configuration from the process environment and the
// optional YAML file at path.
func Load(path string) (Config, error) {
	return LoadWith(path, env.ToMap(os.Environ()))
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, environ map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Store.MongoURI = cfg.Store.mongoURI()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s StoreConfig) mongoURI() string {
	if s.MongoURI != "" || s.MongoHost == "" {
		return s.MongoURI
	}
	u := url.URL{Scheme: "mongodb", Host: s.MongoHost}
	if s.MongoPort != 0 {
		u.Host = net.JoinHostPort(s.MongoHost, strconv.Itoa(s.MongoPort))
	}
	if s.MongoUser != "" {
		u.User = url.UserPassword(s.MongoUser, s.MongoPassword)
	}
	return u.String()
}

// Validate checks cfg against the embedded CUE schema and resolves the
// location.
func (c Config) Validate() error {
	if c.Kafka.Brokers == nil {
		c.Kafka.Brokers = []string{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	val := schema.Unify(ctx.Encode(c))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	if _, err := time.LoadLocation(c.Location); err != nil {
		return fmt.Errorf("invalid config: location: %w", err)
	}
	return nil
}

// Policy returns the engine thresholds.
func (c Config) Policy() engine.Policy {
	return engine.Policy{
		IdleAttendance:  c.IdleAttendance,
		IdleUtilization: c.IdleUtilization,
		Grace:           c.InferredGrace,
	}
}

// TrackerSettings converts the configuration into tracker settings.
func (c Config) TrackerSettings() (tracker.Settings, error) {
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return tracker.Settings{}, fmt.Errorf("location: %w", err)
	}
	return tracker.Settings{
		Policy:             c.Policy(),
		SkewWindow:         c.SkewWindow,
		MergeThreshold:     c.MergeThreshold,
		MergeLookback:      c.MergeLookback,
		ResolveInterval:    c.ResolveInterval,
		ResolveBeforeQuery: c.ResolveBeforeQuery,
		Location:           loc,
	}, nil
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// KafkaEnabled reports whether a consumer should run.
func (c Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }
