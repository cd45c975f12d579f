// Package config defines the single configuration object the indexer
// loads from a TOML file and overlays with CLI flags (spec §6 "CLI /
// config"): chain-backend location, relational-store connection, the
// optional dispatcher subscribers, scheduler parameters, and logger
// settings.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
)

// BackendConfig locates the chain backend's on-disk database (spec §1:
// the backend itself is an out-of-scope external collaborator; this is
// only the handful of knobs needed to open it).
type BackendConfig struct {
	DatabasePath     string `toml:"database_path"`
	SecondaryPath    string `toml:"secondary_path"`
	StateCacheSizeMB int    `toml:"state_cache_size_mb"`
}

// StoreConfig configures the PostgreSQL sink (mirrors store/postgres.Config,
// kept separate so store/postgres has no dependency on this package).
type StoreConfig struct {
	DSN               string `toml:"dsn"`
	MaxConns          int32  `toml:"max_conns"`
	MinConns          int32  `toml:"min_conns"`
	ConnectTimeoutMs  int64  `toml:"connect_timeout_ms"`
	MaxConnIdleTimeMs int64  `toml:"max_conn_idle_time_ms"`
	MaxConnLifetimeMs int64  `toml:"max_conn_lifetime_ms"`
}

// KafkaSubscriberConfig describes one dispatch/kafka.Subscriber to
// register with the Dispatcher, plus its publish rate limit.
type KafkaSubscriberConfig struct {
	Name           string   `toml:"name"`
	Brokers        []string `toml:"brokers"`
	TopicMetadata  string   `toml:"topic_metadata"`
	TopicBlock     string   `toml:"topic_block"`
	TopicBatch     string   `toml:"topic_batch"`
	TopicFinalized string   `toml:"topic_finalized"`
	RatePerSec     float64  `toml:"rate_per_sec"`
	Burst          int      `toml:"burst"`
}

// SchedulerConfig configures the scheduler (spec §4.6, §6).
type SchedulerConfig struct {
	StartBlock   *uint32 `toml:"start_block"`
	MaxBlockLoad int     `toml:"max_block_load"`
	IntervalMs   int64   `toml:"interval_ms"`
}

// LogConfig configures the adapted teacher log package.
type LogConfig struct {
	Level         string `toml:"level"`
	FilePath      string `toml:"file_path"`
	FileMaxSizeMB int    `toml:"file_max_size_mb"`
}

// Config is the indexer's full, file-loadable configuration (spec §6
// "CLI / config"). It round-trips through TOML the same way
// cmd/geth/config.go's tomlConfig does.
type Config struct {
	Backend           BackendConfig           `toml:"backend"`
	Store             StoreConfig             `toml:"store"`
	Kafka             []KafkaSubscriberConfig `toml:"kafka"`
	Scheduler         SchedulerConfig         `toml:"scheduler"`
	TrackerIntervalMs int64                   `toml:"tracker_interval_ms"`
	Log               LogConfig               `toml:"log"`
	MetricsAddr       string                  `toml:"metrics_addr"`
}

var tomlSettings = toml.Config{
	NormFieldName: func(_ reflect.Type, key string) string { return key },
	FieldToKey:    func(_ reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q is not defined in %s", field, rt.String())
	},
}

// Load reads and decodes a TOML configuration file, starting from
// Default() so unset fields keep their baseline values — the same
// "defaults layered under file values" shape as cmd/geth's loadConfig.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Dump renders cfg back out as TOML, used by the dumpconfig subcommand
// (mirrors cmd/geth's "dumpconfig" command).
func Dump(cfg Config) (string, error) {
	b, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return string(b), nil
}

// Default returns the configuration used when no TOML file is supplied,
// mirroring the teacher's defaultNodeConfig pattern of a fully-populated
// baseline that flags and file values are layered on top of.
func Default() Config {
	return Config{
		Store: StoreConfig{
			MaxConns:          10,
			MinConns:          2,
			ConnectTimeoutMs:  5000,
			MaxConnIdleTimeMs: int64(30 * time.Minute / time.Millisecond),
			MaxConnLifetimeMs: int64(time.Hour / time.Millisecond),
		},
		Scheduler: SchedulerConfig{
			MaxBlockLoad: 256,
			IntervalMs:   500,
		},
		TrackerIntervalMs: 1000,
		Log: LogConfig{
			Level: "info",
		},
		MetricsAddr: "127.0.0.1:6060",
	}
}

// SchedulerInterval returns Scheduler.IntervalMs as a time.Duration.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalMs) * time.Millisecond
}

// TrackerInterval returns TrackerIntervalMs as a time.Duration.
func (c Config) TrackerInterval() time.Duration {
	return time.Duration(c.TrackerIntervalMs) * time.Millisecond
}

// StoreConnectTimeout, StoreMaxConnIdleTime, StoreMaxConnLifetime return
// the matching StoreConfig fields as time.Duration.
func (c Config) StoreConnectTimeout() time.Duration {
	return time.Duration(c.Store.ConnectTimeoutMs) * time.Millisecond
}

func (c Config) StoreMaxConnIdleTime() time.Duration {
	return time.Duration(c.Store.MaxConnIdleTimeMs) * time.Millisecond
}

func (c Config) StoreMaxConnLifetime() time.Duration {
	return time.Duration(c.Store.MaxConnLifetimeMs) * time.Millisecond
}
