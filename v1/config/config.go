// Package config loads server settings from defaults, an optional YAML
// file and TODOLOCK_* environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// TODOLOCK_LEASE_DURATION for lease.duration.
const EnvPrefix = "TODOLOCK"

// Config is the full server configuration.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	LockScope LockScopeConfig `mapstructure:"lock_scope"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Relay     RelayConfig     `mapstructure:"relay"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// NodeConfig identifies this process to peers.
type NodeConfig struct {
	// ID is stamped on locally published events. Empty means random.
	ID string `mapstructure:"id"`
}

// LeaseConfig controls edit leases.
type LeaseConfig struct {
	Duration      time.Duration `mapstructure:"duration"`
	SessionPolicy string        `mapstructure:"session_policy"`
}

// LockScopeConfig lists fields writable without holding the lease.
type LockScopeConfig struct {
	BypassFields []string `mapstructure:"bypass_fields"`
}

// BroadcastConfig controls subscriber queues.
type BroadcastConfig struct {
	QueueSize      int    `mapstructure:"queue_size"`
	OverflowPolicy string `mapstructure:"overflow_policy"`
}

// StoreConfig selects where leases and items live.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend  string        `mapstructure:"backend"`
	Cache    bool          `mapstructure:"cache"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RedisConfig is used by the redis backend and the redis relay.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RelayConfig enables cross-node event fan-out. Every transport is off
// when its address is empty.
type RelayConfig struct {
	NATSURL      string   `mapstructure:"nats_url"`
	RedisChannel string   `mapstructure:"redis_channel"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Stdout bool `mapstructure:"stdout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Lease: LeaseConfig{
			Duration:      5 * time.Minute,
			SessionPolicy: "reject",
		},
		LockScope: LockScopeConfig{
			BypassFields: []string{"completed"},
		},
		Broadcast: BroadcastConfig{
			QueueSize:      256,
			OverflowPolicy: "drop_oldest_content",
		},
		Store: StoreConfig{
			Backend:  "memory",
			CacheTTL: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Relay: RelayConfig{
			KafkaTopic: "todolock-events",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default on v so that environment variables
// can override keys that never appear in a file.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("node.id", defaults.Node.ID)

	v.SetDefault("lease.duration", defaults.Lease.Duration)
	v.SetDefault("lease.session_policy", defaults.Lease.SessionPolicy)

	v.SetDefault("lock_scope.bypass_fields", defaults.LockScope.BypassFields)

	v.SetDefault("broadcast.queue_size", defaults.Broadcast.QueueSize)
	v.SetDefault("broadcast.overflow_policy", defaults.Broadcast.OverflowPolicy)

	v.SetDefault("store.backend", defaults.Store.Backend)
	v.SetDefault("store.cache", defaults.Store.Cache)
	v.SetDefault("store.cache_ttl", defaults.Store.CacheTTL)

	v.SetDefault("redis.addr", defaults.Redis.Addr)
	v.SetDefault("redis.password", defaults.Redis.Password)
	v.SetDefault("redis.db", defaults.Redis.DB)

	v.SetDefault("relay.nats_url", defaults.Relay.NATSURL)
	v.SetDefault("relay.redis_channel", defaults.Relay.RedisChannel)
	v.SetDefault("relay.kafka_brokers", []string{})
	v.SetDefault("relay.kafka_topic", defaults.Relay.KafkaTopic)

	v.SetDefault("http.addr", defaults.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", defaults.HTTP.ShutdownTimeout)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	v.SetDefault("tracing.stdout", defaults.Tracing.Stdout)
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when not empty) on top of the defaults, applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return Decode(v)
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Relay.KafkaBrokers = splitList(cfg.Relay.KafkaBrokers)
	cfg.LockScope.BypassFields = splitList(cfg.LockScope.BypassFields)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var ve ValidationErrors
	return errors.As(err, &ve)
}
