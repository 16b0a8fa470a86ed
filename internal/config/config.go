// Package config loads the broker's on-disk configuration: YAML via
// gopkg.in/yaml.v3, a Config struct with a DefaultConfig constructor and
// a LoadConfig loader, the same shape zerogo's AgentConfig/ControllerConfig
// used.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as a human string
// ("30s", "1h30m") in the YAML config instead of a raw nanosecond count.
type Duration time.Duration

// UnmarshalYAML parses a duration string ("30s") into its nanosecond
// count. yaml.v3 has no built-in support for time.Duration since it is
// a bare int64 alias, not a TextUnmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration the way it was parsed.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the asmtpd broker's configuration.
type Config struct {
	IdentityPath  string `yaml:"identity_path"`
	Listen        string `yaml:"listen"`
	PublicAddress string `yaml:"public_address"`
	LogLevel      string `yaml:"log_level"`

	MaxOpenedConnections  int `yaml:"max_opened_connections"`
	MessageQueueSize      int `yaml:"message_queue_size"`
	KnownMessageCacheSize int `yaml:"known_message_cache_size"`

	HeartBeat Duration `yaml:"heart_beat"`

	// KnownGossips bootstraps Topology.AcceptGossip at startup: hex-encoded
	// wire-format gossip descriptors.
	KnownGossips []string `yaml:"known_gossips"`

	// PrivilegedUsers are hex-encoded public identities allowed to publish
	// passports and manage topics over the peer-to-peer wire protocol.
	// Distinct from REST's admin-session check, which is derived from the
	// server's own passport's active master keys.
	PrivilegedUsers []string `yaml:"privileged_users"`

	Gossiping GossipingConfig `yaml:"gossiping"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	REST      RESTConfig      `yaml:"rest"`
}

// GossipingConfig configures the GossipScheduler.
type GossipingConfig struct {
	QueueSize   int      `yaml:"queue_size"`
	HistorySize int      `yaml:"history_size"`
	MinElapsed  Duration `yaml:"min_elapsed"`
}

// StorageConfig configures the persistence layer. Mode and
// CompressionFactor are carried over from the original sled-backed
// storage config even though the GORM/SQLite backend realizes them
// differently: only Mode maps onto SQLite's journal_mode pragma.
type StorageConfig struct {
	Database          string   `yaml:"database"`
	Mode              string   `yaml:"mode"`
	CompressionFactor int      `yaml:"compression_factor"`
	PassportCacheSize int      `yaml:"passport_cache_size"`
	GossipRefreshRate Duration `yaml:"gossip_refresh_rate"`
}

// SessionConfig configures SessionCache lifecycle timing.
type SessionConfig struct {
	MaxActive   int      `yaml:"max_active"`
	MaxIdle     Duration `yaml:"max_idle"`
	MaxLifespan Duration `yaml:"max_lifespan"`
}

// RESTConfig configures the admin REST surface.
type RESTConfig struct {
	Listen string `yaml:"listen"`
}

// Default timing and sizing values.
const (
	DefaultMaxOpenedConnections  = 1024
	DefaultMessageQueueSize      = 64
	DefaultKnownMessageCacheSize = 10240
	DefaultHeartBeat             = Duration(time.Second)

	DefaultGossipQueueSize   = 256
	DefaultGossipHistorySize = 1024
	DefaultGossipMinElapsed  = Duration(30 * time.Second)

	DefaultStorageMode              = "fast"
	DefaultStorageCompressionFactor = 1
	DefaultPassportCacheSize        = 1024
	DefaultGossipRefreshRate        = Duration(10 * time.Second)

	DefaultSessionMaxActive   = 10000
	DefaultSessionMaxIdle     = Duration(1800 * time.Second)
	DefaultSessionMaxLifespan = Duration(7200 * time.Second)
)

// DefaultConfig returns a Config with the broker's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		IdentityPath:  "/etc/asmtpd/identity.key",
		Listen:        "0.0.0.0:9944",
		PublicAddress: "",
		LogLevel:      "info",

		MaxOpenedConnections:  DefaultMaxOpenedConnections,
		MessageQueueSize:      DefaultMessageQueueSize,
		KnownMessageCacheSize: DefaultKnownMessageCacheSize,
		HeartBeat:             DefaultHeartBeat,

		Gossiping: GossipingConfig{
			QueueSize:   DefaultGossipQueueSize,
			HistorySize: DefaultGossipHistorySize,
			MinElapsed:  DefaultGossipMinElapsed,
		},
		Storage: StorageConfig{
			Database:          "/var/lib/asmtpd/broker.db",
			Mode:              DefaultStorageMode,
			CompressionFactor: DefaultStorageCompressionFactor,
			PassportCacheSize: DefaultPassportCacheSize,
			GossipRefreshRate: DefaultGossipRefreshRate,
		},
		Session: SessionConfig{
			MaxActive:   DefaultSessionMaxActive,
			MaxIdle:     DefaultSessionMaxIdle,
			MaxLifespan: DefaultSessionMaxLifespan,
		},
		REST: RESTConfig{
			Listen: "0.0.0.0:8080",
		},
	}
}

// LoadConfig loads broker config from a YAML file, applying defaults to
// any field the file leaves unset.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
