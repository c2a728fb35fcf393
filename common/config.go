package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to the NATS server carrying
// the document database's live-query and CRUD subjects
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Listener Cache Related Config

// ListenerTTLConfig defines the TTL policy knobs for listener entries.
// TTL governs eviction eligibility only; updates arrive push-based
// regardless of TTL.
type ListenerTTLConfig struct {
	// AdminSec is the TTL for admin-scoped entries in seconds
	AdminSec int `mapstructure:"admin_sec" json:"admin_sec" validate:"gte=1"`
	// RecentSec is the TTL for entries covering recent data in seconds
	RecentSec int `mapstructure:"recent_sec" json:"recent_sec" validate:"gte=1"`
	// HistoricalSec is the TTL for entries covering only historical data in seconds
	HistoricalSec int `mapstructure:"historical_sec" json:"historical_sec" validate:"gte=1"`
	// SharedSec is the TTL for entries with multiple active subscribers in seconds
	SharedSec int `mapstructure:"shared_sec" json:"shared_sec" validate:"gte=1"`
	// DefaultSec is the fallback TTL in seconds
	DefaultSec int `mapstructure:"default_sec" json:"default_sec" validate:"gte=1"`
}

// ListenerCacheConfig defines parameters of the shared listener cache
type ListenerCacheConfig struct {
	// TTL is the entry TTL policy
	TTL ListenerTTLConfig `mapstructure:"ttl" json:"ttl" validate:"required,dive"`
	// CleanupIntervalSec is the eviction sweep period in seconds
	CleanupIntervalSec int `mapstructure:"cleanup_interval_sec" json:"cleanup_interval_sec" validate:"gte=1"`
	// MaxEntryIdleSec is the absolute staleness ceiling in seconds, past
	// which an entry is evicted regardless of TTL classification
	MaxEntryIdleSec int `mapstructure:"max_entry_idle_sec" json:"max_entry_idle_sec" validate:"gte=1"`
	// DrainGraceSec is how long a subscriber-less entry is retained in seconds
	DrainGraceSec int `mapstructure:"drain_grace_sec" json:"drain_grace_sec" validate:"gte=1"`
	// ExtensionBufferDays is the padding applied around a requested range
	// when extending an entry's live query
	ExtensionBufferDays int `mapstructure:"extension_buffer_days" json:"extension_buffer_days" validate:"gte=0"`
	// DefaultWindowDays is the radius of a new entry's initial window around now
	DefaultWindowDays int `mapstructure:"default_window_days" json:"default_window_days" validate:"gte=1"`
	// QueryLimit bounds the result count of each live query
	QueryLimit int `mapstructure:"query_limit" json:"query_limit" validate:"gte=1"`
}

// ===============================================================================
// Local Cache Related Config

// LocalCacheConfig defines parameters of the persistent warm-start cache
type LocalCacheConfig struct {
	// Path is the bbolt database file path
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// PurgeIntervalSec is the expired-row purge period in seconds
	PurgeIntervalSec int `mapstructure:"purge_interval_sec" json:"purge_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Monitor Server Related Config

// MonitorEndpointConfig defines monitor API endpoint config
type MonitorEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the monitor APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// MonitorServerConfig defines configuration for the monitor API server
type MonitorServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// Endpoints is the API endpoint config parameters for the monitor API server
	Endpoints MonitorEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config of the visit listener cache service
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Listener are the shared listener cache configs
	Listener ListenerCacheConfig `mapstructure:"listener" json:"listener" validate:"required,dive"`
	// LocalCache are the persistent warm-start cache configs
	LocalCache LocalCacheConfig `mapstructure:"local_cache" json:"local_cache" validate:"required,dive"`
	// Monitor are the monitor API server configs
	Monitor MonitorServerConfig `mapstructure:"monitor" json:"monitor" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default listener cache settings
	viper.SetDefault("listener.ttl.admin_sec", 60)
	viper.SetDefault("listener.ttl.recent_sec", 120)
	viper.SetDefault("listener.ttl.historical_sec", 600)
	viper.SetDefault("listener.ttl.shared_sec", 120)
	viper.SetDefault("listener.ttl.default_sec", 300)
	viper.SetDefault("listener.cleanup_interval_sec", 60)
	viper.SetDefault("listener.max_entry_idle_sec", 3600)
	viper.SetDefault("listener.drain_grace_sec", 600)
	viper.SetDefault("listener.extension_buffer_days", 7)
	viper.SetDefault("listener.default_window_days", 7)
	viper.SetDefault("listener.query_limit", 500)

	// Default local cache settings
	viper.SetDefault("local_cache.path", "visitwatch-cache.db")
	viper.SetDefault("local_cache.purge_interval_sec", 300)

	// Default monitor server settings
	viper.SetDefault("monitor.listen_on", "0.0.0.0")
	viper.SetDefault("monitor.listen_port", 3000)
	viper.SetDefault("monitor.endpoint_config.path_prefix", "/")
}
