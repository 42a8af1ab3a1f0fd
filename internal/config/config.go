package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for throttlepool.
type Config struct {
	Throttle ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"  yaml:"fetcher"`
	Storage  StorageConfig  `mapstructure:"storage"  yaml:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
}

// ThrottleConfig declares the throttle groups installed at startup and the
// cadence of the background maintenance loops.
type ThrottleConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"        yaml:"poll_interval"`
	FreeUnusedInterval time.Duration `mapstructure:"free_unused_interval" yaml:"free_unused_interval"`
	Groups             []GroupConfig `mapstructure:"groups"               yaml:"groups"`
}

// GroupConfig declares one throttle group: a default limit set plus per-bin
// overrides.
type GroupConfig struct {
	Type    string               `mapstructure:"type"    yaml:"type"`
	Name    string               `mapstructure:"name"    yaml:"name"`
	Default BinLimits            `mapstructure:"default" yaml:"default"`
	Bins    map[string]BinLimits `mapstructure:"bins"    yaml:"bins"`
}

// BinLimits holds the three quotas for one bin.
type BinLimits struct {
	MaxConnections      int           `mapstructure:"max_connections"       yaml:"max_connections"`
	MinFetchInterval    time.Duration `mapstructure:"min_fetch_interval"    yaml:"min_fetch_interval"`
	MillisecondsPerByte float64       `mapstructure:"milliseconds_per_byte" yaml:"milliseconds_per_byte"`
}

// FetcherConfig controls the throttled HTTP fetcher.
type FetcherConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"   yaml:"request_timeout"`
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	ReadBlockSize   int           `mapstructure:"read_block_size"   yaml:"read_block_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	UserAgent       string        `mapstructure:"user_agent"        yaml:"user_agent"`
}

// StorageConfig controls the throttle event sink.
type StorageConfig struct {
	Type       string `mapstructure:"type"        yaml:"type"` // none, jsonl, mongodb
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	BatchSize  int    `mapstructure:"batch_size"  yaml:"batch_size"`
	MongoURI   string `mapstructure:"mongo_uri"   yaml:"mongo_uri"`
	Database   string `mapstructure:"database"    yaml:"database"`
	Collection string `mapstructure:"collection"  yaml:"collection"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Throttle: ThrottleConfig{
			PollInterval:       5 * time.Second,
			FreeUnusedInterval: 60 * time.Second,
		},
		Fetcher: FetcherConfig{
			RequestTimeout:  30 * time.Second,
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			ReadBlockSize:   8192,
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
			UserAgent:       "throttlepool/" + Version,
		},
		Storage: StorageConfig{
			Type:       "none",
			OutputPath: "./events",
			BatchSize:  100,
			Database:   "throttlepool",
			Collection: "events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
