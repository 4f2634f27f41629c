// Package loader - Configuration Types
//
// Defines the YAML configuration structure shared by nodewatchd and the
// nodewatch CLI.
//
//	cluster:      where and how status text is fetched (ssh or exec)
//	credentials:  login for the SSH transport
//	store:        historical store file, format and retention
//	refresh:      nodewatchd refresh interval
//	metrics:      Prometheus endpoint
//	logging:      level and format
//	query:        DuckDB settings
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/nodewatch/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure.
type Config struct {
	Cluster     ClusterConfig     `yaml:"cluster"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Store       StoreConfig       `yaml:"store"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Query       QueryConfig       `yaml:"query"`
}

// =============================================================================
// Cluster Configuration
// =============================================================================

// ClusterConfig describes the head node and the status command.
type ClusterConfig struct {
	// Transport is "ssh" (default) or "exec" to run the command locally.
	Transport string `yaml:"transport"`

	// Host and Port of the head node's SSH server.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Command prints node status blocks.
	// Default: "scontrol show node"
	Command string `yaml:"command"`

	// KnownHosts is an OpenSSH known_hosts file. Empty disables host key
	// verification.
	KnownHosts string `yaml:"known_hosts"`

	// Timeout bounds connect and handshake.
	// Default: 10s
	Timeout Duration `yaml:"timeout"`
}

// CredentialsConfig holds the SSH login. The password is usually supplied
// through NODEWATCH_PASSWORD or an interactive prompt rather than the file.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// =============================================================================
// Store Configuration
// =============================================================================

// StoreConfig configures the historical store.
type StoreConfig struct {
	// Path of the store file.
	// Default: "historical_data.csv"
	Path string `yaml:"path"`

	// Format is csv, parquet or auto (by extension).
	Format string `yaml:"format"`

	// Retention is how long snapshots are kept. Accepts Go durations and
	// a "d" suffix for days.
	// Default: 7d
	Retention Duration `yaml:"retention"`

	// Compression is the parquet codec: none, snappy, zstd, lz4, gzip.
	Compression string `yaml:"compression"`
}

// RefreshConfig configures the daemon's refresh loop.
type RefreshConfig struct {
	Interval Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// QueryConfig configures the DuckDB query service.
type QueryConfig struct {
	MemoryLimit string `yaml:"memory_limit"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Transport: config.DefaultTransport,
			Port:      config.DefaultSSHPort,
			Command:   config.DefaultCommand,
			Timeout:   Duration(config.DefaultDialTimeout),
		},
		Store: StoreConfig{
			Path:        config.DefaultStorePath,
			Format:      config.DefaultStoreFormat,
			Retention:   Duration(config.DefaultRetention),
			Compression: config.DefaultCompression,
		},
		Refresh: RefreshConfig{
			Interval: Duration(config.DefaultRefreshInterval),
		},
		Metrics: MetricsConfig{
			Listen: config.DefaultMetricsListen,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Query: QueryConfig{
			MemoryLimit: config.DefaultQueryMemoryLimit,
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Accepts Go duration strings, a "d" suffix for days, or plain integers
// as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Plain integers are seconds.
	var i int
	if err := unmarshal(&i); err == nil {
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ParseDuration parses a Go duration or a whole number of days ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// parseByteSize parses a size string like "512MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	// Longest suffix first so "MB" is not read as "B".
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, u := range units {
		if numStr, ok := strings.CutSuffix(s, u.suffix); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}
