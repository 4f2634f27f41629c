// Package config provides configuration defaults for nodewatch.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml, flags or environment
// variables.
package config

import "time"

// =============================================================================
// Cluster Defaults
// =============================================================================

const (
	// DefaultCommand is run on the head node to obtain node status text.
	// Override via config: cluster.command
	DefaultCommand = "scontrol show node"

	// DefaultSSHPort is the SSH port of the head node.
	// Override via config: cluster.port
	DefaultSSHPort = 22

	// DefaultDialTimeout bounds the SSH connect and handshake.
	// Override via config: cluster.timeout
	DefaultDialTimeout = 10 * time.Second

	// DefaultTransport selects how status text is obtained: ssh or exec.
	// Override via config: cluster.transport
	DefaultTransport = "ssh"
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStorePath is the historical store file.
	// The extension selects the format (.csv or .parquet) unless
	// store.format says otherwise.
	// Override via config: store.path
	DefaultStorePath = "historical_data.csv"

	// DefaultRetention is how long snapshots are kept.
	// Override via config: store.retention
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultStoreFormat lets the store pick a codec from the file extension.
	// Override via config: store.format
	DefaultStoreFormat = "auto"

	// DefaultCompression is the parquet compression codec.
	// Override via config: store.compression
	DefaultCompression = "zstd"
)

// =============================================================================
// Refresh Defaults
// =============================================================================

const (
	// DefaultRefreshInterval is how often nodewatchd calls Refresh.
	// Override via config: refresh.interval
	DefaultRefreshInterval = 30 * time.Second

	// DefaultFetchTimeout bounds a live fetch shared by concurrent readers.
	DefaultFetchTimeout = 2 * time.Minute
)

// =============================================================================
// Query and Stats Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit is the DuckDB memory limit.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "512MB"

	// DefaultSketchAccuracy is the relative accuracy of CPU load percentiles.
	DefaultSketchAccuracy = 0.01
)

// =============================================================================
// Metrics Defaults
// =============================================================================

const (
	// DefaultMetricsListen is the address nodewatchd serves /metrics on.
	// An empty value disables the endpoint.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:9464"

	// DefaultMetricsReadHeaderTimeout bounds slow clients on /metrics.
	DefaultMetricsReadHeaderTimeout = 5 * time.Second
)
