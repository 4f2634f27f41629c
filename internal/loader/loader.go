// Package loader handles configuration file loading, validation, and
// turning the configuration into the transport, store and query service.
package loader

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/history"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/query"
	"github.com/xtxerr/nodewatch/internal/storage/parquet"
	"github.com/xtxerr/nodewatch/internal/transport"
)

// PasswordEnv overrides credentials.password when set.
const PasswordEnv = "NODEWATCH_PASSWORD"

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file on top of DefaultConfig.
// ${VAR} references are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration on top of DefaultConfig.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w: %w", errors.ErrInvalidConfig, err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if pw, ok := os.LookupEnv(PasswordEnv); ok {
		c.Credentials.Password = pw
	}
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Cluster validation
	switch cfg.Cluster.Transport {
	case "ssh":
		if cfg.Cluster.Host == "" {
			errs.AddMissing("cluster.host")
		}
		if cfg.Cluster.Port <= 0 || cfg.Cluster.Port > 65535 {
			errs.AddField("cluster.port", fmt.Sprintf("%d out of range", cfg.Cluster.Port))
		}
		if cfg.Credentials.Username == "" {
			errs.AddMissing("credentials.username")
		}
	case "exec":
	default:
		errs.AddField("cluster.transport", fmt.Sprintf("%q must be ssh or exec", cfg.Cluster.Transport))
	}
	if strings.TrimSpace(cfg.Cluster.Command) == "" {
		errs.AddField("cluster.command", "cannot be empty")
	}
	if cfg.Cluster.Timeout <= 0 {
		errs.AddField("cluster.timeout", "must be positive")
	}

	// Store validation
	if cfg.Store.Path == "" {
		errs.AddField("store.path", "cannot be empty")
	}
	switch strings.ToLower(cfg.Store.Format) {
	case "", "auto", "csv", "parquet":
	default:
		errs.AddField("store.format", fmt.Sprintf("%q must be csv, parquet or auto", cfg.Store.Format))
	}
	if cfg.Store.Retention <= 0 {
		errs.AddField("store.retention", "must be positive")
	}
	switch cfg.Store.Compression {
	case "", "none", "snappy", "zstd", "lz4", "gzip":
	default:
		errs.AddField("store.compression", fmt.Sprintf("unknown codec %q", cfg.Store.Compression))
	}

	// Refresh validation
	if cfg.Refresh.Interval <= 0 {
		errs.AddField("refresh.interval", "must be positive")
	}

	// Logging validation
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}

	// Query validation
	if _, err := parseByteSize(cfg.Query.MemoryLimit); err != nil {
		errs.AddField("query.memory_limit", err.Error())
	}

	return errs.Err()
}

// =============================================================================
// Conversion: Config → Components
// =============================================================================

// ToSSHConfig converts the cluster section to the SSH transport config.
func ToSSHConfig(cfg *ClusterConfig) transport.SSHConfig {
	return transport.SSHConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Command:        cfg.Command,
		KnownHostsFile: cfg.KnownHosts,
		Timeout:        cfg.Timeout.Duration(),
	}
}

// ToCredentials converts the credentials section.
func ToCredentials(cfg *CredentialsConfig) transport.Credentials {
	return transport.Credentials{
		Username: cfg.Username,
		Secret:   cfg.Password,
	}
}

// ToParquetOptions converts the store section to parquet writer options.
func ToParquetOptions(cfg *StoreConfig) parquet.Options {
	opts := parquet.DefaultOptions()
	if cfg.Compression != "" {
		opts.Compression = parquet.ParseCompressionType(cfg.Compression)
	}
	return opts
}

// NewTransport builds the configured transport.
func NewTransport(cfg *Config) (transport.Transport, error) {
	switch cfg.Cluster.Transport {
	case "exec":
		return transport.NewExec(cfg.Cluster.Command)
	case "ssh", "":
		return transport.NewSSH(ToSSHConfig(&cfg.Cluster))
	default:
		return nil, errors.NewInvalidValue("cluster.transport", cfg.Cluster.Transport, "must be ssh or exec")
	}
}

// NewStore builds the historical store.
func NewStore(cfg *Config) (*history.Store, error) {
	codec, err := history.CodecByName(cfg.Store.Format, cfg.Store.Path, ToParquetOptions(&cfg.Store))
	if err != nil {
		return nil, err
	}
	return history.New(cfg.Store.Path,
		history.WithCodec(codec),
		history.WithRetention(cfg.Store.Retention.Duration()))
}

// NewQueryService builds the query service over the store's file.
func NewQueryService(cfg *Config, store *history.Store) (*query.Service, error) {
	return query.New(store.Path(), store.Format(), cfg.Query.MemoryLimit)
}
