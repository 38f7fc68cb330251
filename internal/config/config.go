// Package config handles loading and parsing of blobmirror configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for blobmirror.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Backend BackendConfig `yaml:"backend"`
	Sync    SyncConfig    `yaml:"sync"`
	Upload  UploadConfig  `yaml:"upload"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxPageSize is the upper bound for the $top query option.
	MaxPageSize int `yaml:"max_page_size"`
	// DefaultPageSize is the page size used when $top is absent.
	DefaultPageSize int `yaml:"default_page_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: text, json.
	Format string `yaml:"format"`
}

// MirrorConfig holds mirror store settings.
type MirrorConfig struct {
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite-specific mirror store settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// BackendConfig holds object storage backend settings.
type BackendConfig struct {
	// Provider is the storage backend provider: "azure", "s3", "gcs", or
	// "memory".
	Provider string `yaml:"provider"`
	// AzureAccount is the storage account name for the Azure backend. Used to
	// construct the account URL: https://{account}.blob.core.windows.net
	AzureAccount string `yaml:"azure_account"`
	// AzureAccountURL is the full Azure storage account URL. If empty, it is
	// constructed from AzureAccount.
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzureConnectionString enables connection string auth when non-empty.
	AzureConnectionString string `yaml:"azure_connection_string"`
	// S3Bucket is the upstream bucket name for the S3 backend.
	S3Bucket string `yaml:"s3_bucket"`
	// S3Region is the AWS region for the S3 backend.
	S3Region string `yaml:"s3_region"`
	// S3Prefix is the optional key prefix for all objects in the upstream bucket.
	S3Prefix string `yaml:"s3_prefix"`
	// S3EndpointURL overrides the S3 endpoint (for MinIO and friends).
	S3EndpointURL string `yaml:"s3_endpoint_url"`
	// S3UsePathStyle enables path-style addressing for custom endpoints.
	S3UsePathStyle bool `yaml:"s3_use_path_style"`
	// S3AccessKeyID and S3SecretAccessKey enable static credentials when set;
	// otherwise the default AWS credential chain is used.
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	// GCSBucket is the upstream bucket name for the GCS backend. Credentials
	// come from Application Default Credentials.
	GCSBucket string `yaml:"gcs_bucket"`
	// GCSPrefix is the optional key prefix for all objects in the upstream bucket.
	GCSPrefix string `yaml:"gcs_prefix"`
}

// SyncConfig holds cache reconciliation settings.
type SyncConfig struct {
	// Enabled controls whether the periodic full-sync loop runs.
	Enabled bool `yaml:"enabled"`
	// IntervalSeconds is the delay between full reconciliation passes.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// UploadConfig holds upload session settings.
type UploadConfig struct {
	// MaxSize is the ceiling for a declared upload content length in bytes.
	MaxSize int64 `yaml:"max_size"`
	// StaleAfterSeconds is the idle TTL after which an upload session is reaped.
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to blobmirror.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		// Try fallback paths
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "blobmirror.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "blobmirror.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
			MaxPageSize:     500,
			DefaultPageSize: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Mirror: MirrorConfig{
			SQLite: SQLiteConfig{
				Path: "./data/mirror.db",
			},
		},
		Backend: BackendConfig{
			Provider: "memory",
			S3Region: "us-east-1",
		},
		Sync: SyncConfig{
			Enabled:         true,
			IntervalSeconds: 300,
		},
		Upload: UploadConfig{
			MaxSize:           5 * 1024 * 1024 * 1024, // 5 GiB
			StaleAfterSeconds: 24 * 3600,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxPageSize == 0 {
		cfg.Server.MaxPageSize = 500
	}
	if cfg.Server.DefaultPageSize == 0 {
		cfg.Server.DefaultPageSize = 50
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Mirror.SQLite.Path == "" {
		cfg.Mirror.SQLite.Path = "./data/mirror.db"
	}
	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "memory"
	}
	if cfg.Backend.S3Region == "" {
		cfg.Backend.S3Region = "us-east-1"
	}
	if cfg.Sync.IntervalSeconds == 0 {
		cfg.Sync.IntervalSeconds = 300
	}
	if cfg.Upload.MaxSize == 0 {
		cfg.Upload.MaxSize = 5 * 1024 * 1024 * 1024
	}
	if cfg.Upload.StaleAfterSeconds == 0 {
		cfg.Upload.StaleAfterSeconds = 24 * 3600
	}
}
