// Package config assembles the process configuration the way the teacher's
// pkg/config does: defaults from New(), an optional on-disk YAML overlay,
// then environment variable overrides decoded with envdecode, with
// godotenv.Load() populating the process environment from a local .env
// file first.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// UpstreamConfig describes how to reach the upstream ERP database that the
// Extractor pages through.
type UpstreamConfig struct {
	URL      string `json:"url" env:"UPSTREAM_URL"`
	Database string `json:"database" env:"UPSTREAM_DB"`
	User     string `json:"user" env:"UPSTREAM_USER"`
	Password string `json:"password" env:"UPSTREAM_PASSWORD"`
}

// VectorConfig describes the vector sink connection.
type VectorConfig struct {
	Endpoint string `json:"endpoint" env:"VECTOR_ENDPOINT"`
	APIKey   string `json:"api_key" env:"VECTOR_API_KEY"`
}

// EmbedderConfig describes the embedding provider connection.
type EmbedderConfig struct {
	APIKey    string `json:"api_key" env:"EMBEDDER_API_KEY"`
	BatchSize int    `json:"batch_size" env:"EMBEDDER_BATCH_SIZE"`
}

// ExportConfig describes the object storage used for export-to-file
// responses.
type ExportConfig struct {
	StorageEndpoint string `json:"storage_endpoint" env:"EXPORT_STORAGE_ENDPOINT"`
	AccessKey       string `json:"access_key" env:"EXPORT_STORAGE_ACCESS_KEY"`
	SecretKey       string `json:"secret_key" env:"EXPORT_STORAGE_SECRET_KEY"`
	LocalDir        string `json:"local_dir" env:"EXPORT_LOCAL_DIR"`
}

// CascadeConfig controls the cascade coordinator's defaults (spec §4.6, §5).
type CascadeConfig struct {
	ParallelWorkers int `json:"parallel_workers" env:"CASCADE_PARALLEL_WORKERS"`
	MaxDepth        int `json:"max_depth" env:"CASCADE_MAX_DEPTH"`
	BatchSize       int `json:"batch_size" env:"CASCADE_BATCH_SIZE"`
	MaxRetries      int `json:"max_retries" env:"CASCADE_MAX_RETRIES"`
}

// CacheConfig controls the graph-context and general TTL caches (spec §6).
type CacheConfig struct {
	GraphCacheTTLMs int `json:"graph_cache_ttl_ms" env:"GRAPH_CACHE_TTL_MS"`
	MaxEntries      int `json:"max_entries" env:"CACHE_MAX_ENTRIES"`
	TTLMs           int `json:"ttl_ms" env:"CACHE_TTL_MS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Upstream UpstreamConfig `json:"upstream"`
	Vector   VectorConfig   `json:"vector"`
	Embedder EmbedderConfig `json:"embedder"`
	Export   ExportConfig   `json:"export"`
	Cascade  CascadeConfig  `json:"cascade"`
	Cache    CacheConfig    `json:"cache"`
	Logging  LoggingConfig  `json:"logging"`
}

// LoggingConfig mirrors internal/logging.Config so it can be embedded in
// the env-decoded tree without importing logging (which would create a
// cycle once logging starts depending on config for defaults).
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Embedder: EmbedderConfig{BatchSize: 96},
		Cascade: CascadeConfig{
			ParallelWorkers: 3,
			MaxDepth:        5,
			BatchSize:       200,
			MaxRetries:      5,
		},
		Cache: CacheConfig{
			GraphCacheTTLMs: 300000,
			MaxEntries:      500,
			TTLMs:           1800000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "cascadeql",
		},
	}
}

// Load loads configuration from an optional YAML file followed by
// environment variable overrides, matching the teacher's pkg/config.Load.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	if c.Cascade.ParallelWorkers < 1 {
		c.Cascade.ParallelWorkers = 1
	}
	if c.Cascade.ParallelWorkers > 10 {
		c.Cascade.ParallelWorkers = 10
	}
	if c.Cascade.MaxDepth <= 0 {
		c.Cascade.MaxDepth = 5
	}
	if c.Cascade.BatchSize <= 0 {
		c.Cascade.BatchSize = 200
	}
	if c.Cascade.MaxRetries <= 0 {
		c.Cascade.MaxRetries = 5
	}
	if c.Export.LocalDir == "" {
		c.Export.LocalDir = "exports"
	}
}
