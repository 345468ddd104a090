// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads TinyCloud Node's configuration from a single
// YAML file, located by the TINYCLOUD_CONFIG environment variable.
// There is no fallback discovery: configuration is deterministic and
// auditable, following the teacher's BUREAU_CONFIG convention.
//
// The file may carry environment-scoped override sections
// (development/staging/production) applied after the base config
// loads, same as the teacher's config layer.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is TinyCloud Node's full configuration surface (spec.md §6):
// database location, block-store backend selection, the static HKDF
// secret, the optional space-creation allowlist, and the per-space
// storage quota.
type Config struct {
	Environment Environment `yaml:"environment"`

	Database   DatabaseConfig   `yaml:"database"`
	BlockStore BlockStoreConfig `yaml:"block_store"`
	HTTP       HTTPConfig       `yaml:"http"`

	// StaticSecretBase64 seeds every space's host key (lib/hostkey).
	// Must base64url-decode to at least hostkey.MinSecretSize bytes.
	StaticSecretBase64 string `yaml:"static_secret"`

	// AllowlistURL, when set, is fetched to decide whether a new space
	// may be created (external collaborator — spec.md §1 out-of-scope
	// transport territory; the core only exposes the configured URL to
	// whatever allowlist-checking collaborator the transport wires up).
	AllowlistURL string `yaml:"allowlist_url,omitempty"`

	// QuotaBytesPerSpace bounds per-space block-store usage. Zero
	// disables quota enforcement.
	QuotaBytesPerSpace int64 `yaml:"quota_bytes_per_space"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// DatabaseConfig configures the event log / KV SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file, or ":memory:".
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections. Zero selects the
	// eventlog package's own default.
	PoolSize int `yaml:"pool_size"`
}

// BlockStoreConfig selects and parameterizes the block-store backend.
type BlockStoreConfig struct {
	// Backend is "local" or "s3".
	Backend string `yaml:"backend"`

	LocalFS LocalFSConfig `yaml:"local_fs,omitempty"`
	S3      S3Config      `yaml:"s3,omitempty"`
}

// LocalFSConfig configures the local-filesystem block-store backend.
type LocalFSConfig struct {
	Root string `yaml:"root"`
}

// S3Config configures the S3-compatible block-store backend.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// HTTPConfig configures the transport's listen address and per-request
// deadline (spec.md §5's 10s default invocation deadline).
type HTTPConfig struct {
	Addr               string `yaml:"addr"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs"`
}

// ConfigOverrides contains fields overridable per environment.
type ConfigOverrides struct {
	BlockStore         *BlockStoreConfig `yaml:"block_store,omitempty"`
	QuotaBytesPerSpace *int64            `yaml:"quota_bytes_per_space,omitempty"`
	HTTP               *HTTPConfig       `yaml:"http,omitempty"`
}

// Default returns a Config with sensible zero-values, applied before
// the config file is read. It is not a fallback — Load still requires
// an actual config file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Database:    DatabaseConfig{Path: "tinycloud.db", PoolSize: 0},
		BlockStore: BlockStoreConfig{
			Backend: "local",
			LocalFS: LocalFSConfig{Root: "blocks"},
		},
		HTTP: HTTPConfig{
			Addr:               ":8000",
			RequestTimeoutSecs: 10,
		},
		QuotaBytesPerSpace: 0,
	}
}

// Load reads configuration from the path named by TINYCLOUD_CONFIG.
// There is no fallback: if the variable is unset, Load fails.
func Load() (*Config, error) {
	path := os.Getenv("TINYCLOUD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: TINYCLOUD_CONFIG environment variable not set; " +
			"point it at a tinycloud.yaml config file")
	}
	return LoadFile(path)
}

// LoadFile reads configuration from a specific file path, applying
// environment overrides afterward.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.BlockStore != nil {
		if overrides.BlockStore.Backend != "" {
			c.BlockStore.Backend = overrides.BlockStore.Backend
		}
		if overrides.BlockStore.LocalFS.Root != "" {
			c.BlockStore.LocalFS.Root = overrides.BlockStore.LocalFS.Root
		}
		if overrides.BlockStore.S3.Bucket != "" {
			c.BlockStore.S3 = overrides.BlockStore.S3
		}
	}
	if overrides.QuotaBytesPerSpace != nil {
		c.QuotaBytesPerSpace = *overrides.QuotaBytesPerSpace
	}
	if overrides.HTTP != nil {
		if overrides.HTTP.Addr != "" {
			c.HTTP.Addr = overrides.HTTP.Addr
		}
		if overrides.HTTP.RequestTimeoutSecs != 0 {
			c.HTTP.RequestTimeoutSecs = overrides.HTTP.RequestTimeoutSecs
		}
	}
}

// Validate checks the configuration for the obvious required fields,
// per backend.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("config: invalid environment %q", c.Environment)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}

	switch c.BlockStore.Backend {
	case "local":
		if c.BlockStore.LocalFS.Root == "" {
			return fmt.Errorf("config: block_store.local_fs.root is required for the local backend")
		}
	case "s3":
		if c.BlockStore.S3.Bucket == "" {
			return fmt.Errorf("config: block_store.s3.bucket is required for the s3 backend")
		}
		if c.BlockStore.S3.Region == "" {
			return fmt.Errorf("config: block_store.s3.region is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: block_store.backend must be \"local\" or \"s3\", got %q", c.BlockStore.Backend)
	}

	if c.StaticSecretBase64 == "" {
		return fmt.Errorf("config: static_secret is required")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("config: http.addr is required")
	}

	return nil
}
