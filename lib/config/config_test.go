// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tinycloud.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeConfigFile(t, `
static_secret: c3VwZXJzZWNyZXQtc3VwZXJzZWNyZXQtMzJieXRlcyE
block_store:
  backend: local
  local_fs:
    root: /var/lib/tinycloud/blocks
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Database.Path != "tinycloud.db" {
		t.Errorf("Database.Path = %q, want default", cfg.Database.Path)
	}
	if cfg.HTTP.Addr != ":8000" {
		t.Errorf("HTTP.Addr = %q, want default", cfg.HTTP.Addr)
	}
	if cfg.BlockStore.LocalFS.Root != "/var/lib/tinycloud/blocks" {
		t.Errorf("BlockStore.LocalFS.Root = %q, want override", cfg.BlockStore.LocalFS.Root)
	}
}

func TestLoadFileMissingSecretFails(t *testing.T) {
	path := writeConfigFile(t, `
block_store:
  backend: local
  local_fs:
    root: /tmp/blocks
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("LoadFile without static_secret: want error")
	}
}

func TestLoadFileS3RequiresBucketAndRegion(t *testing.T) {
	path := writeConfigFile(t, `
static_secret: c3VwZXJzZWNyZXQtc3VwZXJzZWNyZXQtMzJieXRlcyE
block_store:
  backend: s3
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("LoadFile with s3 backend and no bucket/region: want error")
	}
}

func TestEnvironmentOverridesApply(t *testing.T) {
	path := writeConfigFile(t, `
environment: production
static_secret: c3VwZXJzZWNyZXQtc3VwZXJzZWNyZXQtMzJieXRlcyE
block_store:
  backend: local
  local_fs:
    root: /tmp/blocks
production:
  http:
    addr: "0.0.0.0:443"
  quota_bytes_per_space: 104857600
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.HTTP.Addr != "0.0.0.0:443" {
		t.Errorf("HTTP.Addr = %q, want production override", cfg.HTTP.Addr)
	}
	if cfg.QuotaBytesPerSpace != 104857600 {
		t.Errorf("QuotaBytesPerSpace = %d, want production override", cfg.QuotaBytesPerSpace)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("TINYCLOUD_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatalf("Load with unset TINYCLOUD_CONFIG: want error")
	}
}
