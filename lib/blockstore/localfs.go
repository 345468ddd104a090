// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package blockstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tinycloudlabs/node/lib/cidkey"
)

// blockDir and tmpDir name the two subdirectories of a LocalFS root.
const (
	blockDir = "blocks"
	tmpDir   = "tmp"
)

// LocalFS is a Backend that stores blocks as individual files on the
// local filesystem, sharded by the first two hex characters of the
// CID's digest so no directory accumulates an unmanageable fan-out.
// Writes stage through tmpDir and commit with an atomic rename, so a
// crash mid-write never leaves a partial block visible at its final
// path.
type LocalFS struct {
	root string
}

// NewLocalFS creates a LocalFS backend rooted at root, creating the
// directory layout if it does not already exist.
func NewLocalFS(root string) (*LocalFS, error) {
	for _, dir := range []string{root, filepath.Join(root, blockDir), filepath.Join(root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("blockstore: creating directory %s: %w", dir, err)
		}
	}
	return &LocalFS{root: root}, nil
}

// path returns the sharded on-disk path for cid:
// blocks/<shard>/<full-text-encoding>.
func (l *LocalFS) path(cid cidkey.CID) string {
	text := cid.String()
	return filepath.Join(l.root, blockDir, cid.ShardPrefix(), text)
}

func (l *LocalFS) Has(_ context.Context, cid cidkey.CID) (bool, error) {
	_, err := os.Stat(l.path(cid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("blockstore: stat %s: %w", cid, err)
}

func (l *LocalFS) Write(_ context.Context, cid cidkey.CID, data []byte) error {
	finalPath := l.path(cid)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("blockstore: creating shard directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(l.root, tmpDir), "block-*.tmp")
	if err != nil {
		return fmt.Errorf("blockstore: creating staging file: %w", err)
	}
	tmpPath := tmpFile.Name()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("blockstore: writing staging file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("blockstore: syncing staging file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("blockstore: closing staging file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("blockstore: committing block %s: %w", cid, err)
	}
	committed = true
	return nil
}

func (l *LocalFS) Read(_ context.Context, cid cidkey.CID) ([]byte, error) {
	data, err := os.ReadFile(l.path(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
		}
		return nil, fmt.Errorf("blockstore: reading %s: %w", cid, err)
	}
	return data, nil
}

func (l *LocalFS) Delete(_ context.Context, cid cidkey.CID) error {
	err := os.Remove(l.path(cid))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockstore: deleting %s: %w", cid, err)
	}
	return nil
}

func (l *LocalFS) IterPrefix(_ context.Context, prefix string) ([]cidkey.CID, error) {
	root := filepath.Join(l.root, blockDir)
	var out []cidkey.CID

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("blockstore: listing shards: %w", err)
	}

	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(root, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return nil, fmt.Errorf("blockstore: listing shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			name := f.Name()
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			cid, err := cidkey.Parse(name)
			if err != nil {
				continue
			}
			out = append(out, cid)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
