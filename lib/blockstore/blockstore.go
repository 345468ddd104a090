// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockstore implements the content-addressed block store:
// put/get/has/delete/iter_prefix keyed by CID, backed by a pluggable
// Backend (local filesystem or S3-compatible object storage). Backends
// differ only in latency, never in semantics — every write is
// idempotent on identical bytes and rejects content that does not hash
// to the claimed CID.
package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tinycloudlabs/node/lib/cidkey"
)

// ErrInvalidBlockContent is returned by Put when the supplied bytes do
// not hash to the claimed CID. Since a CID is itself a hash of its
// content, this can only happen if the caller (or an attacker) lies
// about the CID — it is never a legitimate retry of the same write.
var ErrInvalidBlockContent = errors.New("blockstore: content does not match CID")

// ErrNotFound is returned by Get when no block is stored under the
// given CID. Delete of a missing block is not an error.
var ErrNotFound = errors.New("blockstore: block not found")

// ErrQuotaExceeded is returned by Put when writing the block would
// push the owning space over its configured storage quota.
var ErrQuotaExceeded = errors.New("blockstore: quota exceeded")

// Backend is the storage-engine interface a Store wraps. Backends are
// an open set — any implementation satisfying this interface (local
// filesystem, S3-compatible, or otherwise) may be plugged in.
type Backend interface {
	// Has reports whether a block is already stored under cid.
	Has(ctx context.Context, cid cidkey.CID) (bool, error)

	// Write stores data under cid. The backend may assume the caller
	// has already verified data hashes to cid; Write itself does not
	// re-verify. Write must be safe to call concurrently for distinct
	// CIDs, and idempotent for the same CID.
	Write(ctx context.Context, cid cidkey.CID, data []byte) error

	// Read returns the bytes stored under cid, or ErrNotFound.
	Read(ctx context.Context, cid cidkey.CID) ([]byte, error)

	// Delete removes the block stored under cid. Deleting a missing
	// block is not an error.
	Delete(ctx context.Context, cid cidkey.CID) error

	// IterPrefix lists every stored CID whose text encoding begins
	// with prefix, in unspecified order.
	IterPrefix(ctx context.Context, prefix string) ([]cidkey.CID, error)
}

// QuotaChecker reports how many bytes a space currently occupies, so
// Store can enforce a quota before staging a write. A nil QuotaChecker
// disables quota enforcement.
type QuotaChecker interface {
	// UsedBytes returns the current storage usage for space.
	UsedBytes(ctx context.Context, space string) (int64, error)
}

// Store is the block store's public API: the CID framing, write-once
// validation, and quota check layered on top of a Backend.
type Store struct {
	backend Backend
	quota   QuotaChecker

	// maxBytesPerSpace is the configured per-space storage ceiling. A
	// value of 0 means unlimited.
	maxBytesPerSpace int64
}

// Option configures a Store constructed by New.
type Option func(*Store)

// WithQuota enables per-space quota enforcement. The limit applies
// uniformly to every space; checker reports current usage.
func WithQuota(checker QuotaChecker, maxBytesPerSpace int64) Option {
	return func(s *Store) {
		s.quota = checker
		s.maxBytesPerSpace = maxBytesPerSpace
	}
}

// New wraps backend in a Store, applying any options.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores data under its computed CID, scoped to space for quota
// accounting. The quota check (if enabled) happens before any bytes
// are staged with the backend — per the spec's resolution of the
// before/after staging ambiguity, enforcing before is the safe choice.
//
// If a block already exists at the resulting CID, Put compares the new
// bytes against it: identical bytes are a no-op success; differing
// bytes can only mean cid was supplied directly by a caller that lied
// about it (Put always derives the CID from data itself, so this path
// only matters for callers combining Put with a pre-computed CID check)
// and is reported as ErrInvalidBlockContent.
func (s *Store) Put(ctx context.Context, space string, data []byte) (cidkey.CID, error) {
	cid := cidkey.Compute(data)

	if s.quota != nil && s.maxBytesPerSpace > 0 {
		used, err := s.quota.UsedBytes(ctx, space)
		if err != nil {
			return cidkey.CID{}, fmt.Errorf("blockstore: checking quota: %w", err)
		}
		if used+int64(len(data)) > s.maxBytesPerSpace {
			return cidkey.CID{}, fmt.Errorf("%w: space %q would exceed %d bytes", ErrQuotaExceeded, space, s.maxBytesPerSpace)
		}
	}

	exists, err := s.backend.Has(ctx, cid)
	if err != nil {
		return cidkey.CID{}, fmt.Errorf("blockstore: checking existing block: %w", err)
	}
	if exists {
		existing, err := s.backend.Read(ctx, cid)
		if err != nil {
			return cidkey.CID{}, fmt.Errorf("blockstore: reading existing block: %w", err)
		}
		if !bytes.Equal(existing, data) {
			return cidkey.CID{}, fmt.Errorf("%w: %s", ErrInvalidBlockContent, cid)
		}
		return cid, nil
	}

	if err := s.backend.Write(ctx, cid, data); err != nil {
		return cidkey.CID{}, fmt.Errorf("blockstore: writing block %s: %w", cid, err)
	}
	return cid, nil
}

// PutExpectingCID stores data, requiring it to hash to the caller's
// declared cid. This is the path the invocation dispatcher uses: the
// caller already parsed a CID out of an envelope's caveats and must
// confirm the uploaded body actually matches it before accepting it.
func (s *Store) PutExpectingCID(ctx context.Context, space string, cid cidkey.CID, data []byte) error {
	computed := cidkey.Compute(data)
	if !computed.Equal(cid) {
		return fmt.Errorf("%w: expected %s, computed %s", ErrInvalidBlockContent, cid, computed)
	}
	_, err := s.Put(ctx, space, data)
	return err
}

// Get returns the bytes stored under cid.
func (s *Store) Get(ctx context.Context, cid cidkey.CID) ([]byte, error) {
	data, err := s.backend.Read(ctx, cid)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Has reports whether a block is stored under cid.
func (s *Store) Has(ctx context.Context, cid cidkey.CID) (bool, error) {
	return s.backend.Has(ctx, cid)
}

// Delete removes the block stored under cid. Callers are responsible
// for only deleting blocks no longer referenced by any KV entry or
// event — the store itself performs no reference counting.
func (s *Store) Delete(ctx context.Context, cid cidkey.CID) error {
	return s.backend.Delete(ctx, cid)
}

// IterPrefix lists every stored CID whose text form begins with
// prefix. Used by garbage collection to enumerate candidate blocks.
func (s *Store) IterPrefix(ctx context.Context, prefix string) ([]cidkey.CID, error) {
	return s.backend.IterPrefix(ctx, prefix)
}

// GC deletes every stored block whose CID is not present in live.
// The caller builds live from every current KV entry's content-cid
// (kv.Service.LiveContentCIDs); envelope raw bytes are kept in the
// event log's database, not in the block store.
// Returns the CIDs actually deleted.
func (s *Store) GC(ctx context.Context, live map[cidkey.CID]struct{}) ([]cidkey.CID, error) {
	all, err := s.backend.IterPrefix(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("blockstore: listing blocks for gc: %w", err)
	}

	var deleted []cidkey.CID
	for _, cid := range all {
		if _, ok := live[cid]; ok {
			continue
		}
		if err := s.backend.Delete(ctx, cid); err != nil {
			return deleted, fmt.Errorf("blockstore: gc deleting %s: %w", cid, err)
		}
		deleted = append(deleted, cid)
	}
	return deleted, nil
}

// ReadAll is a convenience wrapper reading an io.Reader fully and
// putting the result.
func (s *Store) ReadAll(ctx context.Context, space string, r io.Reader) (cidkey.CID, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return cidkey.CID{}, fmt.Errorf("blockstore: reading input: %w", err)
	}
	return s.Put(ctx, space, data)
}
