// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package kv implements the per-space key-value service (§4.I):
// CRUD over the kv_entry table that the event log's SQLite pool
// already owns, with content bytes held in the block store and
// addressed by CID. A kv.Service does not verify capabilities itself
// — that is the dispatcher's job; this package trusts its caller.
package kv

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tinycloudlabs/node/lib/cidkey"
)

// ErrNotFound is returned by Metadata and Del when no row exists
// for (space, key).
var ErrNotFound = errors.New("kv: key not found")

// conn is the subset of eventlog.Log's surface kv needs: a shared
// pooled-connection runner, so both packages transact against the
// same SQLite database and schema without kv opening a second pool.
type conn interface {
	WithConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error
}

// Entry is a stored KV row's metadata, without its bytes.
type Entry struct {
	Space       string
	Key         string
	ContentCID  cidkey.CID
	ContentType string
	Size        int64
	CreatedAt   int64
	UpdatedAt   int64
}

// Service is the KV service: Put/List/Del/Metadata over kv_entry,
// sharing the event log's connection pool. It has no Get: reading a
// value's bytes is Metadata followed by a block-store read, which
// lib/dispatch performs.
type Service struct {
	db conn
}

// New wraps db (an *eventlog.Log, or anything sharing its WithConn
// surface) in a KV Service.
func New(db conn) *Service {
	return &Service{db: db}
}

// Put upserts the row for (space, key), pointing it at contentCID.
// The caller must already have written contentCID's bytes to the
// block store — Put only records the association. now is the Unix
// timestamp to stamp created_at/updated_at with.
func (s *Service) Put(ctx context.Context, space, key string, contentCID cidkey.CID, contentType string, size int64, now int64) error {
	return s.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		createdAt := now
		err := sqlitex.Execute(conn, `SELECT created_at FROM kv_entry WHERE space = ? AND key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{space, key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					createdAt = stmt.ColumnInt64(0)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("kv: reading existing created_at: %w", err)
		}

		return sqlitex.Execute(conn, `
			INSERT INTO kv_entry(space, key, content_cid, content_type, size, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(space, key) DO UPDATE SET
				content_cid = excluded.content_cid,
				content_type = excluded.content_type,
				size = excluded.size,
				updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{space, key, contentCID.String(), contentType, size, createdAt, now}})
	})
}

// Metadata returns the stored entry for (space, key) without touching
// the block store.
func (s *Service) Metadata(ctx context.Context, space, key string) (Entry, error) {
	var entry Entry
	var found bool
	err := s.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		var stepErr error
		err := sqlitex.Execute(conn, `
			SELECT content_cid, content_type, size, created_at, updated_at
			FROM kv_entry WHERE space = ? AND key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{space, key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					cid, err := cidkey.Parse(stmt.ColumnText(0))
					if err != nil {
						stepErr = fmt.Errorf("kv: stored content_cid for %s/%s: %w", space, key, err)
						return stepErr
					}
					entry = Entry{
						Space:       space,
						Key:         key,
						ContentCID:  cid,
						ContentType: stmt.ColumnText(1),
						Size:        stmt.ColumnInt64(2),
						CreatedAt:   stmt.ColumnInt64(3),
						UpdatedAt:   stmt.ColumnInt64(4),
					}
					found = true
					return nil
				},
			})
		if stepErr != nil {
			return stepErr
		}
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s/%s", ErrNotFound, space, key)
	}
	return entry, nil
}

// List returns every key under space whose name has the given prefix,
// in lexicographic order.
func (s *Service) List(ctx context.Context, space, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT key FROM kv_entry
			WHERE space = ? AND key >= ? AND key < ?
			ORDER BY key ASC`,
			&sqlitex.ExecOptions{
				Args: []any{space, prefix, prefixUpperBound(prefix)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					keys = append(keys, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("kv: listing %s %q: %w", space, prefix, err)
	}
	return keys, nil
}

// prefixUpperBound returns the lexicographically smallest string that
// sorts strictly after every string beginning with prefix, letting
// List express a prefix scan as a single BETWEEN-style range query. An
// empty prefix has no such string, so the single byte 0xFF is used
// instead: it sorts after every byte that can begin a UTF-8 key.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "\xff"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "￿￿￿￿"
}

// Del removes the row for (space, key). Block-store deletion is
// deferred to garbage collection, since the block may still be
// referenced by an in-flight invocation or another key.
func (s *Service) Del(ctx context.Context, space, key string) error {
	return s.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM kv_entry WHERE space = ? AND key = ?`,
			&sqlitex.ExecOptions{Args: []any{space, key}}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, space, key)
		}
		return nil
	})
}

// UsedBytes sums the size column for every entry in space, satisfying
// blockstore.QuotaChecker.
func (s *Service) UsedBytes(ctx context.Context, space string) (int64, error) {
	var total int64
	err := s.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT COALESCE(SUM(size), 0) FROM kv_entry WHERE space = ?`,
			&sqlitex.ExecOptions{
				Args: []any{space},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					total = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("kv: summing usage for %s: %w", space, err)
	}
	return total, nil
}

// LiveContentCIDs returns every distinct content_cid referenced by any
// KV entry, for the block store's GC sweep.
func (s *Service) LiveContentCIDs(ctx context.Context) (map[cidkey.CID]struct{}, error) {
	live := make(map[cidkey.CID]struct{})
	err := s.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		var stepErr error
		err := sqlitex.Execute(conn, `SELECT DISTINCT content_cid FROM kv_entry`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					cid, err := cidkey.Parse(stmt.ColumnText(0))
					if err != nil {
						stepErr = err
						return err
					}
					live[cid] = struct{}{}
					return nil
				},
			})
		if stepErr != nil {
			return stepErr
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kv: listing live content cids: %w", err)
	}
	return live, nil
}
