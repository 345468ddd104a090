// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog is the event DAG (OrbitDatabase): transactional
// insertion of Delegation, Invocation, and Revocation events, the
// attenuation checks that guard insertion, and the chain walk that
// answers whether an invocation is authorized.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// poolConfig holds the parameters for opening the event log's SQLite
// connection pool.
type poolConfig struct {
	// Path is the filesystem path to the SQLite database file, or
	// ":memory:" for an in-memory database (pool size forced to 1).
	Path string

	// PoolSize is the number of pooled connections. Defaults to
	// max(runtime.NumCPU(), 4) when zero or negative.
	PoolSize int

	Logger *slog.Logger
}

// pool is a fixed-size pool of SQLite connections with the engine's
// standard pragmas applied, plus the event log schema migration run
// once per connection.
//
// pool is safe for concurrent use. Individual connections are not —
// each caller must Take its own connection and Put it back when done.
type pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

func openPool(cfg poolConfig) (*pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("eventlog: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if cfg.Path == ":memory:" {
		poolSize = 1
	} else if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening %s: %w", cfg.Path, err)
	}

	logger.Info("event log pool opened", "path", cfg.Path, "pool_size", poolSize)

	return &pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// withTx runs fn inside an IMMEDIATE transaction on conn, committing if
// fn returns nil and rolling back otherwise.
func withTx(conn *sqlite.Conn, fn func(conn *sqlite.Conn) error) (err error) {
	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("eventlog: beginning transaction: %w", err)
	}
	defer endTx(&err)

	err = fn(conn)
	return err
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventlog: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("event log pool close error", "path", p.path, "error", err)
		return fmt.Errorf("eventlog: closing %s: %w", p.path, err)
	}
	p.logger.Info("event log pool closed", "path", p.path)
	return nil
}

// prepareConnection applies the engine's standard pragmas and runs the
// event log's schema migration. Runs once per connection, on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("eventlog: %s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("eventlog: applying schema: %w", err)
	}
	return nil
}

// schemaSQL creates the exact table layout: actor, event, event_parent,
// event_resource, revocation, kv_entry, nonce_seen.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS actor (
	did TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS event (
	cid       TEXT PRIMARY KEY,
	kind      TEXT NOT NULL,
	actor_did TEXT NOT NULL REFERENCES actor(did),
	aud_did   TEXT NOT NULL,
	iat       INTEGER NOT NULL,
	nbf       INTEGER NOT NULL,
	exp       INTEGER,
	raw       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS event_parent (
	event_cid  TEXT NOT NULL REFERENCES event(cid),
	parent_cid TEXT NOT NULL REFERENCES event(cid),
	PRIMARY KEY (event_cid, parent_cid)
);

CREATE TABLE IF NOT EXISTS event_resource (
	event_cid TEXT NOT NULL REFERENCES event(cid),
	resource  TEXT NOT NULL,
	ability   TEXT NOT NULL,
	caveats   TEXT
);

CREATE TABLE IF NOT EXISTS revocation (
	event_cid  TEXT PRIMARY KEY REFERENCES event(cid),
	revoked_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_entry (
	space       TEXT NOT NULL,
	key         TEXT NOT NULL,
	content_cid TEXT NOT NULL,
	content_type TEXT,
	size        INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (space, key)
);

CREATE TABLE IF NOT EXISTS nonce_seen (
	issuer       TEXT NOT NULL,
	nonce        TEXT NOT NULL,
	response_ref TEXT,
	PRIMARY KEY (issuer, nonce)
);
`
