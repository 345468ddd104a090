// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tinycloudlabs/node/lib/capability"
	"github.com/tinycloudlabs/node/lib/cidkey"
	"github.com/tinycloudlabs/node/lib/envelope"
	"github.com/tinycloudlabs/node/lib/verifier"
)

// Sentinel errors, surfaced to the HTTP layer via lib/httperr.
var (
	ErrUnknownParent = fmt.Errorf("eventlog: parent not found")
	ErrRevokedParent = fmt.Errorf("eventlog: parent is revoked")
	ErrUnauthorized  = fmt.Errorf("eventlog: chain does not attenuate to requested capability")
	ErrConflict      = fmt.Errorf("eventlog: nonce already used for a different operation")
	ErrNotFound      = fmt.Errorf("eventlog: not found")
)

// Config holds the parameters for opening an event log.
type Config struct {
	// Path is the event log's SQLite database file, or ":memory:".
	Path string

	// PoolSize is the number of pooled connections. See poolConfig.
	PoolSize int

	Logger *slog.Logger
}

// Log is the event DAG: Delegations, Invocations, and Revocations,
// persisted transactionally with the attenuation invariants enforced
// on insertion. Per-space insertion is additionally serialized by an
// in-process keyed mutex on top of SQLite's own writer-serialization,
// per spec §5's linearizability requirement.
type Log struct {
	pool   *pool
	logger *slog.Logger

	spacesMu sync.Mutex
	spaces   map[string]*sync.Mutex
}

// Open creates or opens an event log at cfg.Path, applying the schema
// migration on first connect.
func Open(cfg Config) (*Log, error) {
	p, err := openPool(poolConfig{Path: cfg.Path, PoolSize: cfg.PoolSize, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{pool: p, logger: logger, spaces: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying connection pool.
func (l *Log) Close() error {
	return l.pool.close()
}

// WithConn runs fn against a pooled connection, for sibling components
// (lib/kv) that share this database and schema.
func (l *Log) WithConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := l.pool.take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.put(conn)
	return fn(conn)
}

// lockSpace returns the mutex serializing insertions for spaceID,
// creating it on first use.
func (l *Log) lockSpace(spaceID string) *sync.Mutex {
	l.spacesMu.Lock()
	defer l.spacesMu.Unlock()
	m, ok := l.spaces[spaceID]
	if !ok {
		m = &sync.Mutex{}
		l.spaces[spaceID] = m
	}
	return m
}

// spaceOf returns the space ID the result's grants are scoped to,
// erroring if they span more than one space (every grant in a single
// envelope names the same space per §3's resource URI shape).
func spaceOf(res *verifier.Result) (string, error) {
	if len(res.Grants.Grants) == 0 {
		return "", fmt.Errorf("%w: envelope carries no grants", ErrUnauthorized)
	}
	spaceID := res.Grants.Grants[0].Resource.SpaceID
	for _, g := range res.Grants.Grants[1:] {
		if g.Resource.SpaceID != spaceID {
			return "", fmt.Errorf("eventlog: envelope grants span multiple spaces")
		}
	}
	return spaceID, nil
}

// controllerDID derives the space controller's DID from a space ID of
// the form "tinycloud:pkh:eip155:<chain>:<addr>://<name>/": the wallet
// that owns the space is the same did:pkh identity embedded in it.
func controllerDID(spaceID string) (string, error) {
	const prefix = "tinycloud:"
	if !strings.HasPrefix(spaceID, prefix) {
		return "", fmt.Errorf("eventlog: space id %q has no tinycloud: scheme", spaceID)
	}
	rest := strings.TrimPrefix(spaceID, prefix)
	marker := strings.Index(rest, "://")
	if marker < 0 {
		return "", fmt.Errorf("eventlog: space id %q missing name suffix", spaceID)
	}
	return "did:" + rest[:marker], nil
}

// isHostRootGrant reports whether g is the bootstrap hosting capability
// a space's root delegation grants. The spec names this resource
// "<space-id>#orbit/host"; since §3's resource grammar has no fragment
// component and a closed {kv, capabilities, delegation} service set,
// this module represents it as the "capabilities" service at path
// "host".
func isHostRootGrant(g capability.Grant) bool {
	return g.Resource.Service == "capabilities" && g.Resource.Path == "host"
}

// upsertActor inserts did into the actor table if it is not already
// present. Must run before the event row referencing it.
func upsertActor(conn *sqlite.Conn, did string) error {
	return sqlitex.Execute(conn, `INSERT OR IGNORE INTO actor(did) VALUES (?)`, &sqlitex.ExecOptions{
		Args: []any{did},
	})
}

func marshalCaveats(caveats []capability.Caveat) (string, error) {
	if len(caveats) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(caveats)
	if err != nil {
		return "", fmt.Errorf("eventlog: encoding caveats: %w", err)
	}
	return string(raw), nil
}

func nullableExp(exp int64) any {
	if exp < 0 {
		return nil
	}
	return exp
}

// insertEventRow writes the event, event_parent, and event_resource
// rows for a verified envelope. Caller holds the space lock and an
// open transaction.
func insertEventRow(conn *sqlite.Conn, kind envelope.Kind, cid cidkey.CID, res *verifier.Result) error {
	if err := upsertActor(conn, res.IssuerDID); err != nil {
		return fmt.Errorf("eventlog: upserting issuer actor: %w", err)
	}
	if err := upsertActor(conn, res.AudienceDID); err != nil {
		return fmt.Errorf("eventlog: upserting audience actor: %w", err)
	}

	err := sqlitex.Execute(conn,
		`INSERT INTO event(cid, kind, actor_did, aud_did, iat, nbf, exp, raw) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			cid.String(), kind.String(), res.IssuerDID, res.AudienceDID,
			res.IssuedAt, res.NotBefore, nullableExp(res.Expiry), res.RawBytes,
		}})
	if err != nil {
		return fmt.Errorf("eventlog: inserting event row: %w", err)
	}

	for _, parent := range res.ParentCIDs {
		err := sqlitex.Execute(conn, `INSERT INTO event_parent(event_cid, parent_cid) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{cid.String(), parent}})
		if err != nil {
			return fmt.Errorf("eventlog: inserting event_parent row: %w", err)
		}
	}

	for _, grant := range res.Grants.Grants {
		caveatsJSON, err := marshalCaveats(grant.Caveats)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, `INSERT INTO event_resource(event_cid, resource, ability, caveats) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{cid.String(), grant.Resource.String(), grant.Ability.String(), caveatsJSON}})
		if err != nil {
			return fmt.Errorf("eventlog: inserting event_resource row: %w", err)
		}
	}

	return nil
}

// loadEventGrants reads back the (resource, ability, caveats) grants
// persisted for an event CID.
func loadEventGrants(conn *sqlite.Conn, cid string) (capability.Set, error) {
	var set capability.Set
	var stepErr error
	err := sqlitex.Execute(conn, `SELECT resource, ability, caveats FROM event_resource WHERE event_cid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{cid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				resource, err := capability.ParseResource(stmt.ColumnText(0))
				if err != nil {
					stepErr = err
					return err
				}
				ability, err := capability.ParseAbility(stmt.ColumnText(1))
				if err != nil {
					stepErr = err
					return err
				}
				var caveats []capability.Caveat
				if raw := stmt.ColumnText(2); raw != "" {
					if err := json.Unmarshal([]byte(raw), &caveats); err != nil {
						stepErr = err
						return err
					}
				}
				set.AddGrant(capability.Grant{Resource: resource, Ability: ability, Caveats: caveats})
				return nil
			},
		})
	if err != nil {
		return capability.Set{}, err
	}
	return set, stepErr
}

// eventRow is the subset of the event table's columns chain-walking,
// revocation, and time-window attenuation logic needs. exp is -1 when
// the row's expiry is NULL (no expiry), matching verifier.Result's
// own sentinel convention.
type eventRow struct {
	cid      string
	kind     string
	actorDID string
	audDID   string
	iat      int64
	nbf      int64
	exp      int64
}

func loadEvent(conn *sqlite.Conn, cid string) (*eventRow, error) {
	var row *eventRow
	err := sqlitex.Execute(conn, `SELECT cid, kind, actor_did, aud_did, iat, nbf, exp FROM event WHERE cid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{cid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exp := int64(-1)
				if stmt.ColumnType(6) != sqlite.TypeNull {
					exp = stmt.ColumnInt64(6)
				}
				row = &eventRow{
					cid:      stmt.ColumnText(0),
					kind:     stmt.ColumnText(1),
					actorDID: stmt.ColumnText(2),
					audDID:   stmt.ColumnText(3),
					iat:      stmt.ColumnInt64(4),
					nbf:      stmt.ColumnInt64(5),
					exp:      exp,
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// withinParentWindow reports whether a child delegation/invocation's
// time window is attenuated by a single parent's: the child may not
// outlive the parent (child.exp <= parent.exp, unless the parent has
// no expiry) and may not start before the parent is valid (child.nbf
// >= parent.nbf), per Invariant 3 and scenario S5.
func withinParentWindow(childNbf, childExp int64, parent *eventRow) bool {
	if parent.exp >= 0 && (childExp < 0 || childExp > parent.exp) {
		return false
	}
	if childNbf < parent.nbf {
		return false
	}
	return true
}

func loadParents(conn *sqlite.Conn, cid string) ([]string, error) {
	var parents []string
	err := sqlitex.Execute(conn, `SELECT parent_cid FROM event_parent WHERE event_cid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{cid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parents = append(parents, stmt.ColumnText(0))
				return nil
			},
		})
	return parents, err
}

// revokedAt returns the revocation timestamp for cid, or ok=false if
// cid has never been revoked.
func revokedAt(conn *sqlite.Conn, cid string) (at int64, ok bool, err error) {
	err = sqlitex.Execute(conn, `SELECT revoked_at FROM revocation WHERE event_cid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{cid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				at = stmt.ColumnInt64(0)
				ok = true
				return nil
			},
		})
	return at, ok, err
}

// IsRevoked reports whether cid is revoked at or before the given
// time.
func (l *Log) IsRevoked(ctx context.Context, cid string, at int64) (bool, error) {
	var revoked bool
	err := l.WithConn(ctx, func(conn *sqlite.Conn) error {
		revokeTime, ok, err := revokedAt(conn, cid)
		if err != nil {
			return err
		}
		revoked = ok && revokeTime <= at
		return nil
	})
	return revoked, err
}

// chainRevokedAt walks every ancestor of cid (via event_parent),
// guarded by a visited set per §9's cyclic-reference note, and reports
// whether any ancestor (cid included) is revoked at or before at.
func chainRevokedAt(conn *sqlite.Conn, cid string, at int64) (bool, error) {
	visited := make(map[string]bool)
	var walk func(string) (bool, error)
	walk = func(current string) (bool, error) {
		if visited[current] {
			return false, nil
		}
		visited[current] = true

		revokeTime, ok, err := revokedAt(conn, current)
		if err != nil {
			return false, err
		}
		if ok && revokeTime <= at {
			return true, nil
		}

		parents, err := loadParents(conn, current)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			revoked, err := walk(p)
			if err != nil {
				return false, err
			}
			if revoked {
				return true, nil
			}
		}
		return false, nil
	}
	return walk(cid)
}

// InsertDelegation persists a verified Delegation envelope, enforcing
// the actor-upsert-before-event-insert ordering, parent presence and
// non-revocation, and attenuation against the union of the cited
// parents' grants (each parent's time window is checked on its own). Returns
// the delegation's CID.
func (l *Log) InsertDelegation(ctx context.Context, res *verifier.Result) (cidkey.CID, error) {
	if res.Kind != envelope.KindDelegationCACAO && res.Kind != envelope.KindDelegationUCAN {
		return cidkey.CID{}, fmt.Errorf("eventlog: InsertDelegation called with kind %v", res.Kind)
	}

	spaceID, err := spaceOf(res)
	if err != nil {
		return cidkey.CID{}, err
	}
	lock := l.lockSpace(spaceID)
	lock.Lock()
	defer lock.Unlock()

	cid := cidkey.Compute(res.RawBytes)

	var insertErr error
	err = l.WithConn(ctx, func(conn *sqlite.Conn) error {
		return withTx(conn, func(conn *sqlite.Conn) error {
			if len(res.ParentCIDs) == 0 {
				ok, err := isRootDelegation(res, spaceID)
				if err != nil {
					insertErr = err
					return err
				}
				if !ok {
					insertErr = fmt.Errorf("%w: no parents and not a root hosting delegation", ErrUnauthorized)
					return insertErr
				}
			} else {
				parentSets := make([]capability.Set, 0, len(res.ParentCIDs))
				issuerMatchesAnyAudience := false
				for _, parentCID := range res.ParentCIDs {
					parentRow, err := loadEvent(conn, parentCID)
					if err != nil {
						insertErr = err
						return err
					}
					if parentRow == nil {
						insertErr = fmt.Errorf("%w: %s", ErrUnknownParent, parentCID)
						return insertErr
					}
					revoked, err := chainRevokedAt(conn, parentCID, res.IssuedAt)
					if err != nil {
						insertErr = err
						return err
					}
					if revoked {
						insertErr = fmt.Errorf("%w: %s", ErrRevokedParent, parentCID)
						return insertErr
					}
					if !withinParentWindow(res.NotBefore, res.Expiry, parentRow) {
						insertErr = fmt.Errorf("%w: delegation exceeds parent %s's time window", ErrUnauthorized, parentCID)
						return insertErr
					}
					if parentRow.audDID == res.IssuerDID {
						issuerMatchesAnyAudience = true
					}
					grants, err := loadEventGrants(conn, parentCID)
					if err != nil {
						insertErr = err
						return err
					}
					parentSets = append(parentSets, grants)
				}
				if !issuerMatchesAnyAudience {
					insertErr = fmt.Errorf("%w: issuer is not the audience of any cited parent", ErrUnauthorized)
					return insertErr
				}

				var union capability.Set
				for _, s := range parentSets {
					union = capability.Union(union, s)
				}
				if !capability.Attenuates(union, res.Grants) {
					insertErr = fmt.Errorf("%w: delegation is not attenuated by its parents", ErrUnauthorized)
					return insertErr
				}
			}

			return insertEventRow(conn, res.Kind, cid, res)
		})
	})
	if insertErr != nil {
		return cidkey.CID{}, insertErr
	}
	if err != nil {
		return cidkey.CID{}, fmt.Errorf("eventlog: inserting delegation: %w", err)
	}
	return cid, nil
}

// isRootDelegation checks the bootstrap case: a parentless delegation
// granting the hosting capability is accepted iff its issuer is the
// space's controller.
func isRootDelegation(res *verifier.Result, spaceID string) (bool, error) {
	hasHostGrant := false
	for _, g := range res.Grants.Grants {
		if isHostRootGrant(g) {
			hasHostGrant = true
			break
		}
	}
	if !hasHostGrant {
		return false, nil
	}
	controller, err := controllerDID(spaceID)
	if err != nil {
		return false, err
	}
	return res.IssuerDID == controller, nil
}

// InvocationRecord is what InsertInvocation returns to the dispatcher:
// the single action it authorizes, plus idempotency bookkeeping.
type InvocationRecord struct {
	CID      cidkey.CID
	Resource capability.Resource
	Ability  capability.Ability
	Caveats  []capability.Caveat
	Issuer   string
	Nonce    string
}

// InsertInvocation persists a verified Invocation envelope. Requires
// exactly one parent delegation that is present, non-revoked anywhere
// in its chain, whose audience equals the invocation's issuer, and
// that attenuates the invocation's single grant.
func (l *Log) InsertInvocation(ctx context.Context, res *verifier.Result) (*InvocationRecord, error) {
	if res.Kind != envelope.KindInvocationUCAN {
		return nil, fmt.Errorf("eventlog: InsertInvocation called with kind %v", res.Kind)
	}
	if len(res.ParentCIDs) != 1 {
		return nil, fmt.Errorf("%w: invocation must cite exactly one parent, got %d", ErrUnauthorized, len(res.ParentCIDs))
	}
	if len(res.Grants.Grants) != 1 {
		return nil, fmt.Errorf("%w: invocation must carry exactly one grant, got %d", ErrUnauthorized, len(res.Grants.Grants))
	}

	spaceID, err := spaceOf(res)
	if err != nil {
		return nil, err
	}
	lock := l.lockSpace(spaceID)
	lock.Lock()
	defer lock.Unlock()

	parentCID := res.ParentCIDs[0]
	cid := cidkey.Compute(res.RawBytes)
	grant := res.Grants.Grants[0]

	var insertErr error
	err = l.WithConn(ctx, func(conn *sqlite.Conn) error {
		return withTx(conn, func(conn *sqlite.Conn) error {
			parentRow, err := loadEvent(conn, parentCID)
			if err != nil {
				insertErr = err
				return err
			}
			if parentRow == nil {
				insertErr = fmt.Errorf("%w: %s", ErrUnknownParent, parentCID)
				return insertErr
			}
			revoked, err := chainRevokedAt(conn, parentCID, res.IssuedAt)
			if err != nil {
				insertErr = err
				return err
			}
			if revoked {
				insertErr = fmt.Errorf("%w: %s", ErrRevokedParent, parentCID)
				return insertErr
			}
			if parentRow.audDID != res.IssuerDID {
				insertErr = fmt.Errorf("%w: invocation issuer is not parent's audience", ErrUnauthorized)
				return insertErr
			}
			if !withinParentWindow(res.NotBefore, res.Expiry, parentRow) {
				insertErr = fmt.Errorf("%w: invocation exceeds parent %s's time window", ErrUnauthorized, parentCID)
				return insertErr
			}

			parentGrants, err := loadEventGrants(conn, parentCID)
			if err != nil {
				insertErr = err
				return err
			}
			if !capability.Attenuates(parentGrants, res.Grants) {
				insertErr = fmt.Errorf("%w: invocation exceeds parent delegation", ErrUnauthorized)
				return insertErr
			}

			return insertEventRow(conn, res.Kind, cid, res)
		})
	})
	if insertErr != nil {
		return nil, insertErr
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: inserting invocation: %w", err)
	}

	return &InvocationRecord{
		CID:      cid,
		Resource: grant.Resource,
		Ability:  grant.Ability,
		Caveats:  grant.Caveats,
		Issuer:   res.IssuerDID,
		Nonce:    res.Nonce,
	}, nil
}

// InsertRevocation persists a verified Revocation envelope, marking
// its subject CID revoked at the revocation's issued-at time.
func (l *Log) InsertRevocation(ctx context.Context, res *verifier.Result, subjectCID string) (cidkey.CID, error) {
	if res.Kind != envelope.KindRevocationUCAN {
		return cidkey.CID{}, fmt.Errorf("eventlog: InsertRevocation called with kind %v", res.Kind)
	}

	cid := cidkey.Compute(res.RawBytes)

	var insertErr error
	err := l.WithConn(ctx, func(conn *sqlite.Conn) error {
		return withTx(conn, func(conn *sqlite.Conn) error {
			subject, err := loadEvent(conn, subjectCID)
			if err != nil {
				insertErr = err
				return err
			}
			if subject == nil {
				insertErr = fmt.Errorf("%w: revocation subject %s", ErrUnknownParent, subjectCID)
				return insertErr
			}
			if res.IssuerDID != subject.actorDID && res.IssuerDID != subject.audDID {
				authorized, err := transitivelyAuthorizedToRevoke(conn, res.IssuerDID, subjectCID)
				if err != nil {
					insertErr = err
					return err
				}
				if !authorized {
					insertErr = fmt.Errorf("%w: issuer may not revoke %s", ErrUnauthorized, subjectCID)
					return insertErr
				}
			}

			if err := insertEventRow(conn, res.Kind, cid, res); err != nil {
				insertErr = err
				return err
			}

			err = sqlitex.Execute(conn, `INSERT INTO revocation(event_cid, revoked_at) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{subjectCID, res.IssuedAt}})
			if err != nil {
				insertErr = fmt.Errorf("eventlog: inserting revocation row: %w", err)
				return insertErr
			}
			return nil
		})
	})
	if insertErr != nil {
		return cidkey.CID{}, insertErr
	}
	if err != nil {
		return cidkey.CID{}, fmt.Errorf("eventlog: inserting revocation: %w", err)
	}
	return cid, nil
}

// transitivelyAuthorizedToRevoke reports whether issuer is an ancestor
// delegator somewhere in subjectCID's chain, and therefore entitled to
// revoke it even though it did not directly issue or receive it.
func transitivelyAuthorizedToRevoke(conn *sqlite.Conn, issuer, subjectCID string) (bool, error) {
	visited := make(map[string]bool)
	var walk func(string) (bool, error)
	walk = func(current string) (bool, error) {
		if visited[current] {
			return false, nil
		}
		visited[current] = true

		row, err := loadEvent(conn, current)
		if err != nil {
			return false, err
		}
		if row == nil {
			return false, nil
		}
		if row.actorDID == issuer {
			return true, nil
		}
		parents, err := loadParents(conn, current)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			ok, err := walk(p)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return walk(subjectCID)
}

// FindAuthorized recursively walks leafCID's parents to a root,
// confirming attenuation at every edge (each event's grants against the
// union of its parents' grants) and that no ancestor is revoked,
// returning the full chain from root to leaf.
func (l *Log) FindAuthorized(ctx context.Context, leafCID string, at int64) ([]string, error) {
	var chain []string
	err := l.WithConn(ctx, func(conn *sqlite.Conn) error {
		revoked, err := chainRevokedAt(conn, leafCID, at)
		if err != nil {
			return err
		}
		if revoked {
			return fmt.Errorf("%w: %s", ErrRevokedParent, leafCID)
		}

		visited := make(map[string]bool)
		var walk func(string) error
		walk = func(current string) error {
			if visited[current] {
				return nil
			}
			visited[current] = true
			row, err := loadEvent(conn, current)
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("%w: %s", ErrUnknownParent, current)
			}
			parents, err := loadParents(conn, current)
			if err != nil {
				return err
			}
			var union capability.Set
			for _, p := range parents {
				if err := walk(p); err != nil {
					return err
				}
				grants, err := loadEventGrants(conn, p)
				if err != nil {
					return err
				}
				union = capability.Union(union, grants)
			}
			if own, err := loadEventGrants(conn, current); err != nil {
				return err
			} else if len(parents) > 0 && !capability.Attenuates(union, own) {
				return fmt.Errorf("%w: %s is not attenuated by its parents", ErrUnauthorized, current)
			}
			chain = append(chain, current)
			return nil
		}
		return walk(leafCID)
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// NonceSeen looks up a previously recorded response for (issuer, nonce),
// implementing the dispatcher's at-most-once idempotency check.
func (l *Log) NonceSeen(ctx context.Context, issuer, nonce string) (responseRef string, seen bool, err error) {
	err = l.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT response_ref FROM nonce_seen WHERE issuer = ? AND nonce = ?`,
			&sqlitex.ExecOptions{
				Args: []any{issuer, nonce},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					responseRef = stmt.ColumnText(0)
					seen = true
					return nil
				},
			})
	})
	return responseRef, seen, err
}

// RecordNonce stores the (issuer, nonce) → responseRef mapping,
// failing with ErrConflict if the pair was already recorded with a
// different response.
func (l *Log) RecordNonce(ctx context.Context, issuer, nonce, responseRef string) error {
	return l.WithConn(ctx, func(conn *sqlite.Conn) error {
		existing, seen, err := l.nonceResponse(conn, issuer, nonce)
		if err != nil {
			return err
		}
		if seen {
			if existing != responseRef {
				return fmt.Errorf("%w: issuer=%s nonce=%s", ErrConflict, issuer, nonce)
			}
			return nil
		}
		return sqlitex.Execute(conn, `INSERT INTO nonce_seen(issuer, nonce, response_ref) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{issuer, nonce, responseRef}})
	})
}

func (l *Log) nonceResponse(conn *sqlite.Conn, issuer, nonce string) (string, bool, error) {
	var ref string
	var seen bool
	err := sqlitex.Execute(conn, `SELECT response_ref FROM nonce_seen WHERE issuer = ? AND nonce = ?`,
		&sqlitex.ExecOptions{
			Args: []any{issuer, nonce},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ref = stmt.ColumnText(0)
				seen = true
				return nil
			},
		})
	return ref, seen, err
}
