// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the invocation dispatcher (§4.H): it
// takes a verified, chain-checked invocation from lib/eventlog and
// routes it to the kv service handler its (service, action) names,
// enforcing nonce-keyed at-most-once idempotency and the
// content-address check on uploaded bodies along the way.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tinycloudlabs/node/lib/blockstore"
	"github.com/tinycloudlabs/node/lib/capability"
	"github.com/tinycloudlabs/node/lib/cidkey"
	"github.com/tinycloudlabs/node/lib/eventlog"
	"github.com/tinycloudlabs/node/lib/kv"
)

// ErrBodyMismatch is returned when an invocation's uploaded body does
// not hash to the content-cid its caveats declared.
var ErrBodyMismatch = errors.New("dispatch: body does not match declared content-cid")

// ErrUnsupportedAbility is returned for a syntactically valid ability
// naming a (service, action) pair this dispatcher has no handler for.
var ErrUnsupportedAbility = errors.New("dispatch: no handler for ability")

// Re-exported so callers (the HTTP layer) need only import this
// package to map dispatcher failures onto lib/httperr's status table.
var (
	ErrNotFound      = kv.ErrNotFound
	ErrUnauthorized  = eventlog.ErrUnauthorized
	ErrRevokedParent = eventlog.ErrRevokedParent
	ErrUnknownParent = eventlog.ErrUnknownParent
	ErrConflict      = eventlog.ErrConflict
)

// Invocation is the dispatcher's input: a persisted invocation record
// plus whatever request body accompanied it (present only for `put`).
type Invocation struct {
	Record *eventlog.InvocationRecord
	Body   []byte
	Now    int64
}

// Result is the handler's response, serialized back to the HTTP layer.
// Which fields are populated depends on the action: get fills Value
// and Entry, put fills Entry and ContentCID, list fills Keys, metadata
// fills Entry; json.Marshal of a Result with zero values is a
// reasonable default "ok" body for actions (del) that return nothing.
type Result struct {
	Value      []byte    `json:"value,omitempty"`
	Entry      *kv.Entry `json:"entry,omitempty"`
	Keys       []string  `json:"keys,omitempty"`
	ContentCID string    `json:"content_cid,omitempty"`
}

// Dispatcher routes verified kv invocations to handlers, replaying the
// recorded response for any (issuer, nonce) pair it has already seen.
type Dispatcher struct {
	log   *eventlog.Log
	store *blockstore.Store
	kv    *kv.Service
}

// New builds a Dispatcher over the given event log, block store, and
// KV service. The three normally share state (the event log's SQLite
// pool backs kv; the block store holds the put bodies kv entries point
// at) but are passed in as separate
// values so each can be constructed independently in tests.
func New(log *eventlog.Log, store *blockstore.Store, kvSvc *kv.Service) *Dispatcher {
	return &Dispatcher{log: log, store: store, kv: kvSvc}
}

// Dispatch executes inv, replaying a prior result if (issuer, nonce)
// was already recorded. On a fresh invocation, it stores the response
// under the nonce before returning, so a concurrent or retried
// duplicate observes it.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) (*Result, error) {
	rec := inv.Record

	if ref, seen, err := d.log.NonceSeen(ctx, rec.Issuer, rec.Nonce); err != nil {
		return nil, fmt.Errorf("dispatch: checking nonce: %w", err)
	} else if seen {
		var replayed Result
		if ref != "" {
			if err := json.Unmarshal([]byte(ref), &replayed); err != nil {
				return nil, fmt.Errorf("dispatch: decoding replayed response: %w", err)
			}
		}
		return &replayed, nil
	}

	result, err := d.execute(ctx, inv)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encoding response for nonce record: %w", err)
	}
	if err := d.log.RecordNonce(ctx, rec.Issuer, rec.Nonce, string(encoded)); err != nil {
		return nil, fmt.Errorf("dispatch: recording nonce: %w", err)
	}
	return result, nil
}

// execute routes to the handler named by rec.Ability, having already
// confirmed (via eventlog.InsertInvocation) that the chain authorizes
// it.
func (d *Dispatcher) execute(ctx context.Context, inv Invocation) (*Result, error) {
	rec := inv.Record
	if rec.Ability.Namespace != "tinycloud" || rec.Ability.Service != "kv" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAbility, rec.Ability)
	}

	space := rec.Resource.SpaceID
	key := rec.Resource.Path

	switch rec.Ability.Action {
	case "get":
		return d.handleGet(ctx, space, key)
	case "put":
		return d.handlePut(ctx, space, key, inv.Body, rec.Caveats, inv.Now)
	case "list":
		return d.handleList(ctx, space, key)
	case "del":
		return d.handleDel(ctx, space, key)
	case "metadata":
		return d.handleMetadata(ctx, space, key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAbility, rec.Ability)
	}
}

func (d *Dispatcher) handleGet(ctx context.Context, space, key string) (*Result, error) {
	entry, err := d.kv.Metadata(ctx, space, key)
	if err != nil {
		return nil, err
	}
	value, err := d.store.Get(ctx, entry.ContentCID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading block for %s/%s: %w", space, key, err)
	}
	return &Result{Value: value, Entry: &entry}, nil
}

// declaredContentCID extracts the content-cid caveat a put
// invocation's caveats may carry (per spec §4.H: "If the CID does not
// match a content-cid declared in the invocation's caveats (when
// present), fail BodyMismatch"). Absent a caveat, any body is
// accepted and its computed CID becomes the declared one.
func declaredContentCID(caveats []capability.Caveat) (cidkey.CID, bool, error) {
	for _, c := range caveats {
		raw, ok := c["content_cid"]
		if !ok {
			continue
		}
		text, ok := raw.(string)
		if !ok {
			return cidkey.CID{}, false, fmt.Errorf("dispatch: content_cid caveat is not a string")
		}
		cid, err := cidkey.Parse(text)
		if err != nil {
			return cidkey.CID{}, false, fmt.Errorf("dispatch: parsing content_cid caveat: %w", err)
		}
		return cid, true, nil
	}
	return cidkey.CID{}, false, nil
}

func (d *Dispatcher) handlePut(ctx context.Context, space, key string, body []byte, caveats []capability.Caveat, now int64) (*Result, error) {
	declared, hasDeclared, err := declaredContentCID(caveats)
	if err != nil {
		return nil, err
	}

	var contentCID cidkey.CID
	if hasDeclared {
		if err := d.store.PutExpectingCID(ctx, space, declared, body); err != nil {
			if errors.Is(err, blockstore.ErrInvalidBlockContent) {
				return nil, fmt.Errorf("%w: %v", ErrBodyMismatch, err)
			}
			return nil, err
		}
		contentCID = declared
	} else {
		contentCID, err = d.store.Put(ctx, space, body)
		if err != nil {
			return nil, err
		}
	}

	contentType := contentTypeCaveat(caveats)
	if err := d.kv.Put(ctx, space, key, contentCID, contentType, int64(len(body)), now); err != nil {
		return nil, fmt.Errorf("dispatch: updating kv row for %s/%s: %w", space, key, err)
	}

	entry, err := d.kv.Metadata(ctx, space, key)
	if err != nil {
		return nil, err
	}
	return &Result{Entry: &entry, ContentCID: contentCID.String()}, nil
}

func contentTypeCaveat(caveats []capability.Caveat) string {
	for _, c := range caveats {
		if v, ok := c["content_type"].(string); ok {
			return v
		}
	}
	return "application/octet-stream"
}

func (d *Dispatcher) handleList(ctx context.Context, space, prefix string) (*Result, error) {
	keys, err := d.kv.List(ctx, space, prefix)
	if err != nil {
		return nil, err
	}
	return &Result{Keys: keys}, nil
}

func (d *Dispatcher) handleDel(ctx context.Context, space, key string) (*Result, error) {
	if err := d.kv.Del(ctx, space, key); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (d *Dispatcher) handleMetadata(ctx context.Context, space, key string) (*Result, error) {
	entry, err := d.kv.Metadata(ctx, space, key)
	if err != nil {
		return nil, err
	}
	return &Result{Entry: &entry}, nil
}
