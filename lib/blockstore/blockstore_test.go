// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package blockstore

import (
	"context"
	"errors"
	"testing"

	"github.com/tinycloudlabs/node/lib/cidkey"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	return New(backend)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte("hello world")
	cid, err := store.Put(ctx, "space-1", data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, cid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Get returned %q, want %q", got, data)
	}

	has, err := store.Has(ctx, cid)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatalf("Has reported missing block after Put")
	}
}

func TestPutIdempotentOnIdenticalBytes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte("same content")
	cid1, err := store.Put(ctx, "space-1", data)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	cid2, err := store.Put(ctx, "space-1", data)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if !cid1.Equal(cid2) {
		t.Fatalf("re-putting identical bytes produced different CIDs")
	}
}

func TestPutExpectingCIDRejectsMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wrongCID := cidkey.Compute([]byte("not the real content"))
	err := store.PutExpectingCID(ctx, "space-1", wrongCID, []byte("actual content"))
	if !errors.Is(err, ErrInvalidBlockContent) {
		t.Fatalf("PutExpectingCID error = %v, want ErrInvalidBlockContent", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing := cidkey.Compute([]byte("never stored"))
	_, err := store.Get(ctx, missing)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cid, err := store.Put(ctx, "space-1", []byte("to be deleted"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, cid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, cid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete error = %v, want ErrNotFound", err)
	}
}

func TestIterPrefixFindsStoredBlocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cid, err := store.Put(ctx, "space-1", []byte("findable"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	found, err := store.IterPrefix(ctx, "")
	if err != nil {
		t.Fatalf("IterPrefix: %v", err)
	}

	var matched bool
	for _, c := range found {
		if c.Equal(cid) {
			matched = true
		}
	}
	if !matched {
		t.Fatalf("IterPrefix did not return the stored CID %s", cid)
	}
}

type fakeQuota struct {
	used int64
}

func (f *fakeQuota) UsedBytes(context.Context, string) (int64, error) {
	return f.used, nil
}

func TestPutEnforcesQuotaBeforeStaging(t *testing.T) {
	backend, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	quota := &fakeQuota{used: 90}
	store := New(backend, WithQuota(quota, 100))
	ctx := context.Background()

	_, err = store.Put(ctx, "space-1", make([]byte, 20))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Put error = %v, want ErrQuotaExceeded", err)
	}

	has, err := store.IterPrefix(ctx, "")
	if err != nil {
		t.Fatalf("IterPrefix: %v", err)
	}
	if len(has) != 0 {
		t.Fatalf("quota-rejected Put staged a block anyway: %v", has)
	}
}

func TestGCDeletesUnreferencedBlocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	live, err := store.Put(ctx, "space-1", []byte("keep me"))
	if err != nil {
		t.Fatalf("Put live: %v", err)
	}
	dead, err := store.Put(ctx, "space-1", []byte("collect me"))
	if err != nil {
		t.Fatalf("Put dead: %v", err)
	}

	deleted, err := store.GC(ctx, map[cidkey.CID]struct{}{live: {}})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(deleted) != 1 || !deleted[0].Equal(dead) {
		t.Fatalf("GC deleted = %v, want only %s", deleted, dead)
	}

	if has, _ := store.Has(ctx, live); !has {
		t.Fatalf("GC deleted a live block")
	}
	if has, _ := store.Has(ctx, dead); has {
		t.Fatalf("GC did not delete the dead block")
	}
}
