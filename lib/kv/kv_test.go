// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tinycloudlabs/node/lib/cidkey"
	"github.com/tinycloudlabs/node/lib/eventlog"
)

func openTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	log, err := eventlog.Open(eventlog.Config{Path: filepath.Join(t.TempDir(), "eventlog.db"), PoolSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := log.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return log
}

func TestPutGetMetadataRoundTrip(t *testing.T) {
	svc := New(openTestLog(t))
	ctx := context.Background()

	cid := cidkey.Compute([]byte("hello"))
	if err := svc.Put(ctx, "space-1", "notes.txt", cid, "text/plain", 5, 100); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry, err := svc.Metadata(ctx, "space-1", "notes.txt")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !entry.ContentCID.Equal(cid) {
		t.Fatalf("ContentCID = %v, want %v", entry.ContentCID, cid)
	}
	if entry.CreatedAt != 100 || entry.UpdatedAt != 100 {
		t.Fatalf("timestamps = (%d, %d), want (100, 100)", entry.CreatedAt, entry.UpdatedAt)
	}
}

func TestPutPreservesCreatedAtOnUpdate(t *testing.T) {
	svc := New(openTestLog(t))
	ctx := context.Background()

	cid1 := cidkey.Compute([]byte("v1"))
	cid2 := cidkey.Compute([]byte("v2"))

	if err := svc.Put(ctx, "space-1", "k", cid1, "text/plain", 2, 100); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := svc.Put(ctx, "space-1", "k", cid2, "text/plain", 2, 200); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	entry, err := svc.Metadata(ctx, "space-1", "k")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if entry.CreatedAt != 100 {
		t.Fatalf("CreatedAt = %d, want 100 (preserved across update)", entry.CreatedAt)
	}
	if entry.UpdatedAt != 200 {
		t.Fatalf("UpdatedAt = %d, want 200", entry.UpdatedAt)
	}
	if !entry.ContentCID.Equal(cid2) {
		t.Fatalf("ContentCID not updated to the second write")
	}
}

func TestMetadataNotFound(t *testing.T) {
	svc := New(openTestLog(t))
	if _, err := svc.Metadata(context.Background(), "space-1", "missing"); err == nil {
		t.Fatalf("Metadata on missing key: want error")
	}
}

func TestListLexicographicPrefix(t *testing.T) {
	svc := New(openTestLog(t))
	ctx := context.Background()
	cid := cidkey.Compute([]byte("x"))

	for _, key := range []string{"a/1", "a/2", "a/3", "b/1"} {
		if err := svc.Put(ctx, "space-1", key, cid, "", 1, 1); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := svc.List(ctx, "space-1", "a/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a/1", "a/2", "a/3"}
	if len(keys) != len(want) {
		t.Fatalf("List returned %v, want %v", keys, want)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("List[%d] = %q, want %q", i, keys[i], k)
		}
	}
}

func TestListEmptyPrefixReturnsAll(t *testing.T) {
	svc := New(openTestLog(t))
	ctx := context.Background()
	cid := cidkey.Compute([]byte("x"))

	for _, key := range []string{"a", "b", "c"} {
		if err := svc.Put(ctx, "space-1", key, cid, "", 1, 1); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := svc.List(ctx, "space-1", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("List returned %d keys, want 3", len(keys))
	}
}

func TestDel(t *testing.T) {
	svc := New(openTestLog(t))
	ctx := context.Background()
	cid := cidkey.Compute([]byte("x"))

	if err := svc.Put(ctx, "space-1", "k", cid, "", 1, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := svc.Del(ctx, "space-1", "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := svc.Metadata(ctx, "space-1", "k"); err == nil {
		t.Fatalf("Metadata after Del: want error")
	}
	if err := svc.Del(ctx, "space-1", "k"); err == nil {
		t.Fatalf("Del on already-deleted key: want error")
	}
}

func TestUsedBytes(t *testing.T) {
	svc := New(openTestLog(t))
	ctx := context.Background()
	cid := cidkey.Compute([]byte("x"))

	if err := svc.Put(ctx, "space-1", "a", cid, "", 10, 1); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := svc.Put(ctx, "space-1", "b", cid, "", 20, 1); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if err := svc.Put(ctx, "space-2", "c", cid, "", 99, 1); err != nil {
		t.Fatalf("Put c: %v", err)
	}

	used, err := svc.UsedBytes(ctx, "space-1")
	if err != nil {
		t.Fatalf("UsedBytes: %v", err)
	}
	if used != 30 {
		t.Fatalf("UsedBytes(space-1) = %d, want 30 (scoped away from space-2)", used)
	}
}
