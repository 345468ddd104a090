// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package hostkey

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/tinycloudlabs/node/lib/secret"
)

func newTestSecret(t *testing.T) *secret.Buffer {
	t.Helper()
	raw := make([]byte, MinSecretSize)
	for i := range raw {
		raw[i] = byte(i)
	}
	buf, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	return buf
}

func TestDeriveIsDeterministic(t *testing.T) {
	s1 := newTestSecret(t)
	defer s1.Close()

	k1, err := Derive(s1, "tinycloud:pkh:eip155:1:0xabc://default/")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	defer k1.Close()

	s2 := newTestSecret(t)
	defer s2.Close()

	k2, err := Derive(s2, "tinycloud:pkh:eip155:1:0xabc://default/")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	defer k2.Close()

	if !bytes.Equal(k1.Public, k2.Public) {
		t.Fatalf("Derive produced different public keys for the same secret and space-id")
	}
	if k1.DID != k2.DID {
		t.Fatalf("Derive produced different DIDs: %q != %q", k1.DID, k2.DID)
	}
}

func TestDeriveDiffersBySpace(t *testing.T) {
	s := newTestSecret(t)
	defer s.Close()

	k1, err := Derive(s, "tinycloud:pkh:eip155:1:0xabc://default/")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	defer k1.Close()

	k2, err := Derive(s, "tinycloud:pkh:eip155:1:0xabc://other/")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	defer k2.Close()

	if bytes.Equal(k1.Public, k2.Public) {
		t.Fatalf("Derive produced identical keys for distinct space-ids")
	}
}

func TestDeriveRejectsShortSecret(t *testing.T) {
	raw := make([]byte, MinSecretSize-1)
	s, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	defer s.Close()

	if _, err := Derive(s, "tinycloud:pkh:eip155:1:0xabc://default/"); err == nil {
		t.Fatalf("Derive accepted an under-sized secret")
	}
}

func TestSignVerifiesAgainstPublicKey(t *testing.T) {
	s := newTestSecret(t)
	defer s.Close()

	k, err := Derive(s, "tinycloud:pkh:eip155:1:0xabc://default/")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	defer k.Close()

	message := []byte("bootstrap peer identity")
	sig := k.Sign(message)
	if len(sig) != 64 {
		t.Fatalf("Sign produced %d bytes, want 64", len(sig))
	}
	if !ed25519.Verify(k.Public, message, sig) {
		t.Fatalf("signature does not verify against the derived public key")
	}
}
