// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package did

import (
	"crypto/ed25519"
	"testing"

	"github.com/mr-tron/base58"
)

func makeEd25519DID(t *testing.T, pub ed25519.PublicKey) string {
	t.Helper()
	raw := append(append([]byte{}, multicodecEd25519Pub...), pub...)
	return "did:key:z" + base58.Encode(raw)
}

func TestNormalizeStripsFragmentAndQuery(t *testing.T) {
	cases := map[string]string{
		"did:key:z6Mkabc":          "did:key:z6Mkabc",
		"did:key:z6Mkabc#z6Mkabc":  "did:key:z6Mkabc",
		"did:key:z6Mkabc?v=1":      "did:key:z6Mkabc",
		"did:key:z6Mkabc?v=1#frag": "did:key:z6Mkabc",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveDIDKeyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	didURL := makeEd25519DID(t, pub)

	registry := NewRegistry()
	verifier, err := registry.Resolve(didURL + "#fragment-ignored")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if verifier.Kind != KeyKindEd25519 {
		t.Fatalf("Kind = %v, want KeyKindEd25519", verifier.Kind)
	}

	message := []byte("attest this")
	sig := ed25519.Sign(priv, message)
	if !verifier.VerifyEd25519(message, sig) {
		t.Fatalf("VerifyEd25519 failed for a valid signature")
	}
	if verifier.VerifyEd25519(message, append([]byte{}, sig[:63]...)) {
		t.Fatalf("VerifyEd25519 accepted a truncated signature")
	}
}

func TestResolveCachesResult(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	didURL := makeEd25519DID(t, pub)

	registry := NewRegistry()
	first, err := registry.Resolve(didURL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := registry.Resolve(didURL)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first != second {
		t.Fatalf("Resolve did not return the cached Verifier instance on the second call")
	}
}

func TestResolveDIDPKH(t *testing.T) {
	registry := NewRegistry()
	verifier, err := registry.Resolve("did:pkh:eip155:1:0xAbC000000000000000000000000000000000dEaD")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if verifier.Kind != KeyKindEthereumAddress {
		t.Fatalf("Kind = %v, want KeyKindEthereumAddress", verifier.Kind)
	}
	if verifier.EthereumAddress != "0xabc000000000000000000000000000000000dead" {
		t.Fatalf("EthereumAddress = %q, want lowercased", verifier.EthereumAddress)
	}
}

func TestResolveRejectsUnsupportedMethod(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Resolve("did:web:example.com"); err == nil {
		t.Fatalf("Resolve accepted an unsupported DID method")
	}
}

func TestResolveRejectsMalformedPKH(t *testing.T) {
	registry := NewRegistry()
	cases := []string{
		"did:pkh:eip155:1",
		"did:pkh:eip155::0xabc",
		"did:pkh:eip155:1:not-hex",
	}
	for _, d := range cases {
		if _, err := registry.Resolve(d); err == nil {
			t.Errorf("Resolve(%q) succeeded, want error", d)
		}
	}
}
