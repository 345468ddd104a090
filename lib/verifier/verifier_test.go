// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tinycloudlabs/node/lib/capability"
	"github.com/tinycloudlabs/node/lib/did"
	"github.com/tinycloudlabs/node/lib/envelope"
)

func TestVerifyUCANDelegation(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	issuerDID, err := did.EncodeEd25519DIDKey(pub)
	if err != nil {
		t.Fatalf("EncodeEd25519DIDKey: %v", err)
	}

	now := time.Unix(1000, 0)
	grants := []envelope.AttEntry{{
		With: "tinycloud:pkh:eip155:1:0xabc://default/kv/notes/",
		Can:  "tinycloud.kv/get",
	}}
	ucan, err := envelope.BuildUCAN(envelope.AlgEdDSA, issuerDID, "did:key:zAudience", 900, 1100, "n1", grants, nil, envelope.SignEd25519(priv))
	if err != nil {
		t.Fatalf("BuildUCAN: %v", err)
	}

	registry := did.NewRegistry()
	result, err := Verify(ucan.Compact(), registry, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.IssuerDID != issuerDID {
		t.Errorf("IssuerDID = %q, want %q", result.IssuerDID, issuerDID)
	}
	if len(result.Grants.Grants) != 1 {
		t.Fatalf("Grants = %d, want 1", len(result.Grants.Grants))
	}
}

func TestVerifyUCANRejectsExpired(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	issuerDID, _ := did.EncodeEd25519DIDKey(pub)
	grants := []envelope.AttEntry{{With: "tinycloud:pkh:eip155:1:0xabc://default/kv/notes/", Can: "tinycloud.kv/get"}}
	ucan, err := envelope.BuildUCAN(envelope.AlgEdDSA, issuerDID, "did:key:zAudience", 50, 100, "n1", grants, nil, envelope.SignEd25519(priv))
	if err != nil {
		t.Fatalf("BuildUCAN: %v", err)
	}

	registry := did.NewRegistry()
	now := time.Unix(1000, 0)
	_, err = Verify(ucan.Compact(), registry, now)
	if err == nil {
		t.Fatalf("Verify accepted an expired UCAN")
	}
}

func TestVerifyUCANRejectsNotYetValid(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	issuerDID, _ := did.EncodeEd25519DIDKey(pub)
	grants := []envelope.AttEntry{{With: "tinycloud:pkh:eip155:1:0xabc://default/kv/notes/", Can: "tinycloud.kv/get"}}
	ucan, err := envelope.BuildUCAN(envelope.AlgEdDSA, issuerDID, "did:key:zAudience", 5000, 10000, "n1", grants, nil, envelope.SignEd25519(priv))
	if err != nil {
		t.Fatalf("BuildUCAN: %v", err)
	}

	registry := did.NewRegistry()
	now := time.Unix(100, 0)
	_, err = Verify(ucan.Compact(), registry, now)
	if err == nil {
		t.Fatalf("Verify accepted a not-yet-valid UCAN")
	}
}

func TestVerifyUCANToleratesClockSkew(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	issuerDID, _ := did.EncodeEd25519DIDKey(pub)
	grants := []envelope.AttEntry{{With: "tinycloud:pkh:eip155:1:0xabc://default/kv/notes/", Can: "tinycloud.kv/get"}}
	ucan, err := envelope.BuildUCAN(envelope.AlgEdDSA, issuerDID, "did:key:zAudience", 1000, 2000, "n1", grants, nil, envelope.SignEd25519(priv))
	if err != nil {
		t.Fatalf("BuildUCAN: %v", err)
	}

	registry := did.NewRegistry()
	// 30s before nbf: within the 60s skew tolerance, should still verify.
	now := time.Unix(970, 0)
	if _, err := Verify(ucan.Compact(), registry, now); err != nil {
		t.Fatalf("Verify rejected a UCAN within clock skew tolerance: %v", err)
	}
}

func TestVerifyUCANRejectsTamperedSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	issuerDID, _ := did.EncodeEd25519DIDKey(pub)
	grants := []envelope.AttEntry{{With: "tinycloud:pkh:eip155:1:0xabc://default/kv/notes/", Can: "tinycloud.kv/get"}}
	ucan, err := envelope.BuildUCAN(envelope.AlgEdDSA, issuerDID, "did:key:zAudience", 100, 2000, "n1", grants, nil, envelope.SignEd25519(priv))
	if err != nil {
		t.Fatalf("BuildUCAN: %v", err)
	}

	tampered := ucan.Compact()[:len(ucan.Compact())-4] + "abcd"
	registry := did.NewRegistry()
	if _, err := Verify(tampered, registry, time.Unix(500, 0)); err == nil {
		t.Fatalf("Verify accepted a tampered UCAN signature")
	}
}

func TestVerifyCACAODelegation(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	issuerDID := fmt.Sprintf("did:pkh:eip155:1:%s", address)

	resourceURI := "tinycloud:pkh:eip155:1:" + address + "://default/kv/notes/"
	resource, err := capability.ParseResource(resourceURI)
	if err != nil {
		t.Fatalf("parse resource: %v", err)
	}
	ability, err := capability.ParseAbility("tinycloud.kv/get")
	if err != nil {
		t.Fatalf("parse ability: %v", err)
	}
	set := capability.Set{Grants: []capability.Grant{{Resource: resource, Ability: ability}}}
	recapURI, err := envelope.EncodeRecap(set, nil)
	if err != nil {
		t.Fatalf("EncodeRecap: %v", err)
	}

	payload := envelope.CACAOPayload{
		Domain:    "example.com",
		Iss:       issuerDID,
		Aud:       "did:key:zSession",
		Version:   "1",
		Nonce:     "abcdef1234",
		IssuedAt:  "1970-01-01T00:16:40Z",
		Resources: []string{recapURI},
	}

	unsigned, err := envelope.NewCACAO(payload, make([]byte, 65))
	if err != nil {
		t.Fatalf("NewCACAO: %v", err)
	}
	digest, err := unsigned.SigningDigest()
	if err != nil {
		t.Fatalf("SigningDigest: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27

	signed, err := envelope.NewCACAO(payload, sig)
	if err != nil {
		t.Fatalf("NewCACAO signed: %v", err)
	}
	encoded, err := signed.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	registry := did.NewRegistry()
	now := time.Unix(1000, 0)
	result, err := Verify(base64.RawURLEncoding.EncodeToString(encoded), registry, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.IssuerDID != issuerDID {
		t.Errorf("IssuerDID = %q, want %q", result.IssuerDID, issuerDID)
	}
	if len(result.Grants.Grants) != 1 {
		t.Fatalf("Grants = %d, want 1", len(result.Grants.Grants))
	}
}

func TestVerifyInvocationReinterpretsKind(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	issuerDID, err := did.EncodeEd25519DIDKey(pub)
	if err != nil {
		t.Fatalf("EncodeEd25519DIDKey: %v", err)
	}

	now := time.Unix(1000, 0)
	grants := []envelope.AttEntry{{
		With: "tinycloud:pkh:eip155:1:0xabc://default/kv/notes.txt",
		Can:  "tinycloud.kv/put",
	}}
	ucan, err := envelope.BuildUCAN(envelope.AlgEdDSA, issuerDID, "did:key:zAudience", 900, 1100, "n1", grants, []string{"bafkreparent"}, envelope.SignEd25519(priv))
	if err != nil {
		t.Fatalf("BuildUCAN: %v", err)
	}

	registry := did.NewRegistry()
	result, err := VerifyInvocation(ucan.Compact(), registry, now)
	if err != nil {
		t.Fatalf("VerifyInvocation: %v", err)
	}
	if result.Kind != envelope.KindInvocationUCAN {
		t.Errorf("Kind = %v, want KindInvocationUCAN", result.Kind)
	}
}

func TestVerifyInvocationRejectsCACAO(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	issuerDID := fmt.Sprintf("did:pkh:eip155:1:%s", address)

	resourceURI := "tinycloud:pkh:eip155:1:" + address + "://default/kv/notes/"
	resource, err := capability.ParseResource(resourceURI)
	if err != nil {
		t.Fatalf("parse resource: %v", err)
	}
	ability, err := capability.ParseAbility("tinycloud.kv/get")
	if err != nil {
		t.Fatalf("parse ability: %v", err)
	}
	set := capability.Set{Grants: []capability.Grant{{Resource: resource, Ability: ability}}}
	recapURI, err := envelope.EncodeRecap(set, nil)
	if err != nil {
		t.Fatalf("EncodeRecap: %v", err)
	}

	payload := envelope.CACAOPayload{
		Domain:    "example.com",
		Iss:       issuerDID,
		Aud:       "did:key:zSession",
		Version:   "1",
		Nonce:     "abcdef1234",
		IssuedAt:  "1970-01-01T00:16:40Z",
		Resources: []string{recapURI},
	}

	unsigned, err := envelope.NewCACAO(payload, make([]byte, 65))
	if err != nil {
		t.Fatalf("NewCACAO: %v", err)
	}
	digest, err := unsigned.SigningDigest()
	if err != nil {
		t.Fatalf("SigningDigest: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27

	signed, err := envelope.NewCACAO(payload, sig)
	if err != nil {
		t.Fatalf("NewCACAO signed: %v", err)
	}
	encoded, err := signed.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	registry := did.NewRegistry()
	now := time.Unix(1000, 0)
	if _, err := VerifyInvocation(base64.RawURLEncoding.EncodeToString(encoded), registry, now); err == nil {
		t.Fatalf("VerifyInvocation accepted a CACAO envelope")
	}
}
