// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import "testing"

func TestCACAOMarshalParseRoundTrip(t *testing.T) {
	payload := CACAOPayload{
		Domain:    "example.com",
		Iss:       "did:pkh:eip155:1:0xabc0000000000000000000000000000000dead",
		Aud:       "did:key:zSession",
		Version:   "1",
		Nonce:     "abcdef1234",
		IssuedAt:  "2026-01-01T00:00:00Z",
		Resources: []string{"urn:recap:eyJhdHQiOnt9fQ"},
	}
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = byte(i)
	}

	cacao, err := NewCACAO(payload, sig)
	if err != nil {
		t.Fatalf("NewCACAO: %v", err)
	}

	encoded, err := cacao.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, err := ParseCACAO(encoded)
	if err != nil {
		t.Fatalf("ParseCACAO: %v", err)
	}

	if parsed.P.Iss != payload.Iss || parsed.P.Aud != payload.Aud {
		t.Errorf("round-tripped payload mismatch: %+v", parsed.P)
	}
	if len(parsed.Signature65()) != 65 {
		t.Errorf("round-tripped signature has %d bytes, want 65", len(parsed.Signature65()))
	}

	reEncoded, err := parsed.Marshal()
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if string(reEncoded) != string(encoded) {
		t.Errorf("CACAO re-encoding is not byte-identical")
	}
}

func TestParsePKHIssuer(t *testing.T) {
	chainID, addr, err := parsePKHIssuer("did:pkh:eip155:1:0xabc0000000000000000000000000000000dead")
	if err != nil {
		t.Fatalf("parsePKHIssuer: %v", err)
	}
	if chainID != 1 {
		t.Errorf("chainID = %d, want 1", chainID)
	}
	if addr != "0xabc0000000000000000000000000000000dead" {
		t.Errorf("addr = %q", addr)
	}
}

func TestParsePKHIssuerRejectsMalformed(t *testing.T) {
	cases := []string{
		"did:key:zabc",
		"did:pkh:eip155:0xabc",
		"did:pkh:eip155:notanumber:0xabc",
	}
	for _, c := range cases {
		if _, _, err := parsePKHIssuer(c); err == nil {
			t.Errorf("parsePKHIssuer(%q) succeeded, want error", c)
		}
	}
}

func TestEIP191DigestIsDeterministic(t *testing.T) {
	message := []byte("hello tinycloud")
	d1 := EIP191Digest(message)
	d2 := EIP191Digest(message)
	if string(d1) != string(d2) {
		t.Fatalf("EIP191Digest is not deterministic")
	}
	if len(d1) != 32 {
		t.Fatalf("EIP191Digest produced %d bytes, want 32", len(d1))
	}
}
