// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package cidkey

import "testing"

func TestComputeDeterministic(t *testing.T) {
	data := []byte("hello tinycloud")
	a := Compute(data)
	b := Compute(data)
	if !a.Equal(b) {
		t.Fatalf("Compute is not deterministic: %s != %s", a, b)
	}
}

func TestComputeDistinctInputs(t *testing.T) {
	a := Compute([]byte("alpha"))
	b := Compute([]byte("beta"))
	if a.Equal(b) {
		t.Fatalf("distinct inputs produced equal CIDs: %s", a)
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("the quick brown fox jumps over the lazy dog"),
		make([]byte, 1024),
	}

	for _, data := range cases {
		cid := Compute(data)
		text := cid.String()

		if text[0] != 'b' {
			t.Fatalf("String() = %q, want leading 'b' multibase prefix", text)
		}

		parsed, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", text, err)
		}
		if !parsed.Equal(cid) {
			t.Fatalf("round-trip mismatch: got %s, want %s", parsed, cid)
		}
		if parsed.String() != text {
			t.Fatalf("String() not stable across round-trip: %q != %q", parsed.String(), text)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not-multibase-prefixed",
		"b",
		"bnotvalidbase32!!!",
		"b" + toLowerASCII(base32Encoding.EncodeToString([]byte{0x01, 0x55, 0x1e})), // truncated
	}

	for _, text := range cases {
		if _, err := Parse(text); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", text)
		}
	}
}

func TestParseRejectsWrongHeader(t *testing.T) {
	cid := Compute([]byte("data"))
	wire := cid.wireBytes()

	// Corrupt the codec byte.
	corrupted := make([]byte, len(wire))
	copy(corrupted, wire)
	corrupted[1] = 0x70

	text := "b" + toLowerASCII(base32Encoding.EncodeToString(corrupted))
	if _, err := Parse(text); err == nil {
		t.Fatalf("Parse accepted a CID with an unsupported codec")
	}
}

func TestShardPrefixIsStable(t *testing.T) {
	cid := Compute([]byte("shard me"))
	if got := cid.ShardPrefix(); len(got) != 2 {
		t.Fatalf("ShardPrefix() = %q, want 2 hex characters", got)
	}
	if cid.ShardPrefix() != cid.ShardPrefix() {
		t.Fatalf("ShardPrefix() is not stable")
	}
}

func TestIsZero(t *testing.T) {
	var zero CID
	if !zero.IsZero() {
		t.Fatalf("zero value CID reported as non-zero")
	}
	if Compute([]byte("x")).IsZero() {
		t.Fatalf("computed CID reported as zero")
	}
}
