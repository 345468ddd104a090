// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package cidkey computes and parses the content identifiers (CIDs) that
// address every block in the block store and every event in the event
// log. A CID is a CIDv1 with multicodec 0x55 (raw) and a BLAKE3-256
// multihash, textually encoded as lowercase base32 with a leading "b"
// (the multibase prefix for base32, no padding, lowercase).
//
// CIDs are computed over the exact bytes as transmitted — the raw JWT
// string for a UCAN, the raw CBOR bytes for a CACAO, the raw request body
// for a KV value — never a re-serialization. This is what lets a CID
// double as both an address and a tamper check.
package cidkey

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// cidVersion is the CIDv1 version byte.
	cidVersion = 0x01

	// codecRaw is the multicodec for "raw binary" — the content is
	// opaque bytes, not a further-structured IPLD block.
	codecRaw = 0x55

	// multihashBlake3256 is the multihash function code for BLAKE3 with
	// a 256-bit (32-byte) digest.
	multihashBlake3256 = 0x1e

	// digestLength is the BLAKE3-256 digest size in bytes.
	digestLength = 32

	// multibasePrefixBase32Lower is the multibase prefix byte for
	// lowercase, unpadded base32 (RFC 4648 base32, 'b' prefix per the
	// multibase table).
	multibasePrefixBase32Lower = 'b'
)

// base32Encoding is RFC 4648 base32 with no padding, matching the
// multibase "base32" convention.
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CID is a content identifier: a fixed 4-byte header (version, codec,
// multihash code, digest length) followed by the 32-byte BLAKE3-256
// digest.
type CID struct {
	digest [digestLength]byte
}

// ErrParse indicates that text could not be parsed as a CID.
var ErrParse = fmt.Errorf("cidkey: malformed CID")

// Compute returns the CID of the given bytes. Hashing is unkeyed BLAKE3
// (not the domain-separated keyed mode some callers use internally for
// other hash purposes) — a CID must be independently reproducible by any
// other implementation without sharing a secret domain key.
func Compute(data []byte) CID {
	digest := blake3.Sum256(data)
	return CID{digest: digest}
}

// Bytes returns the raw multihash digest (32 bytes). Two CIDs computed
// over the same bytes always have byte-identical digests.
func (c CID) Bytes() []byte {
	out := make([]byte, digestLength)
	copy(out, c.digest[:])
	return out
}

// Equal reports whether two CIDs address the same content. Comparison is
// byte-equality on the multihash digest.
func (c CID) Equal(other CID) bool {
	return c.digest == other.digest
}

// IsZero reports whether c is the zero value (not a real computed CID).
func (c CID) IsZero() bool {
	return c == CID{}
}

// wireBytes returns the full CIDv1 byte encoding:
// version || codec || multihash-code || digest-length || digest.
func (c CID) wireBytes() []byte {
	out := make([]byte, 0, 4+digestLength)
	out = append(out, cidVersion, codecRaw, multihashBlake3256, digestLength)
	out = append(out, c.digest[:]...)
	return out
}

// String returns the canonical textual encoding: lowercase base32,
// multibase-prefixed with "b".
func (c CID) String() string {
	encoded := base32Encoding.EncodeToString(c.wireBytes())
	return string(multibasePrefixBase32Lower) + toLowerASCII(encoded)
}

// ShardPrefix returns the first 2 hex characters of the digest, used by
// the local-filesystem block-store backend to shard block files across
// subdirectories.
func (c CID) ShardPrefix() string {
	return hex.EncodeToString(c.digest[:1])
}

// Parse decodes the canonical textual CID encoding produced by String.
func Parse(text string) (CID, error) {
	if len(text) == 0 || text[0] != multibasePrefixBase32Lower {
		return CID{}, fmt.Errorf("%w: missing %q multibase prefix", ErrParse, string(multibasePrefixBase32Lower))
	}

	raw, err := base32Encoding.DecodeString(toUpperASCII(text[1:]))
	if err != nil {
		return CID{}, fmt.Errorf("%w: base32 decode: %v", ErrParse, err)
	}

	if len(raw) != 4+digestLength {
		return CID{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrParse, 4+digestLength, len(raw))
	}
	if raw[0] != cidVersion {
		return CID{}, fmt.Errorf("%w: unsupported CID version %d", ErrParse, raw[0])
	}
	if raw[1] != codecRaw {
		return CID{}, fmt.Errorf("%w: unsupported codec 0x%x, want 0x55", ErrParse, raw[1])
	}
	if raw[2] != multihashBlake3256 {
		return CID{}, fmt.Errorf("%w: unsupported multihash code 0x%x, want 0x1e", ErrParse, raw[2])
	}
	if raw[3] != digestLength {
		return CID{}, fmt.Errorf("%w: unsupported digest length %d, want %d", ErrParse, raw[3], digestLength)
	}

	var cid CID
	copy(cid.digest[:], raw[4:])
	return cid, nil
}

// toLowerASCII and toUpperASCII avoid pulling in strings.ToLower/ToUpper's
// full Unicode case-folding machinery for what is always a pure-ASCII
// base32 alphabet.
func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
