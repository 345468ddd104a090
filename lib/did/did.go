// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package did resolves the two DID forms the system accepts —
// did:key (self-sovereign Ed25519/secp256k1 keys) and
// did:pkh:eip155:* (Ethereum wallet addresses) — to verifiers capable
// of checking a signature against a claimed issuer, and normalizes DID
// URLs by stripping any trailing fragment or query.
package did

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// Multicodec varint prefixes for the public-key types did:key supports.
// Both codes (0xed, 0xe7) are at least 0x80, so their unsigned-LEB128
// varint encoding takes two bytes: the low seven bits with the
// continuation bit set, then 0x01 (0xed01 for Ed25519, 0xe701 for
// secp256k1).
var (
	multicodecEd25519Pub   = []byte{0xed, 0x01}
	multicodecSecp256k1Pub = []byte{0xe7, 0x01}
)

// multibasePrefixBase58BTC is the multibase prefix for base58btc, the
// encoding did:key always uses.
const multibasePrefixBase58BTC = 'z'

// KeyKind identifies which signature algorithm a resolved Verifier
// checks against.
type KeyKind int

const (
	KeyKindEd25519 KeyKind = iota
	KeyKindSecp256k1
	KeyKindEthereumAddress
)

// Verifier checks a signature against a previously resolved identity.
// Exactly one of its underlying checks applies, selected by Kind.
type Verifier struct {
	Kind KeyKind

	// Ed25519Key is set when Kind == KeyKindEd25519.
	Ed25519Key ed25519.PublicKey

	// Secp256k1Key is set when Kind == KeyKindSecp256k1, uncompressed
	// (65-byte, 0x04-prefixed) SEC1 form.
	Secp256k1Key []byte

	// EthereumAddress is set when Kind == KeyKindEthereumAddress, as a
	// lowercased 0x-hex string. Verification recovers the signer's
	// address from the signature and compares against this value.
	EthereumAddress string
}

// VerifyEd25519 checks sig (64 bytes) against message for an
// Ed25519 verifier.
func (v *Verifier) VerifyEd25519(message, sig []byte) bool {
	if v.Kind != KeyKindEd25519 {
		return false
	}
	return ed25519.Verify(v.Ed25519Key, message, sig)
}

// VerifySecp256k1 checks a 64-byte (r||s) secp256k1 signature over the
// 32-byte digest against a did:key secp256k1 verifier. Unlike the
// did:pkh address path, the public key is already known from the DID
// itself, so verification needs no recovery id — this is the ES256K
// UCAN signature path.
func (v *Verifier) VerifySecp256k1(digest, rs []byte) bool {
	if v.Kind != KeyKindSecp256k1 || len(rs) != 64 {
		return false
	}
	compressed, err := compressSecp256k1(v.Secp256k1Key)
	if err != nil {
		return false
	}
	return crypto.VerifySignature(compressed, digest, rs)
}

// compressSecp256k1 converts an uncompressed (65-byte, 0x04-prefixed)
// SEC1 public key to its 33-byte compressed form, which is what
// crypto.VerifySignature requires.
func compressSecp256k1(uncompressed []byte) ([]byte, error) {
	pub, err := crypto.UnmarshalPubkey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("did: unmarshaling secp256k1 public key: %w", err)
	}
	return crypto.CompressPubkey(pub), nil
}

// VerifyEthereumAddress recovers the signer address from a 65-byte
// (r||s||v) secp256k1 signature over digest and compares it against
// the verifier's claimed address, for a did:pkh:eip155 verifier.
func (v *Verifier) VerifyEthereumAddress(digest, sig65 []byte) bool {
	if v.Kind != KeyKindEthereumAddress || len(sig65) != 65 {
		return false
	}

	// go-ethereum's Ecrecover/SigToPub expects the recovery ID in the
	// last byte as 0/1; EIP-191 signatures are conventionally produced
	// with v ∈ {27, 28}.
	sig := append([]byte{}, sig65...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	recoveredAddr := strings.ToLower(crypto.PubkeyToAddress(*pub).Hex())
	return recoveredAddr == strings.ToLower(v.EthereumAddress)
}

// Registry resolves DIDs to Verifiers, caching results in memory. The
// cache is purely a performance aid: resolution is deterministic, so
// a cache miss followed by a fill is always safe under concurrent
// readers.
type Registry struct {
	mu    sync.RWMutex
	cache map[string]*Verifier
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cache: make(map[string]*Verifier)}
}

// Normalize strips any #fragment or ?query suffix from a DID URL,
// returning the bare DID. Normalization is applied uniformly
// everywhere the system stores or compares identity, so that
// "did:key:z6Mk…#z6Mk…" and "did:key:z6Mk…" refer to the same actor.
func Normalize(didURL string) string {
	if idx := strings.IndexAny(didURL, "#?"); idx >= 0 {
		return didURL[:idx]
	}
	return didURL
}

// Resolve returns the Verifier for a normalized DID, using the cache
// when possible.
func (r *Registry) Resolve(didURL string) (*Verifier, error) {
	normalized := Normalize(didURL)

	r.mu.RLock()
	if v, ok := r.cache[normalized]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	v, err := resolve(normalized)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[normalized] = v
	r.mu.Unlock()

	return v, nil
}

// resolve performs the actual decode, uncached.
func resolve(didURL string) (*Verifier, error) {
	switch {
	case strings.HasPrefix(didURL, "did:key:"):
		return resolveDIDKey(strings.TrimPrefix(didURL, "did:key:"))
	case strings.HasPrefix(didURL, "did:pkh:eip155:"):
		return resolveDIDPKH(strings.TrimPrefix(didURL, "did:pkh:eip155:"))
	default:
		return nil, fmt.Errorf("did: unsupported DID method in %q", didURL)
	}
}

// resolveDIDKey decodes a did:key method-specific-id: a multibase
// base58btc string whose decoded bytes are a multicodec varint prefix
// followed by the raw public key.
func resolveDIDKey(methodID string) (*Verifier, error) {
	if len(methodID) == 0 || methodID[0] != multibasePrefixBase58BTC {
		return nil, fmt.Errorf("did: did:key value %q is not base58btc-multibase-encoded", methodID)
	}

	decoded, err := base58.Decode(methodID[1:])
	if err != nil {
		return nil, fmt.Errorf("did: decoding did:key base58: %w", err)
	}

	switch {
	case hasPrefix(decoded, multicodecEd25519Pub):
		pub := decoded[len(multicodecEd25519Pub):]
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("did: did:key Ed25519 public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
		}
		return &Verifier{Kind: KeyKindEd25519, Ed25519Key: ed25519.PublicKey(pub)}, nil

	case hasPrefix(decoded, multicodecSecp256k1Pub):
		compressed := decoded[len(multicodecSecp256k1Pub):]
		pub, err := crypto.DecompressPubkey(compressed)
		if err != nil {
			return nil, fmt.Errorf("did: decompressing did:key secp256k1 public key: %w", err)
		}
		return &Verifier{Kind: KeyKindSecp256k1, Secp256k1Key: crypto.FromECDSAPub(pub)}, nil

	default:
		return nil, fmt.Errorf("did: did:key value uses an unsupported multicodec")
	}
}

// resolveDIDPKH decodes a did:pkh:eip155 method-specific-id of the form
// "<chain-id>:<0xAddress>" into a verifier that checks against the
// lowercased address — no key material can be recovered ahead of time,
// only confirmed against a signature at verification time.
func resolveDIDPKH(methodID string) (*Verifier, error) {
	parts := strings.SplitN(methodID, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("did: did:pkh:eip155 value %q missing chain-id:address", methodID)
	}
	chainID, addr := parts[0], parts[1]
	if chainID == "" {
		return nil, fmt.Errorf("did: did:pkh:eip155 value %q has empty chain-id", methodID)
	}
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return nil, fmt.Errorf("did: did:pkh:eip155 address %q is not a 20-byte 0x-hex address", addr)
	}
	return &Verifier{Kind: KeyKindEthereumAddress, EthereumAddress: strings.ToLower(addr)}, nil
}

// EncodeEd25519DIDKey builds the did:key URL for an Ed25519 public
// key: multicodec-prefix the raw key bytes, then multibase-base58btc
// encode with the "z" prefix.
func EncodeEd25519DIDKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("did: Ed25519 public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	prefixed := append(append([]byte{}, multicodecEd25519Pub...), pub...)
	return "did:key:" + string(multibasePrefixBase58BTC) + base58.Encode(prefixed), nil
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if data[i] != b {
			return false
		}
	}
	return true
}
