// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostkey derives each space's host signing key from a single
// static secret via HKDF-SHA256, so the node never has to persist a
// per-space key: the secret plus the space-id deterministically
// reproduce it.
package hostkey

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/tinycloudlabs/node/lib/did"
	"github.com/tinycloudlabs/node/lib/secret"
)

// infoString is the fixed HKDF info parameter, versioned so a future
// derivation scheme change cannot silently collide with this one.
const infoString = "tinycloud/host/v1"

// MinSecretSize is the minimum entropy, in bytes, a static secret must
// provide.
const MinSecretSize = 32

// Keypair is a derived space host key: an Ed25519 keypair plus the
// did:key identity it corresponds to.
type Keypair struct {
	Public  ed25519.PublicKey
	private *secret.Buffer
	DID     string
}

// Sign signs message with the derived private key. The caller is
// responsible for calling Close when the keypair is no longer needed.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(k.private.Bytes()), message)
}

// Close releases the private key material.
func (k *Keypair) Close() error {
	return k.private.Close()
}

// Derive computes the Ed25519 keypair for spaceID from staticSecret
// using HKDF-SHA256 with salt = spaceID bytes and the fixed info
// string "tinycloud/host/v1", producing a 32-byte seed.
func Derive(staticSecret *secret.Buffer, spaceID string) (*Keypair, error) {
	if staticSecret.Len() < MinSecretSize {
		return nil, fmt.Errorf("hostkey: static secret has %d bytes, want at least %d", staticSecret.Len(), MinSecretSize)
	}

	reader := hkdf.New(sha256.New, staticSecret.Bytes(), []byte(spaceID), []byte(infoString))

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("hostkey: deriving seed for space %q: %w", spaceID, err)
	}

	privBuffer, err := secret.NewFromBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("hostkey: protecting derived key: %w", err)
	}

	private := ed25519.NewKeyFromSeed(privBuffer.Bytes())
	public := private.Public().(ed25519.PublicKey)

	// The private buffer still holds the 32-byte seed, not the
	// expanded 64-byte private key; re-protect the expanded form so
	// Sign never has to touch unprotected memory.
	if err := privBuffer.Close(); err != nil {
		return nil, fmt.Errorf("hostkey: releasing seed buffer: %w", err)
	}
	expanded, err := secret.NewFromBytes(append([]byte{}, private...))
	if err != nil {
		return nil, fmt.Errorf("hostkey: protecting expanded key: %w", err)
	}

	spaceDID, err := did.EncodeEd25519DIDKey(public)
	if err != nil {
		expanded.Close()
		return nil, err
	}

	return &Keypair{Public: public, private: expanded, DID: spaceDID}, nil
}
