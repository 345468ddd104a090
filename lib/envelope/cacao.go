// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tinycloudlabs/node/lib/codec"
)

// cacaoHeader is the CACAO "h" field: the signing scheme identifier.
type cacaoHeader struct {
	T string `cbor:"t"`
}

// CACAOPayload is the CACAO "p" field: the SIWE message's fields in
// structured form, per §4.D and original_source/cacao's Payload type.
type CACAOPayload struct {
	Domain         string   `cbor:"domain"`
	Iss            string   `cbor:"iss"`
	Statement      string   `cbor:"statement,omitempty"`
	Aud            string   `cbor:"aud"`
	Version        string   `cbor:"version"`
	Nonce          string   `cbor:"nonce"`
	IssuedAt       string   `cbor:"iat"`
	ExpirationTime string   `cbor:"exp,omitempty"`
	NotBefore      string   `cbor:"nbf,omitempty"`
	RequestID      string   `cbor:"request_id,omitempty"`
	Resources      []string `cbor:"resources"`
}

// cacaoSignature is the CACAO "s" field: an EIP-191 scheme tag plus
// the raw 65-byte r||s||v signature.
type cacaoSignature struct {
	T string `cbor:"t"`
	S []byte `cbor:"s"`
}

const (
	cacaoHeaderType    = "eip4361"
	cacaoSignatureType = "eip191"
)

// CACAO is a Chain-Agnostic CApability Object: a SIWE payload signed
// via EIP-191 personal-sign, encoded as IPLD-DagCbor.
type CACAO struct {
	H cacaoHeader    `cbor:"h"`
	P CACAOPayload   `cbor:"p"`
	S cacaoSignature `cbor:"s"`
}

// ParseCACAO decodes the raw CBOR bytes of a CACAO envelope.
func ParseCACAO(raw []byte) (*CACAO, error) {
	var c CACAO
	if err := codec.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: decoding CACAO CBOR: %v", ErrBadEnvelope, err)
	}
	if c.H.T != cacaoHeaderType {
		return nil, fmt.Errorf("%w: CACAO header type %q, want %q", ErrBadEnvelope, c.H.T, cacaoHeaderType)
	}
	if c.S.T != cacaoSignatureType {
		return nil, fmt.Errorf("%w: CACAO signature type %q, want %q", ErrBadEnvelope, c.S.T, cacaoSignatureType)
	}
	if len(c.S.S) != 65 {
		return nil, fmt.Errorf("%w: CACAO signature has %d bytes, want 65", ErrBadEnvelope, len(c.S.S))
	}
	return &c, nil
}

// NewCACAO builds a signed CACAO envelope from a payload and a
// 65-byte (r||s||v) EIP-191 signature.
func NewCACAO(payload CACAOPayload, sig65 []byte) (*CACAO, error) {
	if len(sig65) != 65 {
		return nil, fmt.Errorf("envelope: CACAO signature must be 65 bytes, got %d", len(sig65))
	}
	return &CACAO{
		H: cacaoHeader{T: cacaoHeaderType},
		P: payload,
		S: cacaoSignature{T: cacaoSignatureType, S: sig65},
	}, nil
}

// Marshal encodes the CACAO to its canonical CBOR bytes (Core
// Deterministic Encoding — sorted map keys, so the same logical
// payload always serializes identically).
func (c *CACAO) Marshal() ([]byte, error) {
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding CACAO: %w", err)
	}
	return data, nil
}

// Signature65 returns the raw 65-byte signature.
func (c *CACAO) Signature65() []byte {
	return c.S.S
}

// siweFields reconstructs the SIWEFields the payload encodes, parsing
// the eip155 chain-id out of the did:pkh issuer.
func (c *CACAO) siweFields() (SIWEFields, error) {
	chainID, address, err := parsePKHIssuer(c.P.Iss)
	if err != nil {
		return SIWEFields{}, err
	}
	return SIWEFields{
		Domain:         c.P.Domain,
		Address:        address,
		Statement:      c.P.Statement,
		URI:            c.P.Aud,
		Version:        c.P.Version,
		ChainID:        chainID,
		Nonce:          c.P.Nonce,
		IssuedAt:       c.P.IssuedAt,
		ExpirationTime: c.P.ExpirationTime,
		NotBefore:      c.P.NotBefore,
		RequestID:      c.P.RequestID,
		Resources:      c.P.Resources,
	}, nil
}

// SigningDigest reconstructs the canonical SIWE text this CACAO's
// payload encodes and returns the keccak256 digest of that text with
// the EIP-191 "personal sign" prefix prepended — the exact digest an
// EIP-191 signature is computed over.
func (c *CACAO) SigningDigest() ([]byte, error) {
	fields, err := c.siweFields()
	if err != nil {
		return nil, err
	}
	msg, err := NewSIWE(fields)
	if err != nil {
		return nil, fmt.Errorf("envelope: reconstructing SIWE text from CACAO payload: %w", err)
	}
	return EIP191Digest([]byte(msg.String())), nil
}

// EIP191Digest hashes message with the EIP-191 "personal sign" prefix:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func EIP191Digest(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix), message)
}

// parsePKHIssuer splits a "did:pkh:eip155:<chainId>:<0xAddr>" DID
// into its chain ID and address components.
func parsePKHIssuer(didURL string) (int, string, error) {
	const prefix = "did:pkh:eip155:"
	if len(didURL) <= len(prefix) || didURL[:len(prefix)] != prefix {
		return 0, "", fmt.Errorf("%w: CACAO issuer %q is not a did:pkh:eip155 DID", ErrBadEnvelope, didURL)
	}
	rest := didURL[len(prefix):]

	sepIdx := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		return 0, "", fmt.Errorf("%w: CACAO issuer %q missing chain-id:address", ErrBadEnvelope, didURL)
	}

	chainID, err := strconv.Atoi(rest[:sepIdx])
	if err != nil {
		return 0, "", fmt.Errorf("%w: CACAO issuer chain-id %q is not numeric", ErrBadEnvelope, rest[:sepIdx])
	}
	return chainID, rest[sepIdx+1:], nil
}
