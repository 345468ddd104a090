// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements the codecs for the three wire formats
// capabilities travel in: SIWE text messages, CACAO (a SIWE message
// wrapped in a signed IPLD-DagCbor envelope), and UCAN-style compact
// JWTs used for delegation, invocation, and revocation. It also
// implements ReCap, the capability-URI scheme embedded in a SIWE
// message's "resources" list.
//
// Every codec here is pure: the same input always produces the same
// parsed value, and re-serializing a parsed value reproduces the
// original bytes, so a signature computed over the original bytes
// still verifies after a parse/format round trip.
package envelope

import "errors"

// ErrBadEnvelope is returned when an envelope fails to parse under its
// codec's grammar.
var ErrBadEnvelope = errors.New("envelope: malformed envelope")

// Kind identifies which of the closed set of envelope shapes a parsed
// value represents.
type Kind int

const (
	KindDelegationCACAO Kind = iota
	KindDelegationUCAN
	KindInvocationUCAN
	KindRevocationUCAN
)

func (k Kind) String() string {
	switch k {
	case KindDelegationCACAO:
		return "delegation-cacao"
	case KindDelegationUCAN:
		return "delegation-ucan"
	case KindInvocationUCAN:
		return "invocation-ucan"
	case KindRevocationUCAN:
		return "revocation-ucan"
	default:
		return "unknown"
	}
}
