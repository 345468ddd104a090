// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Parsed is the result of Sniff: exactly one of CACAO or UCAN is set.
type Parsed struct {
	CACAO *CACAO
	UCAN  *UCAN
}

// Sniff inspects the raw Authorization header value and parses it as
// either a CACAO (base64url-encoded CBOR bytes) or a UCAN (compact
// JWT), per §6: "For UCAN: <compact-jwt> ... For CACAO: base64url-
// encoded CBOR bytes." Both accepted with or without a "Bearer "
// prefix.
func Sniff(header string) (Parsed, error) {
	trimmed := strings.TrimSpace(header)
	trimmed = strings.TrimPrefix(trimmed, "Bearer ")
	trimmed = strings.TrimPrefix(trimmed, "bearer ")

	if trimmed == "" {
		return Parsed{}, fmt.Errorf("%w: empty Authorization header", ErrBadEnvelope)
	}

	// A UCAN is unambiguously three dot-separated segments; a CACAO is
	// a single base64url blob with no dots (CBOR byte streams never
	// happen to be valid UTF-8 containing '.').
	if strings.Count(trimmed, ".") == 2 {
		u, err := ParseUCAN(trimmed)
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{UCAN: u}, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(trimmed)
		if err != nil {
			return Parsed{}, fmt.Errorf("%w: Authorization header is neither a UCAN nor base64url CBOR", ErrBadEnvelope)
		}
	}

	c, err := ParseCACAO(raw)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{CACAO: c}, nil
}
