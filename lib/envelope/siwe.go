// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spruceid/siwe-go"
)

// SIWEMessage is tinycloud's thin wrapper around a parsed EIP-4361
// message, narrowing the upstream library's surface down to the
// fields a CACAO payload actually carries (§3/§4.D).
type SIWEMessage struct {
	inner *siwe.Message
}

// ParseSIWE parses the canonical EIP-4361 text form of a SIWE message.
func ParseSIWE(text string) (*SIWEMessage, error) {
	m, err := siwe.ParseMessage(text)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing SIWE message: %v", ErrBadEnvelope, err)
	}
	return &SIWEMessage{inner: m}, nil
}

// SIWEFields is the structured field set used both to build a new
// SIWEMessage (for CACAO signature reconstruction) and to read one
// back out after parsing.
type SIWEFields struct {
	Domain         string
	Address        string // 0x-hex, 20 bytes
	Statement      string
	URI            string
	Version        string
	ChainID        int
	Nonce          string
	IssuedAt       string
	ExpirationTime string
	NotBefore      string
	RequestID      string
	Resources      []string
}

// NewSIWE constructs a SIWEMessage from structured fields — the path
// CACAO verification takes, reconstructing the canonical text a PKH
// controller actually signed from the payload's typed fields.
func NewSIWE(f SIWEFields) (*SIWEMessage, error) {
	options := map[string]interface{}{
		"chainId": f.ChainID,
	}
	if f.Statement != "" {
		options["statement"] = f.Statement
	}
	if f.Version != "" {
		options["version"] = f.Version
	}
	if f.IssuedAt != "" {
		options["issuedAt"] = f.IssuedAt
	}
	if f.ExpirationTime != "" {
		options["expirationTime"] = f.ExpirationTime
	}
	if f.NotBefore != "" {
		options["notBefore"] = f.NotBefore
	}
	if f.RequestID != "" {
		options["requestId"] = f.RequestID
	}
	if len(f.Resources) > 0 {
		resources := make([]url.URL, len(f.Resources))
		for i, r := range f.Resources {
			u, err := url.Parse(r)
			if err != nil {
				return nil, fmt.Errorf("%w: parsing resource %q: %v", ErrBadEnvelope, r, err)
			}
			resources[i] = *u
		}
		options["resources"] = resources
	}

	m, err := siwe.InitMessage(f.Domain, f.Address, f.URI, f.Nonce, options)
	if err != nil {
		return nil, fmt.Errorf("%w: building SIWE message: %v", ErrBadEnvelope, err)
	}
	return &SIWEMessage{inner: m}, nil
}

// String returns the canonical EIP-4361 text form — the exact bytes
// that were, or must be, signed.
func (m *SIWEMessage) String() string {
	return m.inner.String()
}

// Fields extracts the structured field set back out of a parsed
// message.
func (m *SIWEMessage) Fields() SIWEFields {
	f := SIWEFields{
		Domain:   m.inner.GetDomain(),
		Address:  fmt.Sprintf("0x%x", m.inner.GetAddress()),
		Version:  m.inner.GetVersion(),
		ChainID:  m.inner.GetChainID(),
		Nonce:    m.inner.GetNonce(),
		IssuedAt: m.inner.GetIssuedAt(),
	}
	uri := m.inner.GetURI()
	f.URI = uri.String()
	if s := m.inner.GetStatement(); s != nil {
		f.Statement = *s
	}
	if e := m.inner.GetExpirationTime(); e != nil {
		f.ExpirationTime = *e
	}
	if nb := m.inner.GetNotBefore(); nb != nil {
		f.NotBefore = *nb
	}
	if rid := m.inner.GetRequestID(); rid != nil {
		f.RequestID = *rid
	}
	for _, r := range m.inner.GetResources() {
		f.Resources = append(f.Resources, resourceToString(r))
	}
	return f
}

// resourceToString normalizes a resource entry from the upstream
// parser, which represents each "resources" line as a url.URL, back
// to the exact URI string the ReCap decoder expects.
func resourceToString(r url.URL) string {
	return r.String()
}

// ParseTimestamp parses an RFC-3339 SIWE timestamp field to Unix
// seconds. Per §9, persisted timestamps are integers but source
// timestamps may be RFC-3339 strings; this is the boundary where that
// tolerance is applied.
func ParseTimestamp(value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("%w: empty timestamp", ErrBadEnvelope)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing timestamp %q: %v", ErrBadEnvelope, value, err)
	}
	return t.Unix(), nil
}

// FormatTimestamp renders Unix seconds as the RFC-3339 string form
// SIWE fields use.
func FormatTimestamp(seconds int64) string {
	return time.Unix(seconds, 0).UTC().Format(time.RFC3339)
}

// ExtractRecapURIs returns every "urn:recap:" resource entry from a
// resources list, preserving order, for the ReCap decoder to merge.
func ExtractRecapURIs(resources []string) []string {
	var out []string
	for _, r := range resources {
		if strings.HasPrefix(r, "urn:recap:") {
			out = append(out, r)
		}
	}
	return out
}
