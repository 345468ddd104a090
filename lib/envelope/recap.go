// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tinycloudlabs/node/lib/capability"
)

// recapURIPrefix is the URN scheme prefix every ReCap URI starts with.
const recapURIPrefix = "urn:recap:"

// recapDocument is the ReCap URI's decoded JSON shape:
// {att: {<resource-uri>: {<ability>: [caveat, ...]}}, prf: [cid, ...]}.
type recapDocument struct {
	Att map[string]map[string][]capability.Caveat `json:"att"`
	Prf []string                                   `json:"prf,omitempty"`
}

// DecodeRecap parses a single "urn:recap:<base64url-json>" URI into a
// capability.Set plus any parent CIDs it cites.
func DecodeRecap(uri string) (capability.Set, []string, error) {
	if !strings.HasPrefix(uri, recapURIPrefix) {
		return capability.Set{}, nil, fmt.Errorf("%w: %q is not a urn:recap: URI", ErrBadEnvelope, uri)
	}

	encoded := strings.TrimPrefix(uri, recapURIPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Some producers pad the base64url segment; tolerate both.
		raw, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return capability.Set{}, nil, fmt.Errorf("%w: decoding ReCap base64: %v", ErrBadEnvelope, err)
		}
	}

	var doc recapDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return capability.Set{}, nil, fmt.Errorf("%w: decoding ReCap JSON: %v", ErrBadEnvelope, err)
	}

	var set capability.Set
	for resourceURI, abilities := range doc.Att {
		resource, err := capability.ParseResource(resourceURI)
		if err != nil {
			return capability.Set{}, nil, fmt.Errorf("%w: ReCap resource %q: %v", ErrBadEnvelope, resourceURI, err)
		}
		for abilityToken, caveats := range abilities {
			ability, err := capability.ParseAbility(abilityToken)
			if err != nil {
				return capability.Set{}, nil, fmt.Errorf("%w: ReCap ability %q: %v", ErrBadEnvelope, abilityToken, err)
			}
			set.AddGrant(capability.Grant{Resource: resource, Ability: ability, Caveats: caveats})
		}
	}

	return set, doc.Prf, nil
}

// EncodeRecap serializes a capability.Set (plus optional parent CIDs)
// as a single "urn:recap:" URI. Map iteration order is not stable in
// Go, so the JSON is built through sorted keys to keep encoding
// deterministic — required for the envelope codec's round-trip
// property and for CACAO signatures computed over the resulting SIWE
// text to re-verify.
func EncodeRecap(set capability.Set, parentCIDs []string) (string, error) {
	att := make(map[string]map[string][]capability.Caveat)
	for _, g := range set.Grants {
		resourceKey := g.Resource.String()
		if att[resourceKey] == nil {
			att[resourceKey] = make(map[string][]capability.Caveat)
		}
		att[resourceKey][g.Ability.String()] = g.Caveats
	}

	raw, err := marshalDeterministic(att, parentCIDs)
	if err != nil {
		return "", fmt.Errorf("envelope: encoding ReCap: %w", err)
	}

	return recapURIPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// marshalDeterministic builds the {att, prf} JSON object with map keys
// emitted in sorted order at every level, since encoding/json does not
// guarantee map key order is preserved across encode/decode for
// signature-sensitive output.
func marshalDeterministic(att map[string]map[string][]capability.Caveat, prf []string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(`{"att":{`)

	resourceKeys := sortedKeys(att)
	for i, resourceKey := range resourceKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		resourceJSON, err := json.Marshal(resourceKey)
		if err != nil {
			return nil, err
		}
		b.Write(resourceJSON)
		b.WriteByte(':')
		b.WriteByte('{')

		abilities := att[resourceKey]
		abilityKeys := make([]string, 0, len(abilities))
		for k := range abilities {
			abilityKeys = append(abilityKeys, k)
		}
		sort.Strings(abilityKeys)

		for j, abilityKey := range abilityKeys {
			if j > 0 {
				b.WriteByte(',')
			}
			abilityJSON, err := json.Marshal(abilityKey)
			if err != nil {
				return nil, err
			}
			b.Write(abilityJSON)
			b.WriteByte(':')

			caveatsJSON, err := json.Marshal(abilities[abilityKey])
			if err != nil {
				return nil, err
			}
			b.Write(caveatsJSON)
		}
		b.WriteByte('}')
	}
	b.WriteString(`}`)

	if len(prf) > 0 {
		prfJSON, err := json.Marshal(prf)
		if err != nil {
			return nil, err
		}
		b.WriteString(`,"prf":`)
		b.Write(prfJSON)
	}

	b.WriteByte('}')
	return []byte(b.String()), nil
}

func sortedKeys(m map[string]map[string][]capability.Caveat) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MergeRecapURIs decodes every ReCap URI in uris and merges them into
// a single capability.Set (union) plus the union of their cited parent
// CIDs, per §4.D: "the engine constructs the full capability set by
// merging all ReCap URIs found in resources."
func MergeRecapURIs(uris []string) (capability.Set, []string, error) {
	var merged capability.Set
	var parents []string
	for _, uri := range uris {
		set, prf, err := DecodeRecap(uri)
		if err != nil {
			return capability.Set{}, nil, err
		}
		merged = capability.Union(merged, set)
		parents = append(parents, prf...)
	}
	return merged, parents, nil
}
