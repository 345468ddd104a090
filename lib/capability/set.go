// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"reflect"
)

// Caveat is a single caveat object attached to a grant — an arbitrary
// JSON-shaped restriction, represented the same way the original
// implementation's SQL authorizer represents them: an open string-keyed
// map rather than a closed Go struct, since the set of caveat kinds is
// not enumerated by the spec.
type Caveat = map[string]any

// Grant is one (resource, ability) → caveats entry of a capability
// set, matching a single entry of a ReCap "att" map.
type Grant struct {
	Resource Resource
	Ability  Ability
	Caveats  []Caveat
}

// Set is the full capability set carried by a delegation or
// invocation: every resource it grants access to, and for each, every
// ability and the caveats attached to it. Mirrors ReCap's
// {att: {<resource>: {<ability>: [caveat, ...]}}} shape once parsed.
type Set struct {
	Grants []Grant
}

// AddGrant appends a grant to the set.
func (s *Set) AddGrant(g Grant) {
	s.Grants = append(s.Grants, g)
}

// Union returns a new Set containing every grant from both a and b,
// used to combine multiple ReCap URIs found in one SIWE message's
// resources list.
func Union(a, b Set) Set {
	out := Set{Grants: make([]Grant, 0, len(a.Grants)+len(b.Grants))}
	out.Grants = append(out.Grants, a.Grants...)
	out.Grants = append(out.Grants, b.Grants...)
	return out
}

// Covers reports whether the set grants ability on resource, directly
// or via a grant whose resource covers it.
func (s Set) Covers(resource Resource, ability Ability) (Grant, bool) {
	for _, g := range s.Grants {
		if g.Ability == ability && g.Resource.Covers(resource) {
			return g, true
		}
	}
	return Grant{}, false
}

// Attenuates reports whether child is at most as powerful as parent:
// every grant in child must be covered by some grant in parent with an
// equal-or-broader resource scope and the same ability, and the
// parent's caveats for that grant must all still be present in the
// child's caveats (child may add further restrictions, never drop
// one).
func Attenuates(parent, child Set) bool {
	for _, cg := range child.Grants {
		covering, ok := parent.Covers(cg.Resource, cg.Ability)
		if !ok {
			return false
		}
		if !caveatsSupersetOf(covering.Caveats, cg.Caveats) {
			return false
		}
	}
	return true
}

// caveatsSupersetOf reports whether every caveat in parentCaveats is
// also present (by deep equality) in childCaveats.
func caveatsSupersetOf(parentCaveats, childCaveats []Caveat) bool {
	for _, pc := range parentCaveats {
		var found bool
		for _, cc := range childCaveats {
			if reflect.DeepEqual(pc, cc) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
