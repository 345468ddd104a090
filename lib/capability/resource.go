// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability implements the typed resource/ability model: URI
// parsing, attenuation (subset) checks between a parent and a child
// capability, and caveat propagation. This is the vocabulary every
// other component — the verifier, the event log, the invocation
// dispatcher — shares when it talks about "what may be done to what."
package capability

import (
	"fmt"
	"strings"
)

// ErrBadResource is returned when a resource URI fails to parse.
var ErrBadResource = fmt.Errorf("capability: malformed resource URI")

// ErrBadAbility is returned when an ability token fails to parse.
var ErrBadAbility = fmt.Errorf("capability: malformed ability")

// Resource is a parsed resource URI of the form
// "<space-id>/<service>/<path>".
type Resource struct {
	SpaceID string
	Service string
	Path    string
}

// String reconstructs the canonical textual form of r. A space-id
// already ends in "/", so the service follows it directly.
func (r Resource) String() string {
	if strings.HasSuffix(r.SpaceID, "/") {
		return fmt.Sprintf("%s%s/%s", r.SpaceID, r.Service, r.Path)
	}
	return fmt.Sprintf("%s/%s/%s", r.SpaceID, r.Service, r.Path)
}

// knownServices enumerates the closed set of services a resource URI
// may name.
var knownServices = map[string]bool{
	"kv":           true,
	"capabilities": true,
	"delegation":   true,
}

// ParseResource parses a resource URI. The space-id itself is a URI
// (tinycloud:<did-body>://<name>/), so splitting proceeds from the
// "://" marker: the space-id runs through the first "/" after it, the
// next segment is the service, and everything after that is the path.
func ParseResource(uri string) (Resource, error) {
	const marker = "://"
	schemeEnd := strings.Index(uri, marker)
	if schemeEnd < 0 {
		return Resource{}, fmt.Errorf("%w: %q missing space-id scheme", ErrBadResource, uri)
	}

	// The space name ends at the next "/" after the "://" marker; the
	// segments after that belong to service/path.
	afterScheme := uri[schemeEnd+len(marker):]
	nameEnd := strings.Index(afterScheme, "/")
	if nameEnd < 0 {
		return Resource{}, fmt.Errorf("%w: %q missing /<service>/<path> suffix", ErrBadResource, uri)
	}

	spaceID := uri[:schemeEnd+len(marker)+nameEnd+1]
	rest := afterScheme[nameEnd+1:]

	serviceEnd := strings.Index(rest, "/")
	var service, path string
	if serviceEnd < 0 {
		service, path = rest, ""
	} else {
		service, path = rest[:serviceEnd], rest[serviceEnd+1:]
	}

	if service == "" {
		return Resource{}, fmt.Errorf("%w: %q has empty service", ErrBadResource, uri)
	}
	if !knownServices[service] {
		return Resource{}, fmt.Errorf("%w: %q is not a recognized service", ErrBadResource, service)
	}
	if spaceID == "" {
		return Resource{}, fmt.Errorf("%w: %q has empty space-id", ErrBadResource, uri)
	}

	return Resource{SpaceID: spaceID, Service: service, Path: path}, nil
}

// PathContains reports whether parentPath, treated as a hierarchical
// prefix, contains childPath. A path ending in "/" scopes everything
// under it; an exact path scopes only itself. Per spec §3: "a/b/"
// scopes "a/b/c/...".
func PathContains(parentPath, childPath string) bool {
	if parentPath == "" {
		// An empty path scopes the whole service, per the root
		// "<space-id>/<service>/" grant ParseResource produces.
		return true
	}
	if parentPath == childPath {
		return true
	}
	if strings.HasSuffix(parentPath, "/") {
		return strings.HasPrefix(childPath, parentPath)
	}
	// A non-slash-terminated parent only scopes itself and deeper
	// paths that continue with a "/" boundary (not a same-prefix
	// sibling, e.g. "a/b" must not match "a/bc").
	return strings.HasPrefix(childPath, parentPath+"/")
}

// Covers reports whether parent is a resource that covers child: same
// space, same service, and parent's path contains child's path.
func (r Resource) Covers(child Resource) bool {
	return r.SpaceID == child.SpaceID && r.Service == child.Service && PathContains(r.Path, child.Path)
}
