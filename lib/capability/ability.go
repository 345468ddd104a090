// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"fmt"
	"strings"
)

// Ability is a parsed ability token: "<namespace>.<service>/<action>",
// e.g. "tinycloud.kv/get". Exactly one action per token.
type Ability struct {
	Namespace string
	Service   string
	Action    string
}

// String reconstructs the canonical textual form.
func (a Ability) String() string {
	return fmt.Sprintf("%s.%s/%s", a.Namespace, a.Service, a.Action)
}

// ParseAbility parses an ability token.
func ParseAbility(token string) (Ability, error) {
	slashIdx := strings.LastIndex(token, "/")
	if slashIdx < 0 {
		return Ability{}, fmt.Errorf("%w: %q missing /<action>", ErrBadAbility, token)
	}
	nsService, action := token[:slashIdx], token[slashIdx+1:]
	if action == "" {
		return Ability{}, fmt.Errorf("%w: %q has empty action", ErrBadAbility, token)
	}

	dotIdx := strings.Index(nsService, ".")
	if dotIdx < 0 {
		return Ability{}, fmt.Errorf("%w: %q missing <namespace>.<service>", ErrBadAbility, token)
	}
	namespace, service := nsService[:dotIdx], nsService[dotIdx+1:]
	if namespace == "" || service == "" {
		return Ability{}, fmt.Errorf("%w: %q has empty namespace or service", ErrBadAbility, token)
	}

	return Ability{Namespace: namespace, Service: service, Action: action}, nil
}
