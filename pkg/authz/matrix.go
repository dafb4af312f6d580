// Package authz evaluates role grants. Permission names are opaque strings
// supplied by configuration; a grant of "*" covers everything and a grant
// ending in ":*" covers every permission sharing that prefix.
package authz

import (
	"sort"
	"strings"
)

const Wildcard = "*"

// Matrix maps roles to granted permissions. It is immutable once built and
// safe for concurrent use.
type Matrix struct {
	roles map[string]map[string]struct{}
}

func NewMatrix(grants map[string][]string) *Matrix {
	roles := make(map[string]map[string]struct{}, len(grants))
	for role, permissions := range grants {
		set := make(map[string]struct{}, len(permissions))
		for _, permission := range permissions {
			permission = strings.TrimSpace(permission)
			if permission != "" {
				set[permission] = struct{}{}
			}
		}
		roles[role] = set
	}
	return &Matrix{roles: roles}
}

func (m *Matrix) HasRole(role string) bool {
	if m == nil {
		return false
	}
	_, ok := m.roles[role]
	return ok
}

// Allows reports whether role is granted permission. An empty permission is
// always allowed.
func (m *Matrix) Allows(role string, permission string) bool {
	if permission == "" {
		return true
	}
	if m == nil {
		return false
	}
	return Covers(m.roles[role], permission)
}

func (m *Matrix) AllowsAll(role string, permissions ...string) bool {
	for _, permission := range permissions {
		if !m.Allows(role, permission) {
			return false
		}
	}
	return true
}

func (m *Matrix) AllowsAny(role string, permissions ...string) bool {
	for _, permission := range permissions {
		if m.Allows(role, permission) {
			return true
		}
	}
	return len(permissions) == 0
}

// Permissions returns the sorted grants of role.
func (m *Matrix) Permissions(role string) []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.roles[role]))
	for permission := range m.roles[role] {
		out = append(out, permission)
	}
	sort.Strings(out)
	return out
}

// Covers reports whether the granted set includes permission directly or
// through a wildcard grant.
func Covers(granted map[string]struct{}, permission string) bool {
	if _, ok := granted[permission]; ok {
		return true
	}
	if _, ok := granted[Wildcard]; ok {
		return true
	}
	for i := len(permission) - 1; i > 0; i-- {
		if permission[i] != ':' {
			continue
		}
		if _, ok := granted[permission[:i+1]+Wildcard]; ok {
			return true
		}
	}
	return false
}

// RoleAllowed reports whether role is in allowed. An empty allowed list
// admits every role.
func RoleAllowed(role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if candidate == role {
			return true
		}
	}
	return false
}
