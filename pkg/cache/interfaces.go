package cache

import (
	"context"
	"net/url"
	"strings"
	"time"
)

type PrincipalSnapshot struct {
	PrincipalID string
	Role        string
	Permissions []string
	Claims      map[string]any
	ExpiresAt   time.Time
}

// PermissionKey identifies one cached authorization decision.
type PermissionKey struct {
	PrincipalID string
	Role        string
	Endpoint    string
}

func (k PermissionKey) String() string {
	return strings.Join([]string{
		url.QueryEscape(k.PrincipalID),
		url.QueryEscape(k.Role),
		url.QueryEscape(k.Endpoint),
	}, "|")
}

type PrincipalCache interface {
	SetPrincipal(ctx context.Context, key string, snapshot PrincipalSnapshot, ttl time.Duration) error
	GetPrincipal(ctx context.Context, key string) (PrincipalSnapshot, bool, error)
	DeletePrincipal(ctx context.Context, key string) error
}

type PermissionCache interface {
	SetDecision(ctx context.Context, key PermissionKey, allowed bool, ttl time.Duration) error
	GetDecision(ctx context.Context, key PermissionKey) (allowed bool, found bool, err error)
	// InvalidatePrincipal drops every decision cached for principalID, e.g.
	// after a role change.
	InvalidatePrincipal(ctx context.Context, principalID string) error
	Stats() Stats
}

func CloneSnapshot(snapshot PrincipalSnapshot) PrincipalSnapshot {
	clonedClaims := make(map[string]any, len(snapshot.Claims))
	for key, value := range snapshot.Claims {
		clonedClaims[key] = value
	}
	snapshot.Claims = clonedClaims
	snapshot.Permissions = append([]string(nil), snapshot.Permissions...)
	return snapshot
}
