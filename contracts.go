package openguard

import (
	"strings"
	"time"

	"github.com/porthorian/openguard/pkg/session"
	"github.com/porthorian/openguard/pkg/token"
)

// LoginInput describes a principal whose credentials the caller has already
// verified.
type LoginInput struct {
	PrincipalID string
	Role        string
	IP          string
	// AccessTTL overrides the role's token_expiration_hours when positive.
	AccessTTL time.Duration
}

func (i LoginInput) Normalize() LoginInput {
	return LoginInput{
		PrincipalID: strings.TrimSpace(i.PrincipalID),
		Role:        strings.TrimSpace(i.Role),
		IP:          strings.TrimSpace(i.IP),
		AccessTTL:   i.AccessTTL,
	}
}

type LoginResult struct {
	Tokens  token.Pair
	Session session.Session
}

// LogoutInput names the tokens to revoke. RefreshToken is optional.
type LogoutInput struct {
	AccessToken  string
	RefreshToken string
}
