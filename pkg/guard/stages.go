package guard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/porthorian/openguard/pkg/authz"
	"github.com/porthorian/openguard/pkg/cache"
	ogerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/token"
)

func (g *Guard) authenticate(ctx context.Context, state *State) error {
	raw := state.Request.Token
	if raw == "" {
		return unauthorized(ogerrors.CodeTokenMissing, "token is required")
	}

	verification, err := g.tokens.Verify(ctx, raw)
	if err != nil {
		return err
	}
	switch verification.Status {
	case token.StatusValid:
	case token.StatusBlacklisted:
		return unauthorized(ogerrors.CodeTokenBlacklisted, "token has been revoked")
	case token.StatusExpired:
		return unauthorized(ogerrors.CodeTokenExpired, "token has expired")
	default:
		return unauthorized(ogerrors.CodeTokenInvalid, "token is invalid")
	}

	claims := verification.Claims
	if claims == nil || claims.Subject == "" {
		return unauthorized(ogerrors.CodeTokenInvalid, "token has no subject")
	}
	if claims.Type != token.TypeAccess {
		return unauthorized(ogerrors.CodeTokenWrongType, "an access token is required")
	}
	if state.Request.PrincipalID != "" && state.Request.PrincipalID != claims.Subject {
		return unauthorized(ogerrors.CodeTokenInvalid, "token does not belong to the principal")
	}

	state.Claims = claims
	state.PrincipalID = claims.Subject
	state.Role = claims.Role
	state.Policy = g.policy.For(claims.Role)

	if g.principals != nil {
		g.rememberPrincipal(ctx, claims)
	}
	return nil
}

// rememberPrincipal caches what claims say about the caller. The snapshot is
// rewritten only when the token or role changes, not on every request.
func (g *Guard) rememberPrincipal(ctx context.Context, claims *token.Claims) {
	cached, found, err := g.principals.GetPrincipal(ctx, claims.Subject)
	if err != nil {
		g.logger.V(1).Info("principal cache read failed", "error", err.Error())
	}
	if found && cached.Role == claims.Role && cached.Claims["jti"] == claims.ID {
		return
	}

	snapshot := cache.PrincipalSnapshot{
		PrincipalID: claims.Subject,
		Role:        claims.Role,
		Permissions: g.matrix.Permissions(claims.Role),
		Claims:      map[string]any{"jti": claims.ID, "iss": claims.Issuer},
	}
	if claims.ExpiresAt != nil {
		snapshot.ExpiresAt = claims.ExpiresAt.Time
	}
	if err := g.principals.SetPrincipal(ctx, claims.Subject, snapshot, snapshot.ExpiresAt.Sub(g.now())); err != nil {
		g.logger.V(1).Info("principal cache write failed", "error", err.Error())
	}
}

func (g *Guard) verifySession(ctx context.Context, state *State) error {
	ok, err := g.sessions.Verify(ctx, state.PrincipalID, state.Request.Token, state.Request.IP)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden(KindSession, ogerrors.CodeSessionInvalid, "session is not active")
	}
	return nil
}

func (g *Guard) checkIP(ctx context.Context, state *State) error {
	ip := state.Request.IP
	if !state.Policy.AllowsIP(ip) {
		return forbidden(KindAuthorization, ogerrors.CodeIPNotAllowed, "ip address is not allowed for this role")
	}
	if ip == "" {
		return nil
	}
	listed := g.limiter.IsBlacklisted(ip)
	if listed || (g.monitor != nil && g.monitor.IsBlocked(ip)) {
		return forbidden(KindAuthorization, ogerrors.CodeIPBlocked, "ip address is blocked")
	}
	return nil
}

func (g *Guard) checkRateLimit(ctx context.Context, state *State) error {
	if ip := state.Request.IP; ip != "" && g.limiter.IsWhitelisted(ip) {
		return nil
	}

	decision, err := g.limiter.Check(ctx, state.PrincipalID, state.Policy.RateLimit, state.Policy.Window())
	if err != nil {
		return err
	}
	state.RateLimit = decision
	if decision.Allowed {
		return nil
	}
	return &Denial{
		Status:     StatusRateLimited,
		Kind:       KindRateLimit,
		Code:       ogerrors.CodeRateLimited,
		Message:    "rate limit exceeded",
		Remaining:  decision.Remaining,
		RetryAfter: decision.RetryAfter,
	}
}

func (g *Guard) checkPermission(ctx context.Context, state *State) error {
	if g.policy.SuperRole != "" && state.Role == g.policy.SuperRole {
		return nil
	}

	op := state.Request.Operation
	if !authz.RoleAllowed(state.Role, op.Roles) {
		return forbidden(KindAuthorization, ogerrors.CodePermissionDenied, "role is not allowed to perform this operation")
	}
	if op.Permission == "" {
		return nil
	}

	key := cache.PermissionKey{PrincipalID: state.PrincipalID, Role: state.Role, Endpoint: op.Name + "#" + op.Permission}
	allowed, found := false, false
	if g.permissions != nil {
		var err error
		allowed, found, err = g.permissions.GetDecision(ctx, key)
		if err != nil {
			g.logger.V(1).Info("permission cache read failed", "error", err.Error())
			found = false
		}
	}

	if !found {
		allowed = g.matrix.Allows(state.Role, op.Permission)
		if g.permissions != nil {
			if err := g.permissions.SetDecision(ctx, key, allowed, g.policy.Cache.TTL()); err != nil {
				g.logger.V(1).Info("permission cache write failed", "error", err.Error())
			}
		}
	}

	if !allowed {
		return forbidden(KindAuthorization, ogerrors.CodePermissionDenied, fmt.Sprintf("permission %q is required", op.Permission))
	}
	return nil
}

func (g *Guard) checkPayloadSize(ctx context.Context, state *State) error {
	limit := state.Request.Operation.MaxPayload
	if limit <= 0 {
		limit = state.Policy.MaxPayloadBytes
	}
	if limit <= 0 {
		return nil
	}

	size := state.Request.PayloadSize
	if body := int64(len(state.Request.Body)); body > size {
		size = body
	}
	if size > limit {
		return &Denial{
			Status:  StatusPayloadTooLarge,
			Kind:    KindPayloadTooLarge,
			Code:    ogerrors.CodePayloadTooLarge,
			Message: fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", size, limit),
		}
	}
	return nil
}

func (g *Guard) validateFields(ctx context.Context, state *State) error {
	op := state.Request.Operation
	if !op.Write || len(op.RequiredFields) == 0 {
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal(state.Request.Body, &fields); err != nil || fields == nil {
		return &Denial{
			Status:  StatusValidationError,
			Kind:    KindValidation,
			Code:    ogerrors.CodeInvalidBody,
			Message: "body must be a JSON object",
		}
	}

	missing := MissingFields(fields, op.RequiredFields)
	if len(missing) > 0 {
		return &Denial{
			Status:        StatusValidationError,
			Kind:          KindValidation,
			Code:          ogerrors.CodeMissingFields,
			Message:       "required fields are missing",
			MissingFields: missing,
		}
	}

	state.Fields = fields
	return nil
}

// MissingFields lists, in required order, the fields that are absent, null
// or an empty string.
func MissingFields(fields map[string]any, required []string) []string {
	var missing []string
	for _, name := range required {
		value, ok := fields[name]
		if !ok || value == nil {
			missing = append(missing, name)
			continue
		}
		if s, isString := value.(string); isString && s == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
