// Package guard wraps protected operations in a fixed, fail-closed chain of
// checks: authenticate, session, IP policy, rate limit, permission, payload
// size and required fields. The first failing stage short-circuits the
// chain with a *Denial and the operation does not run.
package guard

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/porthorian/openguard/pkg/audit"
	"github.com/porthorian/openguard/pkg/authz"
	"github.com/porthorian/openguard/pkg/cache"
	ogerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/policy"
	"github.com/porthorian/openguard/pkg/ratelimit"
	"github.com/porthorian/openguard/pkg/security"
	"github.com/porthorian/openguard/pkg/token"
)

const (
	StageAuthenticate   = "authenticate"
	StageSession        = "session"
	StageIPPolicy       = "ip_policy"
	StageRateLimit      = "rate_limit"
	StagePermission     = "permission"
	StagePayloadSize    = "payload_size"
	StageValidateFields = "validate_fields"
	StageOperation      = "operation"
)

var (
	ErrMissingTokens   = errors.New("guard: token verifier is required")
	ErrMissingSessions = errors.New("guard: session verifier is required")
	ErrMissingLimiter  = errors.New("guard: rate limiter is required")
)

type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (token.Verification, error)
}

type SessionVerifier interface {
	Verify(ctx context.Context, principalID string, token string, ip string) (bool, error)
}

type RateLimiter interface {
	Check(ctx context.Context, identifier string, limit int, window time.Duration) (ratelimit.Decision, error)
	IsWhitelisted(identifier string) bool
	IsBlacklisted(identifier string) bool
}

type EventMonitor interface {
	Log(ctx context.Context, eventType security.EventType, details security.Details) security.Event
	IsBlocked(ip string) bool
}

type Auditor interface {
	Record(ctx context.Context, event audit.Event)
}

type DecisionRecorder interface {
	RecordDecision(ctx context.Context, operation string, status string, stage string, elapsed time.Duration)
}

// Operation describes what a guarded call needs.
type Operation struct {
	Name       string
	Permission string
	// Roles, when set, restricts the call to these roles before the
	// permission is evaluated.
	Roles          []string
	Write          bool
	RequiredFields []string
	// MaxPayload overrides the role's max_payload_bytes when positive.
	MaxPayload int64
}

type Request struct {
	Token string
	// PrincipalID is the identity the caller claims. When set it must match
	// the token subject.
	PrincipalID string
	IP          string
	PayloadSize int64
	Body        []byte
	Operation   Operation
}

// State is what the stages have learned so far. The operation receives it
// once every stage has passed.
type State struct {
	Request     Request
	Claims      *token.Claims
	PrincipalID string
	Role        string
	Policy      policy.RolePolicy
	RateLimit   ratelimit.Decision
	Fields      map[string]any
}

type OperationFunc func(ctx context.Context, state *State) (any, error)

type Stage struct {
	Name string
	Run  func(ctx context.Context, state *State) error
}

type Config struct {
	Policy      policy.Policy
	Tokens      TokenVerifier
	Sessions    SessionVerifier
	Limiter     RateLimiter
	Permissions cache.PermissionCache
	Principals  cache.PrincipalCache
	Monitor     EventMonitor
	Auditor     Auditor
	Metrics     DecisionRecorder
	Logger      logr.Logger
	Now         func() time.Time
}

type Guard struct {
	policy      policy.Policy
	matrix      *authz.Matrix
	tokens      TokenVerifier
	sessions    SessionVerifier
	limiter     RateLimiter
	permissions cache.PermissionCache
	principals  cache.PrincipalCache
	monitor     EventMonitor
	auditor     Auditor
	metrics     DecisionRecorder
	logger      logr.Logger
	now         func() time.Time
	denyLog     rate.Sometimes

	stages []Stage
}

func New(config Config) (*Guard, error) {
	if config.Tokens == nil {
		return nil, ErrMissingTokens
	}
	if config.Sessions == nil {
		return nil, ErrMissingSessions
	}
	if config.Limiter == nil {
		return nil, ErrMissingLimiter
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	config.Policy.ApplyDefaults()
	if err := config.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}

	g := &Guard{
		policy:      config.Policy,
		matrix:      authz.NewMatrix(config.Policy.Grants()),
		tokens:      config.Tokens,
		sessions:    config.Sessions,
		limiter:     config.Limiter,
		permissions: config.Permissions,
		principals:  config.Principals,
		monitor:     config.Monitor,
		auditor:     config.Auditor,
		metrics:     config.Metrics,
		logger:      config.Logger.WithName("guard"),
		now:         config.Now,
		denyLog:     rate.Sometimes{First: 10, Interval: 10 * time.Second},
	}
	g.stages = []Stage{
		{Name: StageAuthenticate, Run: g.authenticate},
		{Name: StageSession, Run: g.verifySession},
		{Name: StageIPPolicy, Run: g.checkIP},
		{Name: StageRateLimit, Run: g.checkRateLimit},
		{Name: StagePermission, Run: g.checkPermission},
		{Name: StagePayloadSize, Run: g.checkPayloadSize},
		{Name: StageValidateFields, Run: g.validateFields},
	}
	return g, nil
}

// Stages returns the stage names in the order they run.
func (g *Guard) Stages() []string {
	names := make([]string, 0, len(g.stages))
	for _, stage := range g.stages {
		names = append(names, stage.Name)
	}
	return names
}

func (g *Guard) Policy() policy.Policy {
	return g.policy
}

// Do runs every stage for req and then op. A failing stage returns a
// *Denial and op is skipped. An error returned by op passes through
// unchanged. Panics and unexpected stage errors become INTERNAL_ERROR
// denials for this call only.
func (g *Guard) Do(ctx context.Context, req Request, op OperationFunc) (any, error) {
	started := g.now()
	state := &State{Request: req, PrincipalID: req.PrincipalID}

	result, stage, err := g.run(ctx, state, op)

	denial, denied := AsDenial(err)
	if denied && denial.Stage == "" {
		denial.Stage = stage
	}

	status := StatusOK
	switch {
	case denied:
		status = denial.Status
		g.observeDenial(ctx, state, denial)
	case err != nil:
		status = StatusOperationError
	}

	g.recordAudit(ctx, state, status, stage, err)
	if g.metrics != nil {
		reported := ""
		if err != nil {
			reported = stage
		}
		g.metrics.RecordDecision(ctx, req.Operation.Name, string(status), reported, g.now().Sub(started))
	}

	if denied {
		return nil, denial
	}
	return result, err
}

// run executes the chain and op, reporting which stage produced err.
func (g *Guard) run(ctx context.Context, state *State, op OperationFunc) (result any, stage string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Error(fmt.Errorf("panic: %v", recovered), "guarded call panicked",
				"operation", state.Request.Operation.Name,
				"stage", stage,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = internal(fmt.Errorf("guard: panic in %s: %v", stage, recovered))
		}
	}()

	for _, s := range g.stages {
		stage = s.Name
		if stageErr := s.Run(ctx, state); stageErr != nil {
			if _, ok := AsDenial(stageErr); ok {
				return nil, stage, stageErr
			}
			g.logger.Error(stageErr, "guard stage failed", "operation", state.Request.Operation.Name, "stage", stage)
			return nil, stage, internal(stageErr)
		}
	}

	stage = StageOperation
	if op == nil {
		return nil, stage, nil
	}
	result, err = op(ctx, state)
	return result, stage, err
}

func (g *Guard) observeDenial(ctx context.Context, state *State, denial *Denial) {
	g.denyLog.Do(func() {
		g.logger.Info("request denied",
			"operation", state.Request.Operation.Name,
			"stage", denial.Stage,
			"status", denial.Status,
			"code", denial.Code,
			"ip", state.Request.IP,
		)
	})

	if g.monitor == nil {
		return
	}
	g.monitor.Log(ctx, eventFor(denial), security.Details{
		PrincipalID: state.PrincipalID,
		IP:          state.Request.IP,
		Message:     denial.Message,
		Metadata: map[string]string{
			"operation": state.Request.Operation.Name,
			"stage":     denial.Stage,
			"code":      string(denial.Code),
		},
	})
}

func (g *Guard) recordAudit(ctx context.Context, state *State, status Status, stage string, err error) {
	if g.auditor == nil {
		return
	}

	outcome := audit.OutcomeSuccess
	metadata := map[string]string{"status": string(status)}
	if state.Role != "" {
		metadata["role"] = state.Role
	}
	if err != nil {
		outcome = audit.OutcomeError
		metadata["stage"] = stage
		if denial, ok := AsDenial(err); ok {
			metadata["code"] = string(denial.Code)
			if denial.Status != StatusInternalError {
				outcome = audit.OutcomeDenied
			}
		}
	}

	g.auditor.Record(ctx, audit.Event{
		Action:      state.Request.Operation.Name,
		PrincipalID: state.PrincipalID,
		Resource:    state.Request.Operation.Permission,
		Outcome:     outcome,
		IP:          state.Request.IP,
		Metadata:    metadata,
	})
}

func eventFor(denial *Denial) security.EventType {
	switch denial.Kind {
	case KindAuthentication:
		if denial.Code == ogerrors.CodeTokenBlacklisted {
			return security.EventTokenBlacklisted
		}
		return security.EventAuthFailure
	case KindSession:
		return security.EventSessionInvalid
	case KindRateLimit:
		return security.EventRateLimitExceeded
	case KindPayloadTooLarge:
		return security.EventPayloadTooLarge
	case KindValidation:
		return security.EventValidationFailed
	case KindInternal:
		return security.EventInternalError
	}
	if denial.Stage == StageIPPolicy {
		return security.EventIPBlocked
	}
	return security.EventPermissionDenied
}
