package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthorian/openguard/pkg/audit"
	"github.com/porthorian/openguard/pkg/cache"
	cachememory "github.com/porthorian/openguard/pkg/cache/memory"
	ogerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/policy"
	"github.com/porthorian/openguard/pkg/ratelimit"
	"github.com/porthorian/openguard/pkg/security"
	"github.com/porthorian/openguard/pkg/session"
	"github.com/porthorian/openguard/pkg/token"
)

var testSecret = []byte("guard-test-secret-0123456789abcdef")

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Record(_ context.Context, event audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) last(t *testing.T) audit.Event {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.events)
	return a.events[len(a.events)-1]
}

type recordingMetrics struct {
	mu       sync.Mutex
	statuses []string
	stages   []string
}

func (m *recordingMetrics) RecordDecision(_ context.Context, _ string, status string, stage string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	m.stages = append(m.stages, stage)
}

type fixture struct {
	guard    *Guard
	tokens   *token.Manager
	sessions *session.Registry
	limiter  *ratelimit.Limiter
	monitor  *security.Monitor
	cache    *cachememory.Adapter
	auditor  *recordingAuditor
	metrics  *recordingMetrics
}

func testPolicy() policy.Policy {
	p := policy.Default()
	p.SuperRole = "admin"
	p.DefaultRole.RateLimit = 3
	p.DefaultRole.WindowSeconds = 60
	p.DefaultRole.MaxPayloadBytes = 64
	p.Roles = map[string]policy.RolePolicy{
		"admin":  {},
		"viewer": {Permissions: []string{"reports:read"}},
		"editor": {Permissions: []string{"reports:read", "reports:write"}},
		"office": {Permissions: []string{"reports:read"}, IPWhitelist: []string{"10.0.0.0/8"}},
	}
	p.Monitor.FailedAuthThreshold = 2
	return p
}

func newFixture(t *testing.T, mutate func(*policy.Policy)) *fixture {
	t.Helper()

	p := testPolicy()
	if mutate != nil {
		mutate(&p)
	}

	tokens, err := token.NewManager(token.Config{Secret: testSecret})
	require.NoError(t, err)

	f := &fixture{
		tokens:   tokens,
		sessions: session.NewRegistry(session.Config{}),
		limiter:  ratelimit.New(ratelimit.Config{}),
		monitor:  security.NewMonitor(security.Config{FailedAuthThreshold: p.Monitor.FailedAuthThreshold}),
		cache:    cachememory.NewAdapter(cache.Options{}),
		auditor:  &recordingAuditor{},
		metrics:  &recordingMetrics{},
	}
	f.guard, err = New(Config{
		Policy:      p,
		Tokens:      f.tokens,
		Sessions:    f.sessions,
		Limiter:     f.limiter,
		Permissions: f.cache,
		Principals:  f.cache,
		Monitor:     f.monitor,
		Auditor:     f.auditor,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	return f
}

// login issues a token for principal and opens a session bound to ip.
func (f *fixture) login(t *testing.T, principal string, role string, ip string) string {
	t.Helper()
	pair, err := f.tokens.Generate(context.Background(), principal, role, 0)
	require.NoError(t, err)
	_, err = f.sessions.Create(context.Background(), principal, pair.AccessToken, ip)
	require.NoError(t, err)
	return pair.AccessToken
}

var readReports = Operation{Name: "reports.list", Permission: "reports:read"}

func okOperation(calls *int) OperationFunc {
	return func(ctx context.Context, state *State) (any, error) {
		*calls++
		return map[string]string{"principal": state.PrincipalID}, nil
	}
}

func requireDenial(t *testing.T, err error, status Status, code ogerrors.Code, stage string) *Denial {
	t.Helper()
	denial, ok := AsDenial(err)
	require.True(t, ok, "expected a denial, got %v", err)
	assert.Equal(t, status, denial.Status)
	assert.Equal(t, code, denial.Code)
	assert.Equal(t, stage, denial.Stage)
	return denial
}

func TestStageOrder(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, []string{
		StageAuthenticate, StageSession, StageIPPolicy, StageRateLimit,
		StagePermission, StagePayloadSize, StageValidateFields,
	}, f.guard.Stages())
}

func TestSuccessPassesResultThrough(t *testing.T) {
	f := newFixture(t, nil)
	raw := f.login(t, "u1", "viewer", "10.1.1.1")

	calls := 0
	result, err := f.guard.Do(context.Background(), Request{Token: raw, IP: "10.1.1.1", Operation: readReports}, okOperation(&calls))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, map[string]string{"principal": "u1"}, result)

	event := f.auditor.last(t)
	assert.Equal(t, audit.OutcomeSuccess, event.Outcome)
	assert.Equal(t, "reports.list", event.Action)
	assert.Equal(t, "u1", event.PrincipalID)
	assert.Equal(t, []string{"OK"}, f.metrics.statuses)

	snapshot, found, err := f.cache.GetPrincipal(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "viewer", snapshot.Role)
}

type countingPrincipals struct {
	*cachememory.Adapter
	writes int
}

func (c *countingPrincipals) SetPrincipal(ctx context.Context, key string, snapshot cache.PrincipalSnapshot, ttl time.Duration) error {
	c.writes++
	return c.Adapter.SetPrincipal(ctx, key, snapshot, ttl)
}

func TestPrincipalSnapshotWrittenOncePerToken(t *testing.T) {
	f := newFixture(t, nil)
	principals := &countingPrincipals{Adapter: f.cache}
	f.guard.principals = principals

	first := f.login(t, "u1", "viewer", "10.1.1.1")
	calls := 0
	for i := 0; i < 2; i++ {
		_, err := f.guard.Do(context.Background(), Request{Token: first, IP: "10.1.1.1", Operation: readReports}, okOperation(&calls))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, principals.writes)

	second := f.login(t, "u1", "editor", "10.1.1.1")
	_, err := f.guard.Do(context.Background(), Request{Token: second, IP: "10.1.1.1", Operation: readReports}, okOperation(&calls))
	require.NoError(t, err)
	assert.Equal(t, 2, principals.writes)

	snapshot, found, err := f.cache.GetPrincipal(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "editor", snapshot.Role)
	assert.Contains(t, snapshot.Permissions, "reports:write")
}

func TestAuthenticationFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.tokens.Generate(ctx, "u1", "viewer", 0)
	require.NoError(t, err)
	revoked := f.login(t, "u2", "viewer", "ip")
	require.NoError(t, f.tokens.Blacklist(ctx, revoked))

	cases := []struct {
		name string
		req  Request
		code ogerrors.Code
	}{
		{"missing", Request{IP: "ip"}, ogerrors.CodeTokenMissing},
		{"garbage", Request{Token: "garbage", IP: "ip"}, ogerrors.CodeTokenInvalid},
		{"refresh token", Request{Token: pair.RefreshToken, IP: "ip"}, ogerrors.CodeTokenWrongType},
		{"blacklisted", Request{Token: revoked, IP: "ip"}, ogerrors.CodeTokenBlacklisted},
		{"other principal", Request{Token: pair.AccessToken, PrincipalID: "u9", IP: "ip"}, ogerrors.CodeTokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			tc.req.Operation = readReports
			_, err := f.guard.Do(ctx, tc.req, okOperation(&calls))
			requireDenial(t, err, StatusUnauthorized, tc.code, StageAuthenticate)
			assert.Zero(t, calls)
			assert.Equal(t, audit.OutcomeDenied, f.auditor.last(t).Outcome)
		})
	}
}

func TestExpiredToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, err := token.NewManager(token.Config{Secret: testSecret, Now: clock})
	require.NoError(t, err)
	g, err := New(Config{
		Policy:   testPolicy(),
		Tokens:   tokens,
		Sessions: session.NewRegistry(session.Config{}),
		Limiter:  ratelimit.New(ratelimit.Config{}),
	})
	require.NoError(t, err)

	pair, err := tokens.Generate(context.Background(), "u1", "viewer", time.Minute)
	require.NoError(t, err)
	now = now.Add(time.Minute)

	_, err = g.Do(context.Background(), Request{Token: pair.AccessToken, Operation: readReports}, nil)
	requireDenial(t, err, StatusUnauthorized, ogerrors.CodeTokenExpired, StageAuthenticate)
}

func TestRepeatedAuthFailuresMarkPrincipalSuspicious(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.guard.Do(ctx, Request{Token: "bad", PrincipalID: "u1", IP: "ip", Operation: readReports}, nil)
		require.Error(t, err)
	}
	assert.True(t, f.monitor.IsSuspicious("u1"))
}

func TestSessionMustMatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.tokens.Generate(ctx, "u1", "viewer", 0)
	require.NoError(t, err)
	_, err = f.guard.Do(ctx, Request{Token: pair.AccessToken, IP: "1.1.1.1", Operation: readReports}, nil)
	requireDenial(t, err, StatusForbidden, ogerrors.CodeSessionInvalid, StageSession)

	raw := f.login(t, "u2", "viewer", "1.1.1.1")
	_, err = f.guard.Do(ctx, Request{Token: raw, IP: "2.2.2.2", Operation: readReports}, nil)
	denial := requireDenial(t, err, StatusForbidden, ogerrors.CodeSessionInvalid, StageSession)
	assert.Equal(t, KindSession, denial.Kind)
}

func TestIPPolicy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	outside := f.login(t, "u1", "office", "8.8.8.8")
	_, err := f.guard.Do(ctx, Request{Token: outside, IP: "8.8.8.8", Operation: readReports}, nil)
	requireDenial(t, err, StatusForbidden, ogerrors.CodeIPNotAllowed, StageIPPolicy)

	inside := f.login(t, "u2", "office", "10.2.3.4")
	_, err = f.guard.Do(ctx, Request{Token: inside, IP: "10.2.3.4", Operation: readReports}, nil)
	require.NoError(t, err)

	f.monitor.Block("10.2.3.4")
	_, err = f.guard.Do(ctx, Request{Token: inside, IP: "10.2.3.4", Operation: readReports}, nil)
	requireDenial(t, err, StatusForbidden, ogerrors.CodeIPBlocked, StageIPPolicy)

	blacklisted := f.login(t, "u3", "viewer", "6.6.6.6")
	f.limiter.Blacklist("6.6.6.6")
	_, err = f.guard.Do(ctx, Request{Token: blacklisted, IP: "6.6.6.6", Operation: readReports}, nil)
	requireDenial(t, err, StatusForbidden, ogerrors.CodeIPBlocked, StageIPPolicy)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	raw := f.login(t, "u1", "viewer", "ip")
	req := Request{Token: raw, IP: "ip", Operation: readReports}

	for i := 0; i < 3; i++ {
		_, err := f.guard.Do(ctx, req, nil)
		require.NoError(t, err, "call %d", i+1)
	}

	calls := 0
	_, err := f.guard.Do(ctx, req, okOperation(&calls))
	denial := requireDenial(t, err, StatusRateLimited, ogerrors.CodeRateLimited, StageRateLimit)
	assert.Zero(t, denial.Remaining)
	assert.Positive(t, denial.RetryAfter)
	assert.Zero(t, calls)
}

func TestWhitelistedIPSkipsRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	raw := f.login(t, "u1", "viewer", "127.0.0.1")
	f.limiter.Whitelist("127.0.0.1")

	for i := 0; i < 10; i++ {
		_, err := f.guard.Do(ctx, Request{Token: raw, IP: "127.0.0.1", Operation: readReports}, nil)
		require.NoError(t, err)
	}
}

func TestPermission(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	write := Operation{Name: "reports.update", Permission: "reports:write"}

	viewer := f.login(t, "u1", "viewer", "ip")
	_, err := f.guard.Do(ctx, Request{Token: viewer, IP: "ip", Operation: write}, nil)
	requireDenial(t, err, StatusForbidden, ogerrors.CodePermissionDenied, StagePermission)

	allowed, found, err := f.cache.GetDecision(ctx, cache.PermissionKey{PrincipalID: "u1", Role: "viewer", Endpoint: "reports.update#reports:write"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, allowed)

	editor := f.login(t, "u2", "editor", "ip")
	_, err = f.guard.Do(ctx, Request{Token: editor, IP: "ip", Operation: write}, nil)
	require.NoError(t, err)

	restricted := Operation{Name: "reports.purge", Roles: []string{"owner"}}
	_, err = f.guard.Do(ctx, Request{Token: editor, IP: "ip", Operation: restricted}, nil)
	requireDenial(t, err, StatusForbidden, ogerrors.CodePermissionDenied, StagePermission)
}

func TestSuperRoleBypassesOnlyPermission(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	admin := f.login(t, "root", "admin", "ip")

	op := Operation{Name: "system.wipe", Permission: "system:wipe", Roles: []string{"owner"}, MaxPayload: 4}
	_, err := f.guard.Do(ctx, Request{Token: admin, IP: "ip", Operation: op}, nil)
	require.NoError(t, err)

	_, err = f.guard.Do(ctx, Request{Token: admin, IP: "ip", PayloadSize: 5, Operation: op}, nil)
	requireDenial(t, err, StatusPayloadTooLarge, ogerrors.CodePayloadTooLarge, StagePayloadSize)

	_, err = f.guard.Do(ctx, Request{Token: admin, IP: "ip", Operation: op}, nil)
	require.NoError(t, err)

	_, err = f.guard.Do(ctx, Request{Token: admin, IP: "ip", Operation: op}, nil)
	requireDenial(t, err, StatusRateLimited, ogerrors.CodeRateLimited, StageRateLimit)

	_, err = f.guard.Do(ctx, Request{IP: "ip", Operation: op}, nil)
	requireDenial(t, err, StatusUnauthorized, ogerrors.CodeTokenMissing, StageAuthenticate)
}

func TestPayloadLimitUsesRolePolicy(t *testing.T) {
	f := newFixture(t, nil)
	raw := f.login(t, "u1", "viewer", "ip")

	_, err := f.guard.Do(context.Background(), Request{Token: raw, IP: "ip", Body: make([]byte, 65), Operation: readReports}, nil)
	requireDenial(t, err, StatusPayloadTooLarge, ogerrors.CodePayloadTooLarge, StagePayloadSize)
}

func TestFieldValidation(t *testing.T) {
	f := newFixture(t, func(p *policy.Policy) {
		p.DefaultRole.RateLimit = 100
	})
	ctx := context.Background()
	raw := f.login(t, "u1", "editor", "ip")
	op := Operation{Name: "reports.create", Permission: "reports:write", Write: true, RequiredFields: []string{"title", "owner", "period"}}

	_, err := f.guard.Do(ctx, Request{Token: raw, IP: "ip", Body: []byte(`{"title":"q1","owner":null,"period":""}`), Operation: op}, nil)
	denial := requireDenial(t, err, StatusValidationError, ogerrors.CodeMissingFields, StageValidateFields)
	assert.Equal(t, []string{"owner", "period"}, denial.MissingFields)

	_, err = f.guard.Do(ctx, Request{Token: raw, IP: "ip", Body: []byte(`[1,2]`), Operation: op}, nil)
	requireDenial(t, err, StatusValidationError, ogerrors.CodeInvalidBody, StageValidateFields)

	result, err := f.guard.Do(ctx, Request{Token: raw, IP: "ip", Body: []byte(`{"title":"q1","owner":"ana","period":0}`), Operation: op},
		func(ctx context.Context, state *State) (any, error) {
			return state.Fields["owner"], nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ana", result)
}

func TestOperationErrorPassesThrough(t *testing.T) {
	f := newFixture(t, nil)
	raw := f.login(t, "u1", "viewer", "ip")
	notFound := errors.New("report not found")

	_, err := f.guard.Do(context.Background(), Request{Token: raw, IP: "ip", Operation: readReports},
		func(context.Context, *State) (any, error) { return nil, notFound })
	assert.Same(t, notFound, err)
	assert.Equal(t, audit.OutcomeError, f.auditor.last(t).Outcome)
	assert.Equal(t, []string{string(StatusOperationError)}, f.metrics.statuses)
}

func TestPanicBecomesInternalError(t *testing.T) {
	f := newFixture(t, nil)
	raw := f.login(t, "u1", "viewer", "ip")
	ctx := context.Background()

	_, err := f.guard.Do(ctx, Request{Token: raw, IP: "ip", Operation: readReports},
		func(context.Context, *State) (any, error) { panic("corrupted state") })
	denial := requireDenial(t, err, StatusInternalError, ogerrors.CodeUnknown, StageOperation)
	assert.Equal(t, KindInternal, denial.Kind)

	_, err = f.guard.Do(ctx, Request{Token: raw, IP: "ip", Operation: readReports}, nil)
	require.NoError(t, err, "a panic must only affect its own call")
}

type failingLimiter struct{}

func (failingLimiter) Check(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, ogerrors.Wrap(ogerrors.CodeStorageUnavailable, "store down", errors.New("dial tcp: refused"))
}

func (failingLimiter) IsWhitelisted(string) bool { return false }
func (failingLimiter) IsBlacklisted(string) bool { return false }

func TestStageErrorBecomesInternalError(t *testing.T) {
	tokens, err := token.NewManager(token.Config{Secret: testSecret})
	require.NoError(t, err)
	sessions := session.NewRegistry(session.Config{})
	g, err := New(Config{Policy: testPolicy(), Tokens: tokens, Sessions: sessions, Limiter: failingLimiter{}})
	require.NoError(t, err)

	ctx := context.Background()
	pair, err := tokens.Generate(ctx, "u1", "viewer", 0)
	require.NoError(t, err)
	_, err = sessions.Create(ctx, "u1", pair.AccessToken, "ip")
	require.NoError(t, err)

	_, err = g.Do(ctx, Request{Token: pair.AccessToken, IP: "ip", Operation: readReports}, nil)
	denial := requireDenial(t, err, StatusInternalError, ogerrors.CodeStorageUnavailable, StageRateLimit)
	assert.Equal(t, 500, denial.HTTPStatus())
}

func TestNewRequiresCollaborators(t *testing.T) {
	tokens, err := token.NewManager(token.Config{Secret: testSecret})
	require.NoError(t, err)

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrMissingTokens)
	_, err = New(Config{Tokens: tokens})
	assert.ErrorIs(t, err, ErrMissingSessions)
	_, err = New(Config{Tokens: tokens, Sessions: session.NewRegistry(session.Config{})})
	assert.ErrorIs(t, err, ErrMissingLimiter)
}

func TestMissingFields(t *testing.T) {
	fields := map[string]any{"a": "x", "b": "", "c": nil, "d": false}
	assert.Equal(t, []string{"b", "c", "e"}, MissingFields(fields, []string{"a", "b", "c", "d", "e"}))
	assert.Empty(t, MissingFields(fields, nil))
}

func TestDenialHTTPStatus(t *testing.T) {
	cases := map[Status]int{
		StatusUnauthorized:    401,
		StatusForbidden:       403,
		StatusRateLimited:     429,
		StatusPayloadTooLarge: 413,
		StatusValidationError: 400,
		StatusInternalError:   500,
	}
	for status, want := range cases {
		assert.Equal(t, want, (&Denial{Status: status}).HTTPStatus(), status)
	}
}

func TestDenialBody(t *testing.T) {
	limited := (&Denial{
		Status:     StatusRateLimited,
		Code:       ogerrors.CodeRateLimited,
		Message:    "slow down",
		Stage:      StageRateLimit,
		RetryAfter: 1500 * time.Millisecond,
	}).Body()
	require.NotNil(t, limited.Remaining)
	assert.Equal(t, 0, *limited.Remaining)
	assert.Equal(t, 2, limited.RetryAfterSeconds)
	assert.Equal(t, "slow down", limited.Message)

	missing := (&Denial{Status: StatusValidationError, MissingFields: []string{"title"}}).Body()
	assert.Nil(t, missing.Remaining)
	assert.Equal(t, []string{"title"}, missing.MissingFields)
	assert.Equal(t, string(StatusValidationError), missing.Message)

	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 60, RetryAfterSeconds(time.Minute))
}
