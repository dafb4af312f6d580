package openguard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthorian/openguard/pkg/audit"
	oerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/guard"
	"github.com/porthorian/openguard/pkg/policy"
	"github.com/porthorian/openguard/pkg/storage"
	httptransport "github.com/porthorian/openguard/pkg/transport/http"
)

var testSecret = []byte("openguard-client-secret-0123456789")

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) WriteBatch(_ context.Context, events []audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Action)
	}
	return out
}

func testPolicy() policy.Policy {
	p := policy.Default()
	p.SuperRole = "admin"
	p.Roles = map[string]policy.RolePolicy{
		"admin":  {},
		"viewer": {Permissions: []string{"reports:read"}},
	}
	return p
}

func newClient(t *testing.T, mutate func(*Config)) *Client {
	t.Helper()

	config := Config{Policy: testPolicy(), Secret: testSecret}
	if mutate != nil {
		mutate(&config)
	}
	client, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

var readReports = guard.Operation{Name: "reports.list", Permission: "reports:read"}

func listReports(ctx context.Context, state *guard.State) (any, error) {
	return "reports for " + state.PrincipalID, nil
}

func TestLoginGuardLogout(t *testing.T) {
	sink := &captureSink{}
	client := newClient(t, func(c *Config) { c.AuditSink = sink })
	ctx := context.Background()

	login, err := client.Login(ctx, LoginInput{PrincipalID: " u1 ", Role: "viewer", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", login.Session.PrincipalID)
	assert.NotEmpty(t, login.Tokens.RefreshToken)

	result, err := client.Do(ctx, guard.Request{Token: login.Tokens.AccessToken, IP: "10.0.0.1"}, listReports)
	require.NoError(t, err)
	assert.Equal(t, "reports for u1", result)

	snapshot, found, err := client.Principal(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "viewer", snapshot.Role)
	assert.Equal(t, []string{"reports:read"}, snapshot.Permissions)

	_, err = client.Do(ctx, guard.Request{
		Token:     login.Tokens.AccessToken,
		IP:        "10.0.0.1",
		Operation: guard.Operation{Name: "reports.delete", Permission: "reports:delete"},
	}, listReports)
	denial, ok := guard.AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, guard.StatusForbidden, denial.Status)

	require.NoError(t, client.Logout(ctx, LogoutInput{AccessToken: login.Tokens.AccessToken, RefreshToken: login.Tokens.RefreshToken}))
	require.NoError(t, client.Logout(ctx, LogoutInput{AccessToken: login.Tokens.AccessToken}), "logout should be idempotent")

	_, found, err = client.Principal(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = client.Do(ctx, guard.Request{Token: login.Tokens.AccessToken, IP: "10.0.0.1", Operation: readReports}, listReports)
	denial, ok = guard.AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, oerrors.CodeTokenBlacklisted, denial.Code)

	_, err = client.Refresh(ctx, login.Tokens.RefreshToken, "10.0.0.1")
	assert.True(t, oerrors.IsCode(err, oerrors.CodeTokenBlacklisted), "got %v", err)

	require.NoError(t, client.Auditor().FlushNow(ctx))
	actions := sink.actions()
	assert.Contains(t, actions, "login")
	assert.Contains(t, actions, "reports.delete")
	assert.Contains(t, actions, "logout")
}

func (s *captureSink) outcome(action string) audit.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if event.Action == action {
			return event.Outcome
		}
	}
	return ""
}

func TestOversizedBodyIsAuditedAndMonitored(t *testing.T) {
	sink := &captureSink{}
	client := newClient(t, func(c *Config) { c.AuditSink = sink })
	ctx := context.Background()

	login, err := client.Login(ctx, LoginInput{PrincipalID: "u1", Role: "viewer", IP: "10.0.0.1"})
	require.NoError(t, err)

	handler := httptransport.Middleware(client.Guard(), readReports, httptransport.MiddlewareConfig{MaxBodyBytes: 4})(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler must not run")
		}),
	)
	req := httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(`{"title":"far too long"}`))
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("Authorization", "Bearer "+login.Tokens.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), client.Monitor().Summary().Totals["payload_too_large"])

	require.NoError(t, client.Auditor().FlushNow(ctx))
	assert.Equal(t, audit.OutcomeDenied, sink.outcome("reports.list"))
}

func TestRefreshOpensSession(t *testing.T) {
	client := newClient(t, nil)
	ctx := context.Background()

	login, err := client.Login(ctx, LoginInput{PrincipalID: "u1", Role: "viewer", IP: "10.0.0.1"})
	require.NoError(t, err)

	refreshed, err := client.Refresh(ctx, login.Tokens.RefreshToken, "10.0.0.2")
	require.NoError(t, err)
	assert.NotEqual(t, login.Tokens.AccessToken, refreshed.Tokens.AccessToken)
	assert.Equal(t, "u1", refreshed.Session.PrincipalID)

	_, err = client.Do(ctx, guard.Request{Token: refreshed.Tokens.AccessToken, IP: "10.0.0.2", Operation: readReports}, listReports)
	require.NoError(t, err)

	active, err := client.Sessions().Active(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestLoginRejectsUnknownRole(t *testing.T) {
	client := newClient(t, nil)

	_, err := client.Login(context.Background(), LoginInput{PrincipalID: "u1", Role: "intern"})
	assert.ErrorIs(t, err, oerrors.ErrUnknownRole)

	_, err = client.Login(context.Background(), LoginInput{PrincipalID: "mallory"})
	assert.ErrorIs(t, err, oerrors.ErrUnknownRole, "an empty role must not be promoted")
}

func TestRolelessLoginGetsDefaultRoleOnly(t *testing.T) {
	p := policy.Default()
	p.SuperRole = "admin"
	client := newClient(t, func(c *Config) { c.Policy = p })
	ctx := context.Background()

	login, err := client.Login(ctx, LoginInput{PrincipalID: "mallory", IP: "10.0.0.1"})
	require.NoError(t, err)
	verification, err := client.Tokens().Verify(ctx, login.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, verification.Claims.Role)

	deleteUsers := guard.Operation{Name: "users.delete", Permission: "users:delete"}
	_, err = client.Do(ctx, guard.Request{Token: login.Tokens.AccessToken, IP: "10.0.0.1", Operation: deleteUsers}, listReports)
	var denial *guard.Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, guard.StatusForbidden, denial.Status)
}

func TestRecordLoginFailureFlagsPrincipal(t *testing.T) {
	client := newClient(t, func(c *Config) { c.Policy.Monitor.FailedAuthThreshold = 2 })
	ctx := context.Background()

	client.RecordLoginFailure(ctx, "mallory", "10.9.9.9", "bad password")
	assert.False(t, client.Monitor().IsSuspicious("mallory"))
	client.RecordLoginFailure(ctx, "mallory", "10.9.9.9", "bad password")
	assert.True(t, client.Monitor().IsSuspicious("mallory"))
	assert.Less(t, client.Monitor().SecurityScore(), 100)
}

func TestSharedStateAcrossClients(t *testing.T) {
	server := miniredis.RunT(t)
	shared := func(c *Config) {
		c.Runtime.State = StateConfig{Backend: StateBackendRedis, Redis: RedisStateConfig{Address: server.Addr()}}
	}
	first := newClient(t, shared)
	second := newClient(t, shared)
	ctx := context.Background()

	login, err := first.Login(ctx, LoginInput{PrincipalID: "u1", Role: "viewer", IP: "10.0.0.1"})
	require.NoError(t, err)

	_, err = second.Do(ctx, guard.Request{Token: login.Tokens.AccessToken, IP: "10.0.0.1", Operation: readReports}, listReports)
	require.NoError(t, err, "the session opened by one client should verify on another")

	require.NoError(t, second.Logout(ctx, LogoutInput{AccessToken: login.Tokens.AccessToken}))
	_, err = first.Do(ctx, guard.Request{Token: login.Tokens.AccessToken, IP: "10.0.0.1", Operation: readReports}, listReports)
	denial, ok := guard.AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, oerrors.CodeTokenBlacklisted, denial.Code)
}

func TestSQLiteAuditStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	client := newClient(t, func(c *Config) {
		c.Runtime.Storage = StorageConfig{Backend: StorageBackendSQLite, SQLite: SQLiteConfig{Path: path}}
	})
	ctx := context.Background()

	_, err := client.Login(ctx, LoginInput{PrincipalID: "u1", Role: "viewer", IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, client.Auditor().FlushNow(ctx))

	require.NotNil(t, client.AuditLog())
	records, err := client.AuditLog().ListAudit(ctx, storage.AuditQuery{PrincipalID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "login", records[0].Action)
	assert.Equal(t, "viewer", records[0].Metadata["role"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		config Config
		check  func(t *testing.T, err error)
	}{
		{
			name:   "missing secret",
			config: Config{Policy: testPolicy()},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, oerrors.ErrMissingSecret)
			},
		},
		{
			name: "invalid policy",
			config: Config{Secret: testSecret, Policy: policy.Policy{
				SuperRole: "ghost",
				Roles:     map[string]policy.RolePolicy{"viewer": {}},
			}},
			check: func(t *testing.T, err error) {
				assert.True(t, oerrors.IsCode(err, oerrors.CodeInvalidConfig), "got %v", err)
			},
		},
		{
			name:   "unknown state backend",
			config: Config{Secret: testSecret, Runtime: RuntimeConfig{State: StateConfig{Backend: "etcd"}}},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "runtime.state.backend")
			},
		},
		{
			name:   "redis without address",
			config: Config{Secret: testSecret, Runtime: RuntimeConfig{State: StateConfig{Backend: StateBackendRedis}}},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "runtime.state.redis.address")
			},
		},
		{
			name:   "postgres without dsn",
			config: Config{Secret: testSecret, Runtime: RuntimeConfig{Storage: StorageConfig{Backend: StorageBackendPostgres}}},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "runtime.storage.postgres.dsn")
			},
		},
		{
			name:   "unknown storage backend",
			config: Config{Secret: testSecret, Runtime: RuntimeConfig{Storage: StorageConfig{Backend: "mysql"}}},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "runtime.storage.backend")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(tc.config)
			require.Error(t, err)
			assert.Nil(t, client)
			tc.check(t, err)
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, err := New(Config{Policy: testPolicy(), Secret: testSecret})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	var nilClient *Client
	assert.NoError(t, nilClient.Close())
	_, err = nilClient.Login(context.Background(), LoginInput{PrincipalID: "u1"})
	assert.ErrorIs(t, err, oerrors.ErrClientClosed)
}

func TestJoinClosersRunsInReverse(t *testing.T) {
	var order []int
	closeErr := errors.New("second failed")
	closer := joinClosers(
		func() error { order = append(order, 1); return nil },
		nil,
		func() error { order = append(order, 2); return closeErr },
	)

	assert.ErrorIs(t, closer(), closeErr)
	assert.Equal(t, []int{2, 1}, order)
}
