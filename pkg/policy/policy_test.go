package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	policy := Default()

	assert.Equal(t, DefaultCacheMaxSize, policy.Cache.MaxSize)
	assert.Equal(t, DefaultCacheTTLSeconds, policy.Cache.TTLSeconds)
	assert.Equal(t, DefaultMaxSessionsPerUser, policy.Session.MaxSessionsPerUser)
	assert.Equal(t, IPBindingStrict, policy.Session.IPBinding)
	assert.Equal(t, DefaultAuditBatchSize, policy.Audit.BatchSize)
	assert.Equal(t, DefaultRefreshTTLHours, policy.Token.RefreshTTLHours)
	assert.Equal(t, DefaultSweepIntervalSeconds*time.Second, policy.Session.SweepInterval())
	assert.NoError(t, policy.Validate())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		errField string
		check    func(t *testing.T, p Policy)
	}{
		{
			name: "complete policy",
			content: `
super_role: admin
default_role:
  rate_limit: 30
  window_seconds: 60
roles:
  admin:
    permissions: ["*"]
  analyst:
    rate_limit: 5
    window_seconds: 10
    token_expiration_hours: 8
    ip_whitelist: ["10.0.0.0/8", "192.168.1.10"]
    permissions: ["reports:read"]
cache:
  max_size: 50
  ttl_seconds: 120
session:
  max_sessions_per_user: 2
  session_ttl_seconds: 3600
  ip_binding: none
audit:
  batch_size: 10
  flush_interval_seconds: 5
`,
			check: func(t *testing.T, p Policy) {
				assert.Equal(t, "admin", p.SuperRole)
				assert.Equal(t, 50, p.Cache.MaxSize)
				assert.Equal(t, IPBindingNone, p.Session.IPBinding)
				assert.Equal(t, 10, p.Audit.BatchSize)

				analyst := p.For("analyst")
				assert.Equal(t, 5, analyst.RateLimit)
				assert.Equal(t, int64(DefaultMaxPayloadBytes), analyst.MaxPayloadBytes)
				assert.True(t, analyst.AllowsIP("10.4.5.6"))
				assert.True(t, analyst.AllowsIP("192.168.1.10"))
				assert.False(t, analyst.AllowsIP("192.168.1.11"))

				admin := p.For("admin")
				assert.Equal(t, 30, admin.RateLimit)
				assert.Empty(t, admin.IPWhitelist)
			},
		},
		{
			name:    "empty document uses defaults",
			content: "",
			check: func(t *testing.T, p Policy) {
				assert.Equal(t, Default(), p)
			},
		},
		{
			name:     "unknown keys are rejected",
			content:  "cache:\n  max_entries: 5\n",
			errField: "decode",
		},
		{
			name:     "bad whitelist entry",
			content:  "roles:\n  viewer:\n    ip_whitelist: [\"not-an-ip\"]\n",
			errField: "roles.viewer.ip_whitelist[0]",
		},
		{
			name:     "bad ip binding",
			content:  "session:\n  ip_binding: loose\n",
			errField: "session.ip_binding",
		},
		{
			name:     "super role must exist",
			content:  "super_role: root\nroles:\n  viewer: {}\n",
			errField: "super_role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.content))
			if tt.errField != "" {
				require.Error(t, err)
				var fieldErr *FieldError
				if errors.As(err, &fieldErr) {
					assert.Equal(t, tt.errField, fieldErr.Field)
				} else {
					assert.Contains(t, err.Error(), tt.errField)
				}
				return
			}
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	p := Default()
	p.Cache.MaxSize = -1
	p.Audit.BatchSize = -3
	p.DefaultRole.RateLimit = -1

	err := p.Validate()
	require.Error(t, err)

	var fields []string
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var fieldErr *FieldError
		require.ErrorAs(t, e, &fieldErr)
		fields = append(fields, fieldErr.Field)
	}
	assert.ElementsMatch(t, []string{"default_role.rate_limit", "cache.max_size", "audit.batch_size"}, fields)
}

func TestForUnknownRoleUsesDefault(t *testing.T) {
	p := Default()
	p.DefaultRole.Permissions = []string{"reports:read"}

	got := p.For("nobody")
	assert.Equal(t, p.DefaultRole, got)
}

func TestGrants(t *testing.T) {
	p := Default()
	p.DefaultRole.Permissions = []string{"base"}
	p.Roles = map[string]RolePolicy{
		"viewer": {},
		"editor": {Permissions: []string{"write"}},
	}

	grants := p.Grants()
	assert.Equal(t, []string{"base"}, grants["viewer"])
	assert.Equal(t, []string{"write"}, grants["editor"])
	assert.Equal(t, []string{"editor", "viewer"}, p.RoleNames())
}

func TestAllowsIPEmptyWhitelist(t *testing.T) {
	assert.True(t, RolePolicy{}.AllowsIP("anything"))
	assert.False(t, RolePolicy{IPWhitelist: []string{"10.0.0.1"}}.AllowsIP("garbage"))
	assert.True(t, RolePolicy{IPWhitelist: []string{"10.0.0.1"}}.AllowsIP("::ffff:10.0.0.1"))
}

func TestLoadAndMarshalRoundTrip(t *testing.T) {
	original := Default()
	original.Roles = map[string]RolePolicy{"viewer": {RateLimit: 7, Permissions: []string{"reports:read"}}}

	data, err := Marshal(original)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
