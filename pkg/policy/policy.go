// Package policy holds the typed security configuration: per-role limits
// and grants plus the settings of every stateful component.
package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

const (
	DefaultRateLimit            = 100
	DefaultWindowSeconds        = 60
	DefaultTokenExpirationHours = 1
	DefaultMaxPayloadBytes      = 1 << 20

	DefaultCacheMaxSize          = 1000
	DefaultCacheTTLSeconds       = 300
	DefaultMaxSessionsPerUser    = 5
	DefaultSessionTTLSeconds     = 86400
	DefaultAuditBatchSize        = 100
	DefaultAuditFlushSeconds     = 30
	DefaultMonitorCapacity       = 1000
	DefaultFailedAuthThreshold   = 5
	DefaultRateLimitThreshold    = 10
	DefaultRefreshTTLHours       = 168
	DefaultSweepIntervalSeconds  = 600
	DefaultLimiterCleanupSeconds = 300
)

type IPBinding string

const (
	IPBindingStrict IPBinding = "strict"
	IPBindingNone   IPBinding = "none"
)

type RolePolicy struct {
	RateLimit            int      `yaml:"rate_limit,omitempty"`
	WindowSeconds        int      `yaml:"window_seconds,omitempty"`
	IPWhitelist          []string `yaml:"ip_whitelist,omitempty"`
	TokenExpirationHours int      `yaml:"token_expiration_hours,omitempty"`
	Permissions          []string `yaml:"permissions,omitempty"`
	MaxPayloadBytes      int64    `yaml:"max_payload_bytes,omitempty"`
}

func (r RolePolicy) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

func (r RolePolicy) TokenTTL() time.Duration {
	return time.Duration(r.TokenExpirationHours) * time.Hour
}

// AllowsIP reports whether ip matches the whitelist by exact address or
// CIDR prefix. An empty whitelist admits every address.
func (r RolePolicy) AllowsIP(ip string) bool {
	if len(r.IPWhitelist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range r.IPWhitelist {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(entry)
		if err == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

type CacheSettings struct {
	MaxSize    int `yaml:"max_size,omitempty"`
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
}

func (c CacheSettings) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type SessionSettings struct {
	MaxSessionsPerUser int       `yaml:"max_sessions_per_user,omitempty"`
	SessionTTLSeconds  int       `yaml:"session_ttl_seconds,omitempty"`
	IPBinding          IPBinding `yaml:"ip_binding,omitempty"`
	// SweepIntervalSeconds paces the loop dropping expired in-process sessions.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds,omitempty"`
}

func (s SessionSettings) TTL() time.Duration {
	return time.Duration(s.SessionTTLSeconds) * time.Second
}

func (s SessionSettings) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

type AuditSettings struct {
	BatchSize            int `yaml:"batch_size,omitempty"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds,omitempty"`
}

func (a AuditSettings) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalSeconds) * time.Second
}

type MonitorSettings struct {
	Capacity            int `yaml:"capacity,omitempty"`
	FailedAuthThreshold int `yaml:"failed_auth_threshold,omitempty"`
	RateLimitThreshold  int `yaml:"rate_limit_threshold,omitempty"`
}

type TokenSettings struct {
	Issuer               string `yaml:"issuer,omitempty"`
	RefreshTTLHours      int    `yaml:"refresh_ttl_hours,omitempty"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds,omitempty"`
}

func (t TokenSettings) RefreshTTL() time.Duration {
	return time.Duration(t.RefreshTTLHours) * time.Hour
}

func (t TokenSettings) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSeconds) * time.Second
}

// LimiterSettings lists identifiers the rate limiter always admits or
// always rejects. Identifiers are principal ids or IP addresses.
type LimiterSettings struct {
	Whitelist              []string `yaml:"whitelist,omitempty"`
	Blacklist              []string `yaml:"blacklist,omitempty"`
	CleanupIntervalSeconds int      `yaml:"cleanup_interval_seconds,omitempty"`
}

func (l LimiterSettings) CleanupInterval() time.Duration {
	return time.Duration(l.CleanupIntervalSeconds) * time.Second
}

type Policy struct {
	// SuperRole skips the permission stage only.
	SuperRole   string                `yaml:"super_role,omitempty"`
	DefaultRole RolePolicy            `yaml:"default_role"`
	Roles       map[string]RolePolicy `yaml:"roles,omitempty"`
	Cache       CacheSettings         `yaml:"cache"`
	Session     SessionSettings       `yaml:"session"`
	Audit       AuditSettings         `yaml:"audit"`
	Monitor     MonitorSettings       `yaml:"monitor"`
	Token       TokenSettings         `yaml:"token"`
	Limiter     LimiterSettings       `yaml:"limiter"`
}

func Default() Policy {
	policy := Policy{}
	policy.ApplyDefaults()
	return policy
}

// ApplyDefaults fills every unset numeric setting. Explicit values are kept.
func (p *Policy) ApplyDefaults() {
	defaultInt(&p.DefaultRole.RateLimit, DefaultRateLimit)
	defaultInt(&p.DefaultRole.WindowSeconds, DefaultWindowSeconds)
	defaultInt(&p.DefaultRole.TokenExpirationHours, DefaultTokenExpirationHours)
	if p.DefaultRole.MaxPayloadBytes == 0 {
		p.DefaultRole.MaxPayloadBytes = DefaultMaxPayloadBytes
	}

	defaultInt(&p.Cache.MaxSize, DefaultCacheMaxSize)
	defaultInt(&p.Cache.TTLSeconds, DefaultCacheTTLSeconds)
	defaultInt(&p.Session.MaxSessionsPerUser, DefaultMaxSessionsPerUser)
	defaultInt(&p.Session.SessionTTLSeconds, DefaultSessionTTLSeconds)
	defaultInt(&p.Session.SweepIntervalSeconds, DefaultSweepIntervalSeconds)
	if p.Session.IPBinding == "" {
		p.Session.IPBinding = IPBindingStrict
	}
	defaultInt(&p.Audit.BatchSize, DefaultAuditBatchSize)
	defaultInt(&p.Audit.FlushIntervalSeconds, DefaultAuditFlushSeconds)
	defaultInt(&p.Monitor.Capacity, DefaultMonitorCapacity)
	defaultInt(&p.Monitor.FailedAuthThreshold, DefaultFailedAuthThreshold)
	defaultInt(&p.Monitor.RateLimitThreshold, DefaultRateLimitThreshold)
	defaultInt(&p.Token.RefreshTTLHours, DefaultRefreshTTLHours)
	defaultInt(&p.Token.SweepIntervalSeconds, DefaultSweepIntervalSeconds)
	defaultInt(&p.Limiter.CleanupIntervalSeconds, DefaultLimiterCleanupSeconds)
}

// For returns the effective policy of role: its own settings with unset
// fields taken from DefaultRole. Unknown roles get DefaultRole.
func (p Policy) For(role string) RolePolicy {
	base := p.DefaultRole
	own, ok := p.Roles[role]
	if !ok {
		return base
	}

	if own.RateLimit == 0 {
		own.RateLimit = base.RateLimit
	}
	if own.WindowSeconds == 0 {
		own.WindowSeconds = base.WindowSeconds
	}
	if own.TokenExpirationHours == 0 {
		own.TokenExpirationHours = base.TokenExpirationHours
	}
	if own.MaxPayloadBytes == 0 {
		own.MaxPayloadBytes = base.MaxPayloadBytes
	}
	if own.IPWhitelist == nil {
		own.IPWhitelist = base.IPWhitelist
	}
	if own.Permissions == nil {
		own.Permissions = base.Permissions
	}
	return own
}

// Grants returns the role → permissions table used to build an authz matrix.
func (p Policy) Grants() map[string][]string {
	grants := make(map[string][]string, len(p.Roles))
	for role := range p.Roles {
		grants[role] = p.For(role).Permissions
	}
	return grants
}

// RoleNames returns the configured roles in sorted order.
func (p Policy) RoleNames() []string {
	names := make([]string, 0, len(p.Roles))
	for role := range p.Roles {
		names = append(names, role)
	}
	sort.Strings(names)
	return names
}

type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("policy: %s %s", e.Field, e.Reason)
}

// Validate reports every problem at once, joined with errors.Join.
func (p Policy) Validate() error {
	var errs []error
	add := func(field string, reason string) {
		errs = append(errs, &FieldError{Field: field, Reason: reason})
	}

	validateRole := func(prefix string, role RolePolicy) {
		if role.RateLimit < 0 {
			add(prefix+".rate_limit", "must not be negative")
		}
		if role.WindowSeconds < 0 {
			add(prefix+".window_seconds", "must not be negative")
		}
		if role.TokenExpirationHours < 0 {
			add(prefix+".token_expiration_hours", "must not be negative")
		}
		if role.MaxPayloadBytes < 0 {
			add(prefix+".max_payload_bytes", "must not be negative")
		}
		for i, entry := range role.IPWhitelist {
			if !validIPEntry(entry) {
				add(fmt.Sprintf("%s.ip_whitelist[%d]", prefix, i), fmt.Sprintf("%q is not an address or CIDR prefix", entry))
			}
		}
	}

	validateRole("default_role", p.DefaultRole)
	for _, name := range p.RoleNames() {
		if strings.TrimSpace(name) == "" {
			add("roles", "contains an empty role name")
			continue
		}
		validateRole("roles."+name, p.Roles[name])
	}
	if p.SuperRole != "" && len(p.Roles) > 0 {
		if _, ok := p.Roles[p.SuperRole]; !ok {
			add("super_role", fmt.Sprintf("%q is not a configured role", p.SuperRole))
		}
	}

	positive := map[string]int{
		"cache.max_size":                   p.Cache.MaxSize,
		"cache.ttl_seconds":                p.Cache.TTLSeconds,
		"session.max_sessions_per_user":    p.Session.MaxSessionsPerUser,
		"session.session_ttl_seconds":      p.Session.SessionTTLSeconds,
		"session.sweep_interval_seconds":   p.Session.SweepIntervalSeconds,
		"audit.batch_size":                 p.Audit.BatchSize,
		"audit.flush_interval_seconds":     p.Audit.FlushIntervalSeconds,
		"monitor.capacity":                 p.Monitor.Capacity,
		"monitor.failed_auth_threshold":    p.Monitor.FailedAuthThreshold,
		"monitor.rate_limit_threshold":     p.Monitor.RateLimitThreshold,
		"token.refresh_ttl_hours":          p.Token.RefreshTTLHours,
		"token.sweep_interval_seconds":     p.Token.SweepIntervalSeconds,
		"limiter.cleanup_interval_seconds": p.Limiter.CleanupIntervalSeconds,
	}
	fields := make([]string, 0, len(positive))
	for field := range positive {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if positive[field] <= 0 {
			add(field, "must be greater than zero")
		}
	}

	switch p.Session.IPBinding {
	case IPBindingStrict, IPBindingNone:
	default:
		add("session.ip_binding", fmt.Sprintf("%q must be %q or %q", p.Session.IPBinding, IPBindingStrict, IPBindingNone))
	}

	return errors.Join(errs...)
}

func validIPEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

func defaultInt(value *int, fallback int) {
	if *value == 0 {
		*value = fallback
	}
}
