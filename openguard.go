// Package openguard assembles the access-control components into a single
// Client: token lifecycle, sessions, rate limiting, permission caching,
// security monitoring, audit batching and the request guard that composes
// them.
package openguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"

	"github.com/porthorian/openguard/pkg/audit"
	"github.com/porthorian/openguard/pkg/cache"
	cachememory "github.com/porthorian/openguard/pkg/cache/memory"
	cacheshared "github.com/porthorian/openguard/pkg/cache/shared"
	oerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/guard"
	"github.com/porthorian/openguard/pkg/instrumentation"
	"github.com/porthorian/openguard/pkg/policy"
	"github.com/porthorian/openguard/pkg/ratelimit"
	"github.com/porthorian/openguard/pkg/security"
	"github.com/porthorian/openguard/pkg/session"
	"github.com/porthorian/openguard/pkg/storage"
	"github.com/porthorian/openguard/pkg/store"
	"github.com/porthorian/openguard/pkg/token"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	Policy policy.Policy
	Secret []byte
	Logger logr.Logger
	// Meter receives guard, audit, token and security metrics. Nil disables them.
	Meter   metric.MeterProvider
	Runtime RuntimeConfig
	// AuditSink receives audit batches in addition to the log and any
	// configured storage backend.
	AuditSink audit.Sink
	Now       func() time.Time
}

type Client struct {
	policy   policy.Policy
	logger   logr.Logger
	metrics  *instrumentation.Metrics
	tokens   *token.Manager
	sessions *session.Registry
	limiter  *ratelimit.Limiter
	monitor  *security.Monitor
	recorder *audit.Recorder
	guard    *guard.Guard
	auditLog storage.AuditLogStore

	permissions cache.PermissionCache
	principals  cache.PrincipalCache

	closeOnce     sync.Once
	closeErr      error
	closeResource func() error
}

// New builds every component once from config. Background loops for token
// and session sweeping, audit flushing and limiter cleanup start immediately and stop on
// Close.
func New(config Config) (*Client, error) {
	ctx := context.Background()
	logger := resolveLogger(config.Logger)
	config.Logger = logger
	if config.Now == nil {
		config.Now = time.Now
	}

	p := config.Policy
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, oerrors.Wrap(oerrors.CodeInvalidConfig, "invalid policy", err)
	}

	metrics, err := instrumentation.New(config.Meter)
	if err != nil {
		return nil, fmt.Errorf("openguard config: failed to create instruments: %w", err)
	}

	resources, err := config.Runtime.initialize(ctx, config)
	if err != nil {
		return nil, err
	}
	shared := resources.state

	tokens, err := token.NewManager(token.Config{
		Secret:        config.Secret,
		Issuer:        p.Token.Issuer,
		AccessTTL:     p.DefaultRole.TokenTTL(),
		RefreshTTL:    p.Token.RefreshTTL(),
		SweepInterval: p.Token.SweepInterval(),
		Store:         shared,
		Logger:        logger,
		Now:           config.Now,
	})
	if err != nil {
		_ = resources.close()
		return nil, err
	}

	permissions, principals, err := newCaches(p, shared, config.Now)
	if err != nil {
		_ = resources.close()
		return nil, err
	}

	client := &Client{
		policy:      p,
		logger:      logger,
		metrics:     metrics,
		tokens:      tokens,
		permissions: permissions,
		principals:  principals,
		sessions: session.NewRegistry(session.Config{
			MaxSessionsPerUser: p.Session.MaxSessionsPerUser,
			SessionTTL:         p.Session.TTL(),
			IPBinding:          session.IPBinding(p.Session.IPBinding),
			SweepInterval:      p.Session.SweepInterval(),
			Store:              shared,
			Logger:             logger,
			Now:                config.Now,
		}),
		limiter: ratelimit.New(ratelimit.Config{
			Whitelist:       p.Limiter.Whitelist,
			Blacklist:       p.Limiter.Blacklist,
			Store:           shared,
			CleanupInterval: p.Limiter.CleanupInterval(),
			Logger:          logger,
			Now:             config.Now,
		}),
		monitor: security.NewMonitor(security.Config{
			Capacity:            p.Monitor.Capacity,
			FailedAuthThreshold: p.Monitor.FailedAuthThreshold,
			RateLimitThreshold:  p.Monitor.RateLimitThreshold,
			Store:               shared,
			Observer:            metrics,
			Logger:              logger,
			Now:                 config.Now,
		}),
	}
	client.auditLog = resources.storage

	client.recorder = audit.NewRecorder(audit.RecorderConfig{
		Batcher: audit.Config{
			BatchSize:     p.Audit.BatchSize,
			FlushInterval: p.Audit.FlushInterval(),
			Now:           config.Now,
		},
		Sink:         auditSinks(logger, resources.storage, config.AuditSink),
		Observer:     metrics,
		Logger:       logger,
		WriteTimeout: shutdownTimeout,
	})

	client.guard, err = guard.New(guard.Config{
		Policy:      p,
		Tokens:      client.tokens,
		Sessions:    client.sessions,
		Limiter:     client.limiter,
		Permissions: permissions,
		Principals:  principals,
		Monitor:     client.monitor,
		Auditor:     client.recorder,
		Metrics:     metrics,
		Logger:      logger,
		Now:         config.Now,
	})
	if err != nil {
		client.limiter.Stop()
		_ = resources.close()
		return nil, err
	}

	client.tokens.Start()
	client.sessions.Start()
	client.recorder.Start()
	client.closeResource = resources.close

	logger.V(1).Info("openguard client ready", "roles", len(p.Roles), "shared_state", shared != nil, "audit_storage", resources.storage != nil)
	return client, nil
}

func (c *Client) Guard() *guard.Guard { return c.guard }

func (c *Client) Tokens() *token.Manager { return c.tokens }

func (c *Client) Sessions() *session.Registry { return c.sessions }

func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

func (c *Client) Monitor() *security.Monitor { return c.monitor }

func (c *Client) Auditor() *audit.Recorder { return c.recorder }

func (c *Client) Permissions() cache.PermissionCache { return c.permissions }

func (c *Client) Policy() policy.Policy { return c.policy }

// AuditLog is the durable audit store, or nil when storage is disabled.
func (c *Client) AuditLog() storage.AuditLogStore { return c.auditLog }

// Do runs op behind the guard.
func (c *Client) Do(ctx context.Context, req guard.Request, op guard.OperationFunc) (any, error) {
	if c == nil || c.guard == nil {
		return nil, oerrors.ErrClientClosed
	}
	return c.guard.Do(ctx, req, op)
}

// Login issues a token pair and opens a session for a principal whose
// credentials the caller has verified.
func (c *Client) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	if c == nil || c.tokens == nil {
		return LoginResult{}, oerrors.ErrClientClosed
	}

	input = input.Normalize()
	// A policy without roles runs every principal on DefaultRole; otherwise
	// the role must be named explicitly.
	if len(c.policy.Roles) > 0 {
		if _, ok := c.policy.Roles[input.Role]; !ok {
			return LoginResult{}, fmt.Errorf("%w: %q", oerrors.ErrUnknownRole, input.Role)
		}
	}

	ttl := input.AccessTTL
	if ttl <= 0 {
		ttl = c.policy.For(input.Role).TokenTTL()
	}

	pair, err := c.tokens.Generate(ctx, input.PrincipalID, input.Role, ttl)
	c.metrics.RecordTokenOperation(ctx, "generate", resultOf(err))
	if err != nil {
		return LoginResult{}, err
	}

	sess, err := c.sessions.Create(ctx, input.PrincipalID, pair.AccessToken, input.IP)
	if err != nil {
		_ = c.tokens.Blacklist(ctx, pair.RefreshToken)
		return LoginResult{}, err
	}

	c.record(ctx, "login", input.PrincipalID, input.IP, audit.OutcomeSuccess, map[string]string{"role": input.Role})
	return LoginResult{Tokens: pair, Session: sess}, nil
}

// RecordLoginFailure reports failed credentials for principalID to the
// monitor and the audit log.
func (c *Client) RecordLoginFailure(ctx context.Context, principalID string, ip string, reason string) {
	if c == nil || c.monitor == nil {
		return
	}
	c.monitor.Log(ctx, security.EventAuthFailure, security.Details{PrincipalID: principalID, IP: ip, Message: reason})
	c.record(ctx, "login", principalID, ip, audit.OutcomeDenied, map[string]string{"reason": reason})
}

// Refresh exchanges a refresh token for a new pair and opens a session for
// the new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string, ip string) (LoginResult, error) {
	if c == nil || c.tokens == nil {
		return LoginResult{}, oerrors.ErrClientClosed
	}

	pair, err := c.tokens.Refresh(ctx, refreshToken)
	c.metrics.RecordTokenOperation(ctx, "refresh", resultOf(err))
	if err != nil {
		return LoginResult{}, err
	}

	verification, err := c.tokens.Verify(ctx, pair.AccessToken)
	if err != nil {
		return LoginResult{}, err
	}
	if !verification.Valid() {
		return LoginResult{}, oerrors.New(oerrors.CodeTokenInvalid, "refreshed access token did not verify")
	}

	principalID := verification.Claims.Subject
	sess, err := c.sessions.Create(ctx, principalID, pair.AccessToken, ip)
	if err != nil {
		return LoginResult{}, err
	}

	c.record(ctx, "refresh", principalID, ip, audit.OutcomeSuccess, nil)
	return LoginResult{Tokens: pair, Session: sess}, nil
}

// Logout ends the access token's session and blacklists both tokens.
// It is idempotent.
func (c *Client) Logout(ctx context.Context, input LogoutInput) error {
	if c == nil || c.tokens == nil {
		return oerrors.ErrClientClosed
	}

	verification, err := c.tokens.Verify(ctx, input.AccessToken)
	if err != nil {
		return err
	}

	principalID := ""
	if verification.Claims != nil {
		principalID = verification.Claims.Subject
	}
	if principalID != "" {
		if _, err := c.sessions.End(ctx, principalID, input.AccessToken); err != nil {
			return err
		}
	}

	err = c.tokens.Blacklist(ctx, input.AccessToken)
	c.metrics.RecordTokenOperation(ctx, "blacklist", resultOf(err))
	if err != nil {
		return err
	}
	if input.RefreshToken != "" {
		err = c.tokens.Blacklist(ctx, input.RefreshToken)
		c.metrics.RecordTokenOperation(ctx, "blacklist", resultOf(err))
		if err != nil {
			return err
		}
	}

	if principalID != "" && c.principals != nil {
		if err := c.principals.DeletePrincipal(ctx, principalID); err != nil {
			c.logger.Error(err, "failed to drop cached principal", "principal_hash", security.HashForLogging(principalID))
		}
	}

	c.record(ctx, "logout", principalID, "", audit.OutcomeSuccess, nil)
	return nil
}

// Principal returns the snapshot cached for principalID by its last
// authenticated request.
func (c *Client) Principal(ctx context.Context, principalID string) (cache.PrincipalSnapshot, bool, error) {
	if c == nil || c.principals == nil {
		return cache.PrincipalSnapshot{}, false, oerrors.ErrClientClosed
	}
	return c.principals.GetPrincipal(ctx, principalID)
}

// InvalidatePrincipal drops the cached permission decisions and snapshot of
// a principal, e.g. after its role changed.
func (c *Client) InvalidatePrincipal(ctx context.Context, principalID string) error {
	if c == nil || c.permissions == nil {
		return oerrors.ErrClientClosed
	}
	if err := c.permissions.InvalidatePrincipal(ctx, principalID); err != nil {
		return err
	}
	return c.principals.DeletePrincipal(ctx, principalID)
}

// Close stops background loops, flushes pending audit events and releases
// runtime resources. Later calls return the first result.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		closers := []func() error{c.closeResource}
		if c.recorder != nil {
			recorder := c.recorder
			closers = append(closers, func() error { return recorder.Stop(ctx) })
		}
		if c.tokens != nil {
			c.tokens.Stop()
		}
		if c.sessions != nil {
			c.sessions.Stop()
		}
		if c.limiter != nil {
			c.limiter.Stop()
		}

		if err := joinClosers(closers...)(); err != nil {
			c.closeErr = oerrors.Wrap(oerrors.CodeUnknown, "failed to close client resources", err)
		}
		c.logger.V(1).Info("openguard client closed")
	})
	return c.closeErr
}

func (c *Client) record(ctx context.Context, action string, principalID string, ip string, outcome audit.Outcome, metadata map[string]string) {
	c.recorder.Record(ctx, audit.Event{
		Action:      action,
		PrincipalID: principalID,
		IP:          ip,
		Outcome:     outcome,
		Metadata:    metadata,
	})
}

func newCaches(p policy.Policy, shared store.Store, now func() time.Time) (cache.PermissionCache, cache.PrincipalCache, error) {
	if shared == nil {
		adapter := cachememory.NewAdapter(cache.Options{MaxSize: p.Cache.MaxSize, TTL: p.Cache.TTL(), Now: now})
		return adapter, adapter, nil
	}

	adapter, err := cacheshared.NewAdapter(cacheshared.Config{Store: shared, TTL: p.Cache.TTL()})
	if err != nil {
		return nil, nil, err
	}
	return adapter, adapter, nil
}

func auditSinks(logger logr.Logger, durable storage.AuditLogStore, extra audit.Sink) audit.Sink {
	sinks := audit.MultiSink{audit.LogSink{Logger: logger.WithName("audit")}}
	if durable != nil {
		sinks = append(sinks, storage.AuditSink{Store: durable})
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	return sinks
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	return string(oerrors.CodeOf(err))
}
