// Package token issues and verifies signed access and refresh tokens and
// keeps the server-side tables that make logout and refresh work: a
// blacklist of revoked tokens and the set of refresh tokens still honoured.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	ogerrors "github.com/porthorian/openguard/pkg/errors"
	"github.com/porthorian/openguard/pkg/store"
)

const (
	MinSecretLength      = 32
	DefaultAccessTTL     = time.Hour
	DefaultRefreshTTL    = 7 * 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

var (
	ErrSecretTooShort = fmt.Errorf("token: secret must be at least %d bytes", MinSecretLength)
	ErrEmptyPrincipal = errors.New("token: principal id is required")
)

type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

type Status string

const (
	StatusValid       Status = "valid"
	StatusExpired     Status = "expired"
	StatusInvalid     Status = "invalid"
	StatusBlacklisted Status = "blacklisted"
)

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
	Type Type   `json:"type"`
}

type Verification struct {
	Status Status
	Claims *Claims
}

func (v Verification) Valid() bool {
	return v.Status == StatusValid
}

type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type Stats struct {
	Blacklisted   int
	RefreshTokens int
}

type refreshRecord struct {
	PrincipalID string    `json:"principal_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Config struct {
	Secret        []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SweepInterval time.Duration
	// Store, when set, keeps the blacklist and refresh table outside the
	// process. Entries then expire with their token and Sweep is a no-op.
	Store     store.Store
	Namespace string
	Logger    logr.Logger
	Now       func() time.Time
}

type Manager struct {
	mu        sync.Mutex
	blacklist map[string]time.Time
	refresh   map[string]refreshRecord

	secret        []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	sweepInterval time.Duration
	store         store.Store
	namespace     string
	logger        logr.Logger
	now           func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewManager(config Config) (*Manager, error) {
	if len(config.Secret) == 0 {
		return nil, ogerrors.ErrMissingSecret
	}
	if len(config.Secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = DefaultAccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = DefaultRefreshTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Namespace == "" {
		config.Namespace = "token"
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Manager{
		blacklist:     map[string]time.Time{},
		refresh:       map[string]refreshRecord{},
		secret:        append([]byte(nil), config.Secret...),
		issuer:        config.Issuer,
		accessTTL:     config.AccessTTL,
		refreshTTL:    config.RefreshTTL,
		sweepInterval: config.SweepInterval,
		store:         config.Store,
		namespace:     config.Namespace,
		logger:        config.Logger.WithName("token"),
		now:           config.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Generate signs a fresh access/refresh pair and records the refresh token.
// accessTTL <= 0 uses the configured default.
func (m *Manager) Generate(ctx context.Context, principalID string, role string, accessTTL time.Duration) (Pair, error) {
	if principalID == "" {
		return Pair{}, ErrEmptyPrincipal
	}
	if accessTTL <= 0 {
		accessTTL = m.accessTTL
	}

	now := m.now()
	accessExpires := now.Add(accessTTL)
	refreshExpires := now.Add(m.refreshTTL)

	access, err := m.sign(Claims{
		RegisteredClaims: m.registered(principalID, now, accessExpires),
		Role:             role,
		Type:             TypeAccess,
	})
	if err != nil {
		return Pair{}, err
	}
	refresh, err := m.sign(Claims{
		RegisteredClaims: m.registered(principalID, now, refreshExpires),
		Type:             TypeRefresh,
	})
	if err != nil {
		return Pair{}, err
	}

	record := refreshRecord{
		PrincipalID: principalID,
		Role:        role,
		CreatedAt:   now,
		ExpiresAt:   refreshExpires,
	}
	if err := m.putRefresh(ctx, refresh, record); err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExpires,
		RefreshExpiresAt: refreshExpires,
	}, nil
}

// Verify classifies raw. A blacklisted token reports StatusBlacklisted even
// when it would otherwise be valid.
func (m *Manager) Verify(ctx context.Context, raw string) (Verification, error) {
	if raw == "" {
		return Verification{Status: StatusInvalid}, nil
	}

	blacklisted, err := m.isBlacklisted(ctx, raw)
	if err != nil {
		return Verification{}, err
	}
	if blacklisted {
		return Verification{Status: StatusBlacklisted}, nil
	}

	claims, err := m.parse(raw, true)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Verification{Status: StatusExpired}, nil
	case err != nil:
		return Verification{Status: StatusInvalid}, nil
	}
	return Verification{Status: StatusValid, Claims: claims}, nil
}

// Refresh trades a recorded, valid refresh token for a new pair carrying the
// principal and role stored when it was issued. The presented refresh token
// stays valid until it expires or is blacklisted.
func (m *Manager) Refresh(ctx context.Context, raw string) (Pair, error) {
	verification, err := m.Verify(ctx, raw)
	if err != nil {
		return Pair{}, err
	}

	switch verification.Status {
	case StatusBlacklisted:
		return Pair{}, ogerrors.New(ogerrors.CodeTokenBlacklisted, "refresh token has been revoked")
	case StatusExpired:
		return Pair{}, ogerrors.New(ogerrors.CodeTokenExpired, "refresh token has expired")
	case StatusInvalid:
		return Pair{}, ogerrors.New(ogerrors.CodeTokenInvalid, "refresh token is invalid")
	}
	if verification.Claims.Type != TypeRefresh {
		return Pair{}, ogerrors.New(ogerrors.CodeTokenWrongType, "token is not a refresh token")
	}

	record, ok, err := m.getRefresh(ctx, raw)
	if err != nil {
		return Pair{}, err
	}
	if !ok {
		return Pair{}, ogerrors.New(ogerrors.CodeRefreshUnknown, "refresh token is not recognised")
	}

	return m.Generate(ctx, record.PrincipalID, record.Role, 0)
}

// Blacklist revokes raw until it would have expired anyway and forgets it as
// a refresh token. Tokens that fail signature checks or have already expired
// are never honoured, so they are not recorded.
func (m *Manager) Blacklist(ctx context.Context, raw string) error {
	claims, err := m.parse(raw, false)
	if err != nil {
		return nil
	}

	if err := m.deleteRefresh(ctx, raw); err != nil {
		return err
	}

	expires := claims.ExpiresAt.Time
	if !m.now().Before(expires) {
		return nil
	}
	return m.putBlacklist(ctx, raw, expires)
}

// Sweep drops blacklist and refresh entries whose token has expired. An
// expired token fails verification on its own, so nothing that was denied
// becomes allowed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.store != nil {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for raw, expires := range m.blacklist {
		if !now.Before(expires) {
			delete(m.blacklist, raw)
			removed++
		}
	}
	for raw, record := range m.refresh {
		if !now.Before(record.ExpiresAt) {
			delete(m.refresh, raw)
			removed++
		}
	}
	return removed, nil
}

// Stats reports the in-process table sizes. Store-backed tables are not counted.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Blacklisted: len(m.blacklist), RefreshTokens: len(m.refresh)}
}

// Start runs Sweep every SweepInterval until Stop.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.sweepLoop()
	})
}

// Stop ends the sweep loop and waits for it. Safe without Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	started := true
	m.startOnce.Do(func() { started = false })
	if started {
		<-m.done
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := m.Sweep(context.Background())
			if err != nil {
				m.logger.Error(err, "token sweep failed")
				continue
			}
			if removed > 0 {
				m.logger.V(1).Info("swept expired tokens", "removed", removed)
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) registered(principalID string, issued time.Time, expires time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   principalID,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
}

func (m *Manager) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign %s token: %w", claims.Type, err)
	}
	return signed, nil
}

// parse checks the signature of raw. With validate false expiry is not
// enforced, which lets Blacklist read exp from a token already past it.
func (m *Manager) parse(raw string, validate bool) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}
	if !validate {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, options...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid && validate {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.ExpiresAt == nil {
		return nil, jwt.ErrTokenRequiredClaimMissing
	}
	return claims, nil
}

func (m *Manager) isBlacklisted(ctx context.Context, raw string) (bool, error) {
	if m.store == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.blacklist[raw]
		return ok, nil
	}

	_, ok, err := m.store.Get(ctx, m.key("blacklist", raw))
	if err != nil {
		return false, ogerrors.Wrap(ogerrors.CodeStorageUnavailable, "token: blacklist lookup failed", err)
	}
	return ok, nil
}

func (m *Manager) putBlacklist(ctx context.Context, raw string, expires time.Time) error {
	if m.store == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.blacklist[raw] = expires
		return nil
	}

	if err := m.store.Set(ctx, m.key("blacklist", raw), []byte("1"), expires.Sub(m.now())); err != nil {
		return ogerrors.Wrap(ogerrors.CodeStorageUnavailable, "token: blacklist write failed", err)
	}
	return nil
}

func (m *Manager) putRefresh(ctx context.Context, raw string, record refreshRecord) error {
	if m.store == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.refresh[raw] = record
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("token: encode refresh record: %w", err)
	}
	if err := m.store.Set(ctx, m.key("refresh", raw), data, record.ExpiresAt.Sub(m.now())); err != nil {
		return ogerrors.Wrap(ogerrors.CodeStorageUnavailable, "token: refresh write failed", err)
	}
	return nil
}

func (m *Manager) getRefresh(ctx context.Context, raw string) (refreshRecord, bool, error) {
	if m.store == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		record, ok := m.refresh[raw]
		return record, ok, nil
	}

	data, ok, err := m.store.Get(ctx, m.key("refresh", raw))
	if err != nil {
		return refreshRecord{}, false, ogerrors.Wrap(ogerrors.CodeStorageUnavailable, "token: refresh lookup failed", err)
	}
	if !ok {
		return refreshRecord{}, false, nil
	}
	var record refreshRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return refreshRecord{}, false, fmt.Errorf("token: decode refresh record: %w", err)
	}
	return record, true, nil
}

func (m *Manager) deleteRefresh(ctx context.Context, raw string) error {
	if m.store == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.refresh, raw)
		return nil
	}

	if err := m.store.Delete(ctx, m.key("refresh", raw)); err != nil {
		return ogerrors.Wrap(ogerrors.CodeStorageUnavailable, "token: refresh delete failed", err)
	}
	return nil
}

// key addresses raw by digest so token values never appear in store keys.
func (m *Manager) key(table string, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return store.Key(m.namespace, table, hex.EncodeToString(sum[:]))
}
