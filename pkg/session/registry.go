// Package session tracks the active sessions of each principal with a
// fixed lifetime and a per-principal cap. When the cap would be exceeded
// the oldest session is evicted.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/porthorian/openguard/pkg/store"
)

const (
	DefaultMaxSessionsPerUser = 5
	DefaultSessionTTL         = 24 * time.Hour
)

var (
	ErrEmptyPrincipal = errors.New("session: principal id is required")
	ErrEmptyToken     = errors.New("session: token is required")
)

// IPBinding controls whether a session is tied to the address it was
// created from.
type IPBinding string

const (
	// IPBindingStrict rejects a session presented from any other IP. A client
	// whose address changes mid-session has to authenticate again.
	IPBindingStrict IPBinding = "strict"
	IPBindingNone   IPBinding = "none"
)

type Session struct {
	ID          string    `json:"id"`
	Token       string    `json:"token"`
	PrincipalID string    `json:"principal_id"`
	IP          string    `json:"ip"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type Config struct {
	MaxSessionsPerUser int
	SessionTTL         time.Duration
	// IPBinding defaults to IPBindingStrict.
	IPBinding IPBinding
	// SweepInterval paces the loop started by Start. Zero uses the session TTL.
	SweepInterval time.Duration
	Store         store.Store
	Namespace     string
	Logger        logr.Logger
	Now           func() time.Time
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string][]Session

	maxSessions int
	ttl         time.Duration
	ipBinding   IPBinding
	store       store.Store
	namespace   string
	logger      logr.Logger
	now         func() time.Time

	sweepInterval time.Duration
	startOnce     sync.Once
	stopOnce      sync.Once
	stop          chan struct{}
	done          chan struct{}
}

func NewRegistry(config Config) *Registry {
	if config.MaxSessionsPerUser <= 0 {
		config.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.IPBinding == "" {
		config.IPBinding = IPBindingStrict
	}
	if config.Namespace == "" {
		config.Namespace = "session"
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.SessionTTL
	}

	return &Registry{
		sessions:    map[string][]Session{},
		maxSessions: config.MaxSessionsPerUser,
		ttl:         config.SessionTTL,
		ipBinding:   config.IPBinding,
		store:       config.Store,
		namespace:   config.Namespace,
		logger:      config.Logger.WithName("session"),
		now:         config.Now,

		sweepInterval: config.SweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Create registers a new session for principalID, evicting the oldest
// active sessions until the new one fits under the cap.
func (r *Registry) Create(ctx context.Context, principalID string, token string, ip string) (Session, error) {
	if principalID == "" {
		return Session{}, ErrEmptyPrincipal
	}
	if token == "" {
		return Session{}, ErrEmptyToken
	}

	now := r.now()
	created := Session{
		ID:          uuid.NewString(),
		Token:       token,
		PrincipalID: principalID,
		IP:          ip,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	}

	var evicted []Session
	err := r.update(ctx, principalID, func(current []Session) []Session {
		active := activeOnly(current, now)
		active, evicted = evictOldest(active, r.maxSessions-1)
		return append(active, created)
	})
	if err != nil {
		return Session{}, err
	}

	for _, s := range evicted {
		r.logger.V(1).Info("evicted oldest session", "principal_id", principalID, "session_id", s.ID, "created_at", s.CreatedAt)
	}
	return created, nil
}

// Verify reports whether token is an unexpired session of principalID. With
// strict IP binding the presenting ip must equal the creating ip.
func (r *Registry) Verify(ctx context.Context, principalID string, token string, ip string) (bool, error) {
	if principalID == "" || token == "" {
		return false, nil
	}

	sessions, err := r.load(ctx, principalID)
	if err != nil {
		return false, err
	}

	now := r.now()
	for _, s := range sessions {
		if s.Token != token || s.Expired(now) {
			continue
		}
		if r.ipBinding == IPBindingStrict && s.IP != ip {
			r.logger.V(1).Info("session presented from a different ip", "principal_id", principalID, "session_id", s.ID)
			continue
		}
		return true, nil
	}
	return false, nil
}

// End removes the session with exactly this token.
func (r *Registry) End(ctx context.Context, principalID string, token string) (bool, error) {
	removed := false
	err := r.update(ctx, principalID, func(current []Session) []Session {
		removed = false
		kept := current[:0:0]
		for _, s := range current {
			if s.Token == token {
				removed = true
				continue
			}
			kept = append(kept, s)
		}
		return kept
	})
	return removed, err
}

// EndAll removes every session of principalID and reports how many were active.
func (r *Registry) EndAll(ctx context.Context, principalID string) (int, error) {
	now := r.now()
	count := 0
	err := r.update(ctx, principalID, func(current []Session) []Session {
		count = len(activeOnly(current, now))
		return nil
	})
	return count, err
}

// Active returns the unexpired sessions of principalID, oldest first.
func (r *Registry) Active(ctx context.Context, principalID string) ([]Session, error) {
	sessions, err := r.load(ctx, principalID)
	if err != nil {
		return nil, err
	}
	active := activeOnly(sessions, r.now())
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// Sweep drops expired in-memory sessions for every principal. Shared stores
// expire their keys on their own.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for principalID, sessions := range r.sessions {
		active := activeOnly(sessions, now)
		removed += len(sessions) - len(active)
		if len(active) == 0 {
			delete(r.sessions, principalID)
			continue
		}
		r.sessions[principalID] = active
	}
	return removed
}

// Start runs Sweep every SweepInterval until Stop.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		go r.sweepLoop()
	})
}

// Stop ends the sweep loop and waits for it. Safe without Start.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	started := true
	r.startOnce.Do(func() { started = false })
	if started {
		<-r.done
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.V(1).Info("swept expired sessions", "removed", removed)
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) load(ctx context.Context, principalID string) ([]Session, error) {
	if r.store == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return append([]Session(nil), r.sessions[principalID]...), nil
	}

	data, ok, err := r.store.Get(ctx, r.key(principalID))
	if err != nil {
		return nil, fmt.Errorf("session: load %q: %w", principalID, err)
	}
	if !ok {
		return nil, nil
	}
	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("session: decode %q: %w", principalID, err)
	}
	return sessions, nil
}

// update applies fn to the principal's session list and keeps only the
// unexpired result. In memory fn runs under r.mu; against a shared store it
// runs inside the store's atomic update.
func (r *Registry) update(ctx context.Context, principalID string, fn func([]Session) []Session) error {
	if r.store == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		next := activeOnly(fn(r.sessions[principalID]), r.now())
		if len(next) == 0 {
			delete(r.sessions, principalID)
		} else {
			r.sessions[principalID] = next
		}
		return nil
	}

	err := r.store.Update(ctx, r.key(principalID), func(current []byte, ok bool) ([]byte, time.Duration, error) {
		var sessions []Session
		if ok {
			if err := json.Unmarshal(current, &sessions); err != nil {
				return nil, 0, fmt.Errorf("session: decode %q: %w", principalID, err)
			}
		}

		now := r.now()
		next := activeOnly(fn(sessions), now)
		if len(next) == 0 {
			return nil, 0, nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, 0, fmt.Errorf("session: encode %q: %w", principalID, err)
		}
		return data, latestExpiry(next).Sub(now), nil
	})
	if err != nil {
		return fmt.Errorf("session: save %q: %w", principalID, err)
	}
	return nil
}

func (r *Registry) key(principalID string) string {
	return store.Key(r.namespace, url.QueryEscape(principalID))
}

func activeOnly(sessions []Session, now time.Time) []Session {
	active := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if !s.Expired(now) {
			active = append(active, s)
		}
	}
	return active
}

// evictOldest removes sessions with the smallest CreatedAt until at most
// keep remain.
func evictOldest(sessions []Session, keep int) ([]Session, []Session) {
	var evicted []Session
	for len(sessions) > 0 && len(sessions) > keep {
		oldest := 0
		for i := range sessions {
			if sessions[i].CreatedAt.Before(sessions[oldest].CreatedAt) {
				oldest = i
			}
		}
		evicted = append(evicted, sessions[oldest])
		sessions = append(sessions[:oldest], sessions[oldest+1:]...)
	}
	return sessions, evicted
}

func latestExpiry(sessions []Session) time.Time {
	var latest time.Time
	for _, s := range sessions {
		if s.ExpiresAt.After(latest) {
			latest = s.ExpiresAt
		}
	}
	return latest
}
