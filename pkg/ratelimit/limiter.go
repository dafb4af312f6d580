// Package ratelimit implements sliding-window admission control per
// identifier. Each identifier keeps the instants of its admitted requests;
// a check discards instants older than the window and admits while fewer
// than limit remain.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/porthorian/openguard/pkg/store"
)

var ErrInvalidWindow = errors.New("ratelimit: window must be greater than zero")

type Reason string

const (
	ReasonWhitelisted   Reason = "whitelisted"
	ReasonBlacklisted   Reason = "blacklisted"
	ReasonWithinLimit   Reason = "within_limit"
	ReasonLimitExceeded Reason = "limit_exceeded"
)

type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	// RetryAfter is how long until the oldest retained instant leaves the
	// window. Zero when allowed or when no retry will help.
	RetryAfter time.Duration
	Reason     Reason
}

type Config struct {
	Whitelist []string
	Blacklist []string
	// Store, when set, holds buckets outside the process. Nil keeps them in memory.
	Store     store.Store
	Namespace string
	// CleanupInterval starts a background loop dropping idle in-memory
	// buckets. Zero disables it; call Cleanup manually instead.
	CleanupInterval time.Duration
	MaxIdle         time.Duration
	Logger          logr.Logger
	Now             func() time.Time
}

type Limiter struct {
	mu        sync.Mutex
	buckets   map[string][]time.Time
	whitelist map[string]struct{}
	blacklist map[string]struct{}

	store     store.Store
	namespace string
	logger    logr.Logger
	now       func() time.Time
	denyLog   rate.Sometimes

	maxIdle     time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func New(config Config) *Limiter {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	if config.Namespace == "" {
		config.Namespace = "ratelimit"
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = 30 * time.Minute
	}

	l := &Limiter{
		buckets:     map[string][]time.Time{},
		whitelist:   toSet(config.Whitelist),
		blacklist:   toSet(config.Blacklist),
		store:       config.Store,
		namespace:   config.Namespace,
		logger:      config.Logger.WithName("ratelimit"),
		now:         config.Now,
		denyLog:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		maxIdle:     config.MaxIdle,
		stopCleanup: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go l.cleanupLoop(config.CleanupInterval)
	}
	return l
}

// Check admits or denies one request for identifier. Allow and deny lists
// override the counter; the whitelist wins when an identifier is on both.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	if window <= 0 {
		return Decision{}, ErrInvalidWindow
	}
	if d, listed := l.listDecision(identifier, limit); listed {
		return d, nil
	}

	var (
		d   Decision
		err error
	)
	if l.store == nil {
		d = l.checkMemory(identifier, limit, window)
	} else {
		d, err = l.checkShared(ctx, identifier, limit, window)
		if err != nil {
			return Decision{}, err
		}
	}

	if !d.Allowed {
		l.denyLog.Do(func() {
			l.logger.Info("rate limit exceeded", "identifier", identifier, "limit", limit, "window", window.String(), "retry_after", d.RetryAfter.String())
		})
	}
	return d, nil
}

// Remaining reports how many requests identifier may still make in the
// current window without recording anything.
func (l *Limiter) Remaining(ctx context.Context, identifier string, limit int, window time.Duration) (int, error) {
	if window <= 0 {
		return 0, ErrInvalidWindow
	}
	if d, listed := l.listDecision(identifier, limit); listed {
		return d.Remaining, nil
	}

	now := l.now()
	var instants []time.Time
	if l.store == nil {
		l.mu.Lock()
		instants = prune(l.buckets[identifier], now, window)
		l.storeBucket(identifier, instants)
		l.mu.Unlock()
	} else {
		loaded, err := l.loadShared(ctx, identifier)
		if err != nil {
			return 0, err
		}
		instants = prune(loaded, now, window)
	}

	return max(limit-len(instants), 0), nil
}

func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if l.store != nil {
		return l.store.Delete(ctx, l.bucketKey(identifier))
	}
	l.mu.Lock()
	delete(l.buckets, identifier)
	l.mu.Unlock()
	return nil
}

func (l *Limiter) Whitelist(identifier string) {
	l.mu.Lock()
	l.whitelist[identifier] = struct{}{}
	l.mu.Unlock()
}

func (l *Limiter) Blacklist(identifier string) {
	l.mu.Lock()
	l.blacklist[identifier] = struct{}{}
	l.mu.Unlock()
}

// Unlist removes identifier from both lists.
func (l *Limiter) Unlist(identifier string) {
	l.mu.Lock()
	delete(l.whitelist, identifier)
	delete(l.blacklist, identifier)
	l.mu.Unlock()
}

func (l *Limiter) IsWhitelisted(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.whitelist[identifier]
	return ok
}

// IsBlacklisted reports whether identifier is denied by list, i.e. on the
// blacklist and not on the whitelist.
func (l *Limiter) IsBlacklisted(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.whitelist[identifier]; ok {
		return false
	}
	_, ok := l.blacklist[identifier]
	return ok
}

// Cleanup drops in-memory buckets whose newest instant is older than maxIdle.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for identifier, instants := range l.buckets {
		if len(instants) == 0 || instants[len(instants)-1].Before(cutoff) {
			delete(l.buckets, identifier)
			removed++
		}
	}

	if removed > 0 {
		l.logger.V(1).Info("rate limiter cleanup completed", "removed", removed, "remaining", len(l.buckets))
	}
	return removed
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(l.maxIdle)
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) listDecision(identifier string, limit int) (Decision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.whitelist[identifier]; ok {
		return Decision{Allowed: true, Remaining: max(limit, 0), Limit: limit, Reason: ReasonWhitelisted}, true
	}
	if _, ok := l.blacklist[identifier]; ok {
		return Decision{Allowed: false, Limit: limit, Reason: ReasonBlacklisted}, true
	}
	return Decision{}, false
}

func (l *Limiter) checkMemory(identifier string, limit int, window time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	instants, d := admit(l.buckets[identifier], l.now(), limit, window)
	l.storeBucket(identifier, instants)
	return d
}

// checkShared admits through the store's atomic update so concurrent checks
// of one identifier, in this process or another, never over-admit.
func (l *Limiter) checkShared(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	var d Decision
	err := l.store.Update(ctx, l.bucketKey(identifier), func(current []byte, ok bool) ([]byte, time.Duration, error) {
		loaded, err := decodeBucket(current, ok)
		if err != nil {
			return nil, 0, err
		}

		var instants []time.Time
		instants, d = admit(loaded, l.now(), limit, window)
		if len(instants) == 0 {
			return nil, 0, nil
		}
		data, err := encodeBucket(instants)
		if err != nil {
			return nil, 0, err
		}
		return data, window, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: update bucket: %w", err)
	}
	return d, nil
}

// storeBucket must be called with l.mu held.
func (l *Limiter) storeBucket(identifier string, instants []time.Time) {
	if len(instants) == 0 {
		delete(l.buckets, identifier)
		return
	}
	l.buckets[identifier] = instants
}

func (l *Limiter) loadShared(ctx context.Context, identifier string) ([]time.Time, error) {
	data, ok, err := l.store.Get(ctx, l.bucketKey(identifier))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: load bucket: %w", err)
	}
	return decodeBucket(data, ok)
}

func (l *Limiter) bucketKey(identifier string) string {
	return store.Key(l.namespace, url.QueryEscape(identifier))
}

// decodeBucket reads the JSON list of unix nanos a shared bucket is stored as.
func decodeBucket(data []byte, ok bool) ([]time.Time, error) {
	if !ok {
		return nil, nil
	}

	var nanos []int64
	if err := json.Unmarshal(data, &nanos); err != nil {
		return nil, fmt.Errorf("ratelimit: decode bucket: %w", err)
	}
	instants := make([]time.Time, len(nanos))
	for i, n := range nanos {
		instants[i] = time.Unix(0, n)
	}
	return instants, nil
}

func encodeBucket(instants []time.Time) ([]byte, error) {
	nanos := make([]int64, len(instants))
	for i, instant := range instants {
		nanos[i] = instant.UnixNano()
	}
	data, err := json.Marshal(nanos)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: encode bucket: %w", err)
	}
	return data, nil
}

// admit prunes instants to the window ending at now and records now when
// fewer than limit remain.
func admit(instants []time.Time, now time.Time, limit int, window time.Duration) ([]time.Time, Decision) {
	instants = prune(instants, now, window)

	if limit <= 0 || len(instants) >= limit {
		d := Decision{Allowed: false, Limit: limit, Reason: ReasonLimitExceeded}
		if len(instants) > 0 {
			d.RetryAfter = instants[0].Add(window).Sub(now)
		}
		return instants, d
	}

	instants = append(instants, now)
	return instants, Decision{
		Allowed:   true,
		Remaining: limit - len(instants),
		Limit:     limit,
		Reason:    ReasonWithinLimit,
	}
}

// prune drops instants at or before now-window. Instants are kept in
// ascending order so the retained suffix is found with one scan.
func prune(instants []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(instants) && !instants[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return instants
	}
	kept := make([]time.Time, len(instants)-i)
	copy(kept, instants[i:])
	return kept
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}
