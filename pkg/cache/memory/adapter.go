package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/porthorian/openguard/pkg/cache"
)

var (
	ErrEmptyKey = errors.New("memory cache: key is required")
)

type decision struct {
	principalID string
	allowed     bool
}

// Adapter keeps permission decisions and principal snapshots in bounded
// in-process LRU caches.
type Adapter struct {
	decisions  *cache.LRU[string, decision]
	principals *cache.LRU[string, cache.PrincipalSnapshot]

	// byPrincipal indexes decision keys for InvalidatePrincipal. It is only
	// locked after the decision cache lock, never before.
	mu          sync.Mutex
	byPrincipal map[string]map[string]struct{}
}

var _ cache.PrincipalCache = (*Adapter)(nil)
var _ cache.PermissionCache = (*Adapter)(nil)

func NewAdapter(options cache.Options) *Adapter {
	a := &Adapter{
		decisions:   cache.New[string, decision](options),
		principals:  cache.New[string, cache.PrincipalSnapshot](options),
		byPrincipal: map[string]map[string]struct{}{},
	}
	a.decisions.OnEvict(a.unindex)
	return a
}

func (a *Adapter) SetDecision(ctx context.Context, key cache.PermissionKey, allowed bool, ttl time.Duration) error {
	if key.PrincipalID == "" {
		return ErrEmptyKey
	}

	k := key.String()
	a.decisions.Set(k, decision{principalID: key.PrincipalID, allowed: allowed}, ttl)

	a.mu.Lock()
	keys, ok := a.byPrincipal[key.PrincipalID]
	if !ok {
		keys = map[string]struct{}{}
		a.byPrincipal[key.PrincipalID] = keys
	}
	keys[k] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) GetDecision(ctx context.Context, key cache.PermissionKey) (bool, bool, error) {
	d, ok := a.decisions.Get(key.String())
	if !ok {
		return false, false, nil
	}
	return d.allowed, true, nil
}

func (a *Adapter) InvalidatePrincipal(ctx context.Context, principalID string) error {
	a.mu.Lock()
	keys := make([]string, 0, len(a.byPrincipal[principalID]))
	for k := range a.byPrincipal[principalID] {
		keys = append(keys, k)
	}
	delete(a.byPrincipal, principalID)
	a.mu.Unlock()

	for _, k := range keys {
		a.decisions.Delete(k)
	}
	return a.DeletePrincipal(ctx, principalID)
}

func (a *Adapter) Stats() cache.Stats {
	return a.decisions.Stats()
}

func (a *Adapter) SetPrincipal(ctx context.Context, key string, snapshot cache.PrincipalSnapshot, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	a.principals.Set(key, cache.CloneSnapshot(snapshot), ttl)
	return nil
}

func (a *Adapter) GetPrincipal(ctx context.Context, key string) (cache.PrincipalSnapshot, bool, error) {
	snapshot, ok := a.principals.Get(key)
	if !ok {
		return cache.PrincipalSnapshot{}, false, nil
	}
	return cache.CloneSnapshot(snapshot), true, nil
}

func (a *Adapter) DeletePrincipal(ctx context.Context, key string) error {
	a.principals.Delete(key)
	return nil
}

// Purge drops expired entries from both caches.
func (a *Adapter) Purge() int {
	return a.decisions.Purge() + a.principals.Purge()
}

func (a *Adapter) unindex(key string, d decision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys, ok := a.byPrincipal[d.principalID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(a.byPrincipal, d.principalID)
	}
}
