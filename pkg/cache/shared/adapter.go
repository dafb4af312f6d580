package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/porthorian/openguard/pkg/cache"
	"github.com/porthorian/openguard/pkg/store"
)

var (
	ErrNilStore = errors.New("shared cache: store is nil")
	ErrEmptyKey = errors.New("shared cache: key is required")
)

type Config struct {
	Store     store.Store
	Namespace string
	// TTL applies when callers pass ttl <= 0.
	TTL time.Duration
}

// Adapter serves the cache contracts from a store.Store so several
// processes observe the same decisions. Invalidation bumps a per-principal
// generation; entries written under an older generation are never read and
// age out through their TTL.
type Adapter struct {
	store     store.Store
	namespace string
	ttl       time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

var _ cache.PrincipalCache = (*Adapter)(nil)
var _ cache.PermissionCache = (*Adapter)(nil)

func NewAdapter(config Config) (*Adapter, error) {
	if config.Store == nil {
		return nil, ErrNilStore
	}
	if config.TTL <= 0 {
		config.TTL = cache.DefaultTTL
	}
	if config.Namespace == "" {
		config.Namespace = "cache"
	}
	return &Adapter{
		store:     config.Store,
		namespace: config.Namespace,
		ttl:       config.TTL,
	}, nil
}

func (a *Adapter) SetDecision(ctx context.Context, key cache.PermissionKey, allowed bool, ttl time.Duration) error {
	if key.PrincipalID == "" {
		return ErrEmptyKey
	}

	storeKey, err := a.decisionKey(ctx, key)
	if err != nil {
		return err
	}

	value := []byte("0")
	if allowed {
		value = []byte("1")
	}
	return a.store.Set(ctx, storeKey, value, a.resolveTTL(ttl))
}

func (a *Adapter) GetDecision(ctx context.Context, key cache.PermissionKey) (bool, bool, error) {
	storeKey, err := a.decisionKey(ctx, key)
	if err != nil {
		return false, false, err
	}

	value, ok, err := a.store.Get(ctx, storeKey)
	if err != nil {
		return false, false, err
	}
	if !ok {
		a.misses.Add(1)
		return false, false, nil
	}
	a.hits.Add(1)
	return string(value) == "1", true, nil
}

func (a *Adapter) InvalidatePrincipal(ctx context.Context, principalID string) error {
	if _, err := a.store.Increment(ctx, a.generationKey(principalID), 0); err != nil {
		return fmt.Errorf("shared cache: invalidate %q: %w", principalID, err)
	}
	return a.DeletePrincipal(ctx, principalID)
}

// Stats reports lookup counters observed by this process only; size and
// eviction figures belong to the backing store.
func (a *Adapter) Stats() cache.Stats {
	return cache.Stats{
		Hits:   a.hits.Load(),
		Misses: a.misses.Load(),
	}
}

func (a *Adapter) SetPrincipal(ctx context.Context, key string, snapshot cache.PrincipalSnapshot, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("shared cache: marshal principal: %w", err)
	}
	return a.store.Set(ctx, a.principalKey(key), data, a.resolveTTL(ttl))
}

func (a *Adapter) GetPrincipal(ctx context.Context, key string) (cache.PrincipalSnapshot, bool, error) {
	data, ok, err := a.store.Get(ctx, a.principalKey(key))
	if err != nil || !ok {
		return cache.PrincipalSnapshot{}, false, err
	}

	var snapshot cache.PrincipalSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return cache.PrincipalSnapshot{}, false, fmt.Errorf("shared cache: unmarshal principal: %w", err)
	}
	return snapshot, true, nil
}

func (a *Adapter) DeletePrincipal(ctx context.Context, key string) error {
	return a.store.Delete(ctx, a.principalKey(key))
}

func (a *Adapter) decisionKey(ctx context.Context, key cache.PermissionKey) (string, error) {
	generation := int64(0)
	raw, ok, err := a.store.Get(ctx, a.generationKey(key.PrincipalID))
	if err != nil {
		return "", err
	}
	if ok {
		generation, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return "", store.ErrNotInteger
		}
	}
	return store.Key(a.namespace, "perm", strconv.FormatInt(generation, 10), key.String()), nil
}

func (a *Adapter) generationKey(principalID string) string {
	return store.Key(a.namespace, "permgen", url.QueryEscape(principalID))
}

func (a *Adapter) principalKey(key string) string {
	return store.Key(a.namespace, "principal", url.QueryEscape(key))
}

func (a *Adapter) resolveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return a.ttl
	}
	return ttl
}
