package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/porthorian/openguard/pkg/store"
)

var (
	ErrNilClient      = errors.New("redis store: client is nil")
	ErrMissingAddress = errors.New("redis store: address is required")
)

type Config struct {
	Address     string
	Username    string
	Password    string
	Database    int
	Namespace   string
	DialTimeout time.Duration
	PoolSize    int
}

// maxUpdateAttempts bounds the WATCH retries of Update. Every failed attempt
// means another writer committed the key in between.
const maxUpdateAttempts = 100

// incrementScript sets the expiry only on the increment that created the key,
// matching the store.Store contract in one round trip.
var incrementScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Store implements store.Store on top of a redis (or valkey) deployment.
type Store struct {
	client    goredis.UniversalClient
	namespace string
	owned     bool
}

var _ store.Store = (*Store)(nil)

func NewStore(client goredis.UniversalClient, namespace string) (*Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &Store{client: client, namespace: namespace}, nil
}

// Dial opens a client from config and verifies it with a PING. The returned
// store owns the client and closes it on Close.
func Dial(ctx context.Context, config Config) (*Store, error) {
	if config.Address == "" {
		return nil, ErrMissingAddress
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        config.Address,
		Username:    config.Username,
		Password:    config.Password,
		DB:          config.Database,
		DialTimeout: config.DialTimeout,
		PoolSize:    config.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: failed to ping %s: %w", config.Address, err)
	}

	return &Store{client: client, namespace: config.Namespace, owned: true}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, store.ErrEmptyKey
	}

	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis store: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return store.ErrEmptyKey
	}
	if ttl < 0 {
		ttl = 0
	}

	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis store: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis store: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, store.ErrEmptyKey
	}

	n, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		if isNotIntegerError(err) {
			return 0, store.ErrNotInteger
		}
		return 0, fmt.Errorf("redis store: increment %q: %w", key, err)
	}
	return n, nil
}

// Update reads key under WATCH and writes fn's result in a MULTI/EXEC block,
// retrying when another client changes the key first.
func (s *Store) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	if key == "" {
		return store.ErrEmptyKey
	}

	full := s.key(key)
	var fnErr error
	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, full).Bytes()
		ok := true
		if errors.Is(err, goredis.Nil) {
			current, ok = nil, false
		} else if err != nil {
			return err
		}

		next, ttl, err := fn(current, ok)
		if err != nil {
			fnErr = err
			return err
		}
		if ttl < 0 {
			ttl = 0
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, full)
				return nil
			}
			pipe.Set(ctx, full, next, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, full)
		if err == nil {
			return nil
		}
		if fnErr != nil {
			return fnErr
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis store: update %q: %w", key, err)
	}
	return fmt.Errorf("redis store: update %q: %w", key, store.ErrConflict)
}

func (s *Store) Close() error {
	if s == nil || !s.owned || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(key string) string {
	return store.Key(s.namespace, key)
}

func isNotIntegerError(err error) bool {
	var redisErr goredis.Error
	if !errors.As(err, &redisErr) {
		return false
	}
	return strings.Contains(strings.ToLower(redisErr.Error()), "not an integer")
}
