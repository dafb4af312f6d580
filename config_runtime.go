package openguard

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/porthorian/openguard/pkg/storage"
	"github.com/porthorian/openguard/pkg/storage/postgres"
	"github.com/porthorian/openguard/pkg/storage/sqlite"
	"github.com/porthorian/openguard/pkg/store"
	redisstore "github.com/porthorian/openguard/pkg/store/redis"
)

type StateBackend string

const (
	// StateBackendMemory keeps every component's state in process.
	StateBackendMemory StateBackend = "memory"
	// StateBackendRedis shares limiter, session, token, cache and monitor
	// counter state across processes.
	StateBackendRedis StateBackend = "redis"
)

type StorageBackend string

const (
	StorageBackendNone     StorageBackend = "none"
	StorageBackendPostgres StorageBackend = "postgres"
	StorageBackendSQLite   StorageBackend = "sqlite"
)

type RuntimeConfig struct {
	State   StateConfig
	Storage StorageConfig
}

type StateConfig struct {
	Backend StateBackend
	Redis   RedisStateConfig
	// Store overrides Backend with a caller-owned store.
	Store store.Store
}

type RedisStateConfig struct {
	Address     string
	Username    string
	Password    string
	Database    int
	Namespace   string
	DialTimeout time.Duration
	PoolSize    int
}

// StorageConfig selects where audit batches are persisted.
type StorageConfig struct {
	Backend  StorageBackend
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

type PostgresConfig struct {
	DriverName      string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	// AutoMigrate applies the embedded migrations before the adapter is
	// prepared.
	AutoMigrate bool
	OpenDB      func(driverName string, dsn string) (*sql.DB, error)
}

type SQLiteConfig struct {
	Path string
}

type runtimeResources struct {
	state   store.Store
	storage storage.Store
	close   func() error
}

func (c RuntimeConfig) initialize(ctx context.Context, config Config) (runtimeResources, error) {
	state, closeState, err := initializeState(ctx, c.State, config)
	if err != nil {
		return runtimeResources{}, err
	}

	auditStore, closeStorage, err := initializeStorage(ctx, c.Storage, config)
	if err != nil {
		_ = closeState()
		return runtimeResources{}, err
	}

	return runtimeResources{
		state:   state,
		storage: auditStore,
		close:   joinClosers(closeState, closeStorage),
	}, nil
}

func initializeState(ctx context.Context, state StateConfig, config Config) (store.Store, func() error, error) {
	if state.Store != nil {
		config.Logger.V(1).Info("using caller supplied state store")
		return state.Store, noopCloser, nil
	}

	backend := state.Backend
	if backend == "" {
		backend = StateBackendMemory
	}

	switch backend {
	case StateBackendMemory:
		// Components fall back to their in-process backings without a store.
		return nil, noopCloser, nil
	case StateBackendRedis:
		return initializeRedisState(ctx, state.Redis, config)
	default:
		return nil, nil, fmt.Errorf("openguard config: unsupported runtime.state.backend %q", backend)
	}
}

func initializeRedisState(ctx context.Context, redisConfig RedisStateConfig, config Config) (store.Store, func() error, error) {
	if redisConfig.Address == "" {
		return nil, nil, fmt.Errorf("openguard config: runtime.state.redis.address is required")
	}
	if redisConfig.Namespace == "" {
		redisConfig.Namespace = "openguard"
	}

	redis, err := redisstore.Dial(ctx, redisstore.Config{
		Address:     redisConfig.Address,
		Username:    redisConfig.Username,
		Password:    redisConfig.Password,
		Database:    redisConfig.Database,
		Namespace:   redisConfig.Namespace,
		DialTimeout: redisConfig.DialTimeout,
		PoolSize:    redisConfig.PoolSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("openguard config: failed to connect redis state backend: %w", err)
	}

	config.Logger.V(1).Info("initialized redis state backend", "address", redisConfig.Address, "database", redisConfig.Database, "namespace", redisConfig.Namespace)
	return redis, redis.Close, nil
}

func initializeStorage(ctx context.Context, storageConfig StorageConfig, config Config) (storage.Store, func() error, error) {
	backend := storageConfig.Backend
	if backend == "" {
		backend = StorageBackendNone
	}

	switch backend {
	case StorageBackendNone:
		return nil, noopCloser, nil
	case StorageBackendPostgres:
		return initializePostgres(ctx, storageConfig.Postgres, config)
	case StorageBackendSQLite:
		return initializeSQLite(ctx, storageConfig.SQLite, config)
	default:
		return nil, nil, fmt.Errorf("openguard config: unsupported runtime.storage.backend %q", backend)
	}
}

func initializePostgres(ctx context.Context, pgConfig PostgresConfig, config Config) (storage.Store, func() error, error) {
	if pgConfig.DSN == "" {
		return nil, nil, fmt.Errorf("openguard config: runtime.storage.postgres.dsn is required")
	}
	if pgConfig.DriverName == "" {
		pgConfig.DriverName = postgres.DriverName
	}
	if pgConfig.PingTimeout <= 0 {
		pgConfig.PingTimeout = 5 * time.Second
	}
	if pgConfig.OpenDB == nil {
		pgConfig.OpenDB = sql.Open
	}

	if pgConfig.AutoMigrate {
		if err := postgres.Migrate(ctx, pgConfig.DSN); err != nil {
			return nil, nil, fmt.Errorf("openguard config: failed to migrate postgres database: %w", err)
		}
	}

	db, err := pgConfig.OpenDB(pgConfig.DriverName, pgConfig.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("openguard config: failed to open postgres database: %w", err)
	}

	if pgConfig.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pgConfig.MaxOpenConns)
	}
	if pgConfig.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pgConfig.MaxIdleConns)
	}
	if pgConfig.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pgConfig.ConnMaxLifetime)
	}
	if pgConfig.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pgConfig.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pgConfig.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("openguard config: failed to ping postgres database: %w", err)
	}

	adapter, err := postgres.NewAdapter(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("openguard config: failed to initialize postgres adapter: %w", err)
	}

	closeResource := joinClosers(db.Close, adapter.Close)
	config.Logger.V(1).Info("initialized postgres audit storage", "driver", pgConfig.DriverName, "max_open_conns", pgConfig.MaxOpenConns, "max_idle_conns", pgConfig.MaxIdleConns)
	return adapter, closeResource, nil
}

func initializeSQLite(ctx context.Context, sqliteConfig SQLiteConfig, config Config) (storage.Store, func() error, error) {
	if sqliteConfig.Path == "" {
		return nil, nil, fmt.Errorf("openguard config: runtime.storage.sqlite.path is required")
	}

	adapter, err := sqlite.Open(ctx, sqliteConfig.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("openguard config: failed to initialize sqlite adapter: %w", err)
	}

	config.Logger.V(1).Info("initialized sqlite audit storage", "path", sqliteConfig.Path)
	return adapter, adapter.Close, nil
}

// joinClosers runs closers in reverse order and joins their errors.
func joinClosers(closers ...func() error) func() error {
	return func() error {
		var errs []error

		for i := len(closers) - 1; i >= 0; i-- {
			if closers[i] == nil {
				continue
			}
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		return stderrors.Join(errs...)
	}
}

func noopCloser() error {
	return nil
}
