// Package app wires the ledger service from configuration for the binaries.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activityledger/internal/cache"
	"example.com/activityledger/internal/config"
	"example.com/activityledger/internal/domain"
	"example.com/activityledger/internal/logger"
	"example.com/activityledger/internal/observability"
	"example.com/activityledger/internal/persistence/gormstore"
	"example.com/activityledger/internal/persistence/memory"
	"example.com/activityledger/internal/persistence/postgres"
)

// App holds the ledger service and the resources behind it.
type App struct {
	Log     *logger.Logger
	Cfg     config.Config
	Service *domain.Service
	// Pool is set only for the pgx store; the outbox and DLQ need it.
	Pool *pgxpool.Pool

	closers []func()
}

// New builds the logger, store, cache and service described by cfg.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return NewWithLogger(ctx, cfg, log)
}

// NewWithLogger is New with a caller-supplied logger.
func NewWithLogger(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	a := &App{Log: log, Cfg: cfg}

	if cfg.TracingEnabled {
		shutdown, err := observability.SetupTracing(os.Stdout)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() { _ = shutdown(context.Background()) })
	}

	repo, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	yearCache, err := a.openCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service = domain.NewService(repo,
		domain.WithLogger(log.With("component", "ledger")),
		domain.WithCache(yearCache),
	)
	log.Info("ledger ready", "store", cfg.StoreDriver, "cache", cfg.CacheDriver)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (domain.Repository, error) {
	switch a.Cfg.StoreDriver {
	case config.StoreDriverPGX:
		pool, err := pgxpool.New(ctx, a.Cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.Pool = pool
		a.closers = append(a.closers, pool.Close)
		return postgres.NewRepository(pool), nil
	case config.StoreDriverGORM:
		db, err := gormstore.Open(a.Cfg.GormDSN)
		if err != nil {
			return nil, fmt.Errorf("open gorm store: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		}
		repo := gormstore.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("migrate gorm store: %w", err)
		}
		return repo, nil
	case config.StoreDriverMemory:
		return memory.NewRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", a.Cfg.StoreDriver)
	}
}

func (a *App) openCache(ctx context.Context) (domain.YearCache, error) {
	switch a.Cfg.CacheDriver {
	case config.CacheDriverRedis:
		rdb, err := cache.Connect(ctx, a.Cfg.RedisAddr, a.Cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		return cache.NewRedisCache(rdb, a.Cfg.CacheTTL), nil
	case config.CacheDriverMemory:
		return cache.NewMemoryCache(a.Cfg.CacheTTL), nil
	default:
		return nil, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.Log != nil {
		a.Log.Sync()
	}
}
