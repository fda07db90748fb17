package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/sqlite"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/migrations"
)

// IdempotencyStore claims keys of processed business documents.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Ledger bundles the accounting service with the store it runs on.
type Ledger struct {
	Service     *accounting.Service
	Idempotency IdempotencyStore

	pool   *pgxpool.Pool
	sqlite *sqlite.Store
}

// LedgerDeps are the optional collaborators of OpenLedger.
type LedgerDeps struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Redis   *redis.Client
}

// OpenLedger connects the configured store and builds the accounting service.
func OpenLedger(ctx context.Context, cfg *Config, deps LedgerDeps) (*Ledger, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ledger := &Ledger{}
	var (
		repo  accounting.RepositoryPort
		audit accounting.AuditPort
	)
	switch cfg.LedgerStore {
	case StoreSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite: %w", err)
		}
		ledger.sqlite = store
		repo, audit, ledger.Idempotency = store, store, store
	case StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		ledger.pool = pool
		repo = accounting.NewRepository(pool)
		audit = shared.NewAuditLogger(pool)
		ledger.Idempotency = shared.NewIdempotencyStore(pool)
	default:
		return nil, fmt.Errorf("app: unsupported store %q", cfg.LedgerStore)
	}

	svc := accounting.NewService(repo, audit)
	svc.WithLogger(logger.With(slog.String("component", "ledger")))
	svc.WithRetries(cfg.PostRetries)
	svc.WithTolerance(cfg.Tolerance())
	if deps.Metrics != nil {
		svc.WithMetrics(deps.Metrics)
	}
	if deps.Redis != nil {
		svc.WithCache(accounting.NewBalanceCache(deps.Redis, cfg.BalanceCacheTTL))
	}
	ledger.Service = svc
	logger.Info("ledger store ready", slog.String("store", cfg.LedgerStore))
	return ledger, nil
}

// Migrate applies the schema. The SQLite store migrates itself on open.
func (l *Ledger) Migrate(ctx context.Context) ([]string, error) {
	if l.pool == nil {
		return nil, nil
	}
	return migrations.Apply(ctx, l.pool)
}

// Ping checks the underlying store.
func (l *Ledger) Ping(ctx context.Context) error {
	switch {
	case l.pool != nil:
		return l.pool.Ping(ctx)
	case l.sqlite != nil:
		return l.sqlite.Ping(ctx)
	}
	return errors.New("app: ledger store not open")
}

// Close releases the store.
func (l *Ledger) Close() error {
	if l.pool != nil {
		l.pool.Close()
	}
	if l.sqlite != nil {
		return l.sqlite.Close()
	}
	return nil
}
