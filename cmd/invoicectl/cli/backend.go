package cli

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kgsl/invoicing/internal/app"
	"github.com/kgsl/invoicing/internal/invoicing"
	"github.com/kgsl/invoicing/internal/platform/cache"
	"github.com/kgsl/invoicing/internal/platform/db"
	"github.com/kgsl/invoicing/internal/shared"
)

// Ledger is the reconciliation surface the CLI drives.
type Ledger interface {
	SyncAllInvoices(ctx context.Context) (invoicing.SyncReport, error)
	SyncInvoicePayments(ctx context.Context, userID string, id uuid.UUID) (invoicing.SyncResult, error)
	SweepOverdue(ctx context.Context, now time.Time) (int, error)
}

// Migrations applies schema changes.
type Migrations interface {
	Up() error
	Down(steps int) error
	Version() (uint, bool, error)
	Close() error
}

// KeyCleaner purges expired idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Queue is the job management surface.
type Queue interface {
	Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	ListArchived(ctx context.Context, size int) ([]*asynq.TaskInfo, error)
	Close() error
}

// Backend opens the resources each command needs.
type Backend interface {
	Ledger(ctx context.Context) (Ledger, error)
	Keys(ctx context.Context) (KeyCleaner, error)
	Migrations() (Migrations, error)
	Queue() (Queue, error)
	Close()
}

// envBackend builds resources from the process environment on first use.
type envBackend struct {
	once sync.Once
	cfg  *app.Config
	err  error
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewEnvBackend returns a Backend configured from environment variables.
func NewEnvBackend() Backend {
	return &envBackend{}
}

func (b *envBackend) config() (*app.Config, error) {
	b.once.Do(func() {
		b.cfg, b.err = app.LoadConfig()
	})
	return b.cfg, b.err
}

func (b *envBackend) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if b.pool != nil {
		return b.pool, nil
	}
	cfg, err := b.config()
	if err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 4})
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return pool, nil
}

func (b *envBackend) Ledger(ctx context.Context) (Ledger, error) {
	pool, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(b.cfg)
	service := invoicing.NewService(invoicing.NewRepository(pool), nil, logger)
	// Without Redis the repairs still run; cached summaries expire on their TTL.
	if b.redis == nil {
		client, err := cache.New(ctx, b.cfg.RedisAddr)
		if err != nil {
			logger.Warn("summary cache unavailable", slog.Any("error", err))
		} else {
			b.redis = client
		}
	}
	if b.redis != nil {
		service.SetSummaryCache(cache.NewVersioned(b.redis, "invoicing", b.cfg.SummaryCacheTTL))
	}
	return service, nil
}

func (b *envBackend) Keys(ctx context.Context) (KeyCleaner, error) {
	pool, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	return shared.NewIdempotencyStore(pool), nil
}

func (b *envBackend) Migrations() (Migrations, error) {
	cfg, err := b.config()
	if err != nil {
		return nil, err
	}
	return db.NewMigrator(cfg.PGDSN)
}

func (b *envBackend) Queue() (Queue, error) {
	cfg, err := b.config()
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is not set")
	}
	return NewJobsCLI(cfg.RedisAddr)
}

func (b *envBackend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}
