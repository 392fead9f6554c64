package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"tokenpoints/internal/domain"
	"tokenpoints/internal/infrastructure/storage"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	versionKey      = "tokenpoints:ledger:version"
	keyPrefix       = "tokenpoints:ledger:v"
	defaultCacheTTL = time.Minute
)

type Config struct {
	Addr string
	TTL  time.Duration
}

// CachedRepository serves the aggregate reads from Redis. Every ledger
// write bumps a version counter so stale entries are never read again.
type CachedRepository struct {
	*storage.Repository
	cache *redis.Client
	ttl   time.Duration
}

func NewCachedRepository(base *storage.Repository, cfg Config) (*CachedRepository, error) {
	if base == nil {
		return nil, errors.New("base repository is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &CachedRepository{Repository: base}, nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &CachedRepository{Repository: base, cache: client, ttl: cfg.TTL}, nil
}

func (r *CachedRepository) AppendTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, []domain.BalanceHistoryEntry, error) {
	applied, entries, err := r.Repository.AppendTransaction(ctx, t)
	if err != nil {
		return applied, entries, err
	}
	r.invalidate(ctx)
	return applied, entries, nil
}

func (r *CachedRepository) UpsertPointsRecord(ctx context.Context, rec domain.PointsRecord) error {
	if err := r.Repository.UpsertPointsRecord(ctx, rec); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *CachedRepository) RestoreSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if err := r.Repository.RestoreSnapshot(ctx, snap); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *CachedRepository) CountHolders(ctx context.Context) (int64, error) {
	return cached(ctx, r, "holders", r.Repository.CountHolders)
}

func (r *CachedRepository) CountTransactions(ctx context.Context) (int64, error) {
	return cached(ctx, r, "transactions", r.Repository.CountTransactions)
}

func (r *CachedRepository) SumPoints(ctx context.Context) (decimal.Decimal, error) {
	return cached(ctx, r, "points:sum", r.Repository.SumPoints)
}

func (r *CachedRepository) PointsByDay(ctx context.Context, since time.Time) ([]domain.PointsBucket, error) {
	return cached(ctx, r, "points:daily:"+strconv.FormatInt(since.Unix(), 10), func(ctx context.Context) ([]domain.PointsBucket, error) {
		return r.Repository.PointsByDay(ctx, since)
	})
}

func (r *CachedRepository) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	return cached(ctx, r, "recent:"+strconv.Itoa(limit), func(ctx context.Context) ([]domain.Transaction, error) {
		return r.Repository.RecentTransactions(ctx, limit)
	})
}

func (r *CachedRepository) Ping(ctx context.Context) error {
	if err := r.Repository.Ping(ctx); err != nil {
		return err
	}
	if r.cache == nil {
		return nil
	}
	return r.cache.Ping(ctx).Err()
}

func (r *CachedRepository) Close() error {
	err := r.Repository.Close()
	if r.cache != nil {
		err = errors.Join(err, r.cache.Close())
	}
	return err
}

func cached[T any](ctx context.Context, r *CachedRepository, name string, load func(context.Context) (T, error)) (T, error) {
	if r.cache == nil {
		return load(ctx)
	}
	version, ok := r.cacheVersion(ctx)
	if !ok {
		return load(ctx)
	}
	key := keyPrefix + version + ":" + name
	if payload, err := r.cache.Get(ctx, key).Bytes(); err == nil {
		var value T
		if err := json.Unmarshal(payload, &value); err == nil {
			return value, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return value, nil
	}
	_ = r.cache.Set(ctx, key, payload, r.ttl).Err()
	return value, nil
}

func (r *CachedRepository) cacheVersion(ctx context.Context) (string, bool) {
	version, err := r.cache.Get(ctx, versionKey).Result()
	if err == nil {
		return version, true
	}
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	return "", false
}

func (r *CachedRepository) invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Incr(ctx, versionKey).Err(); err != nil {
		slog.Warn("cache invalidation failed", "err", err)
	}
}
