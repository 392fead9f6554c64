package storage

import (
	"context"
	"errors"
	"log/slog"

	"tokenpoints/internal/domain"
	"tokenpoints/internal/infrastructure/clickhouse"
	"tokenpoints/internal/infrastructure/sqlstore"
)

// Repository is the SQL ledger plus the optional ClickHouse archive. Every
// method not overridden here is served by the SQL store.
type Repository struct {
	*sqlstore.Repository
	archive *clickhouse.Archive
}

func NewRepository(primary *sqlstore.Repository, archive *clickhouse.Archive) (*Repository, error) {
	if primary == nil {
		return nil, errors.New("primary repository is required")
	}
	return &Repository{Repository: primary, archive: archive}, nil
}

// AppendTransaction writes to the ledger and then mirrors the applied
// transaction. A failed mirror write is logged and does not fail the append.
func (r *Repository) AppendTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, []domain.BalanceHistoryEntry, error) {
	applied, entries, err := r.Repository.AppendTransaction(ctx, t)
	if err != nil || r.archive == nil {
		return applied, entries, err
	}
	if err := r.archive.StoreTransactions(ctx, []domain.Transaction{applied}); err != nil {
		slog.Warn("archive transaction failed", "chain", applied.Chain, "seq", applied.Seq, "err", err)
	}
	return applied, entries, nil
}

// RecentTransactions prefers the archive and falls back to the ledger.
func (r *Repository) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if r.archive != nil {
		txs, err := r.archive.RecentTransactions(ctx, limit)
		if err == nil {
			return txs, nil
		}
		slog.Warn("archive read failed, using ledger", "err", err)
	}
	return r.Repository.RecentTransactions(ctx, limit)
}

func (r *Repository) Ping(ctx context.Context) error {
	if err := r.Repository.Ping(ctx); err != nil {
		return err
	}
	if r.archive != nil {
		return r.archive.Ping(ctx)
	}
	return nil
}

func (r *Repository) Close() error {
	err := r.Repository.Close()
	if r.archive != nil {
		err = errors.Join(err, r.archive.Close())
	}
	return err
}
