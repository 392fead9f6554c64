package application

import (
	"context"
	"time"

	"tokenpoints/internal/domain"

	"github.com/shopspring/decimal"
)

type LedgerRepository interface {
	AppendTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, []domain.BalanceHistoryEntry, error)
	GetBalance(ctx context.Context, chain, address string) (domain.BalanceRecord, bool, error)
	HistoryPage(ctx context.Context, chain, address string, before *domain.HistoryCursor, limit int) ([]domain.BalanceHistoryEntry, error)
}

type PointsRepository interface {
	HistoryInWindow(ctx context.Context, chain, address string, windowStart, windowEnd time.Time) ([]domain.BalanceHistoryEntry, error)
	UpsertPointsRecord(ctx context.Context, rec domain.PointsRecord) error
	GetPoints(ctx context.Context, chain, address string) (domain.PointsSummary, error)
}

type AddressSource interface {
	ActiveAddresses(ctx context.Context, chain string, windowStart, windowEnd time.Time) ([]string, error)
}

type JobRepository interface {
	CreateJob(ctx context.Context, job domain.RecalculationJob) error
	UpdateJob(ctx context.Context, job domain.RecalculationJob) error
	GetJob(ctx context.Context, id string) (domain.RecalculationJob, error)
	ListJobs(ctx context.Context, chain string, limit int) ([]domain.RecalculationJob, error)
	FailStaleJobs(ctx context.Context, reason string, at time.Time) (int64, error)
}

type BackupRepository interface {
	SnapshotChain(ctx context.Context, chain string) (domain.Snapshot, error)
	RestoreSnapshot(ctx context.Context, snap domain.Snapshot) error
	InsertBackup(ctx context.Context, backup domain.Backup) error
	GetBackup(ctx context.Context, id string) (domain.Backup, error)
	ListBackups(ctx context.Context) ([]domain.Backup, error)
}

// BlobStore keeps backup payloads. Put returns the reference Get accepts.
type BlobStore interface {
	Put(ctx context.Context, key string, payload []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

type StatsRepository interface {
	CountHolders(ctx context.Context) (int64, error)
	CountTransactions(ctx context.Context) (int64, error)
	SumPoints(ctx context.Context) (decimal.Decimal, error)
	LatestBlocks(ctx context.Context) (map[string]uint64, error)
	PointsByDay(ctx context.Context, since time.Time) ([]domain.PointsBucket, error)
	RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
}

type StateRepository interface {
	LastProcessedBlock(ctx context.Context, chain string) (uint64, bool, error)
	SetLastProcessedBlock(ctx context.Context, chain string, block uint64) error
}

// Store is everything the ledger process needs from storage.
type Store interface {
	LedgerRepository
	PointsRepository
	AddressSource
	JobRepository
	BackupRepository
	StatsRepository
	EnsureChains(ctx context.Context, chains []string) error
	Ping(ctx context.Context) error
	Close() error
}
