package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"tokenpoints/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const backupPayloadVersion = 1

// ChainLocker grants exclusive access to a chain's ledger.
type ChainLocker interface {
	LockChain(chain string) func()
}

type BackupConfig struct {
	Chains []string
	Retry  RetryPolicy
}

type BackupManager struct {
	repo     BackupRepository
	blobs    BlobStore
	locker   ChainLocker
	observer Observer
	chains   map[string]struct{}
	retry    RetryPolicy
	now      func() time.Time
}

func NewBackupManager(repo BackupRepository, blobs BlobStore, locker ChainLocker, observer Observer, cfg BackupConfig) (*BackupManager, error) {
	if repo == nil || blobs == nil || locker == nil {
		return nil, errors.New("backup repository, blob store and chain locker are required")
	}
	chains := make(map[string]struct{}, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		chains[chain] = struct{}{}
	}
	return &BackupManager{
		repo:     repo,
		blobs:    blobs,
		locker:   locker,
		observer: observerOrNop(observer),
		chains:   chains,
		retry:    cfg.Retry,
		now:      time.Now,
	}, nil
}

// CreateBackup snapshots chain and stores the payload. Appends continue
// while the payload is written.
func (m *BackupManager) CreateBackup(ctx context.Context, chain string) (domain.Backup, error) {
	if _, ok := m.chains[chain]; !ok {
		return domain.Backup{}, domain.Validation("unknown_chain", "unknown chain %q", chain)
	}
	started := m.now()

	var snap domain.Snapshot
	err := m.retry.Do(ctx, func() error {
		var err error
		snap, err = m.repo.SnapshotChain(ctx, chain)
		return err
	})
	if err != nil {
		return domain.Backup{}, fmt.Errorf("snapshot %s: %w", chain, err)
	}
	snap.TakenAt = started.UTC().Truncate(time.Millisecond)

	payload, err := EncodeSnapshot(snap)
	if err != nil {
		return domain.Backup{}, err
	}

	backup := domain.Backup{
		ID:        uuid.NewString(),
		Chain:     chain,
		CreatedAt: snap.TakenAt,
		Cursor:    snap.Cursor,
	}
	ref, err := m.blobs.Put(ctx, chain+"/"+backup.ID+".json", payload)
	if err != nil {
		return domain.Backup{}, fmt.Errorf("store backup payload: %w", err)
	}
	backup.StorageRef = ref

	writeCtx := context.WithoutCancel(ctx)
	if err := m.retry.Do(writeCtx, func() error { return m.repo.InsertBackup(writeCtx, backup) }); err != nil {
		return domain.Backup{}, err
	}

	took := m.now().Sub(started)
	m.observer.OnBackupCreated(chain, took)
	slog.Info("backup created",
		"backup_id", backup.ID,
		"chain", chain,
		"cursor", backup.Cursor,
		"balances", len(snap.Balances),
		"points", len(snap.Points),
		"bytes", len(payload),
		"took", took,
	)
	return backup, nil
}

func (m *BackupManager) ListBackups(ctx context.Context) ([]domain.Backup, error) {
	var backups []domain.Backup
	err := m.retry.Do(ctx, func() error {
		var err error
		backups, err = m.repo.ListBackups(ctx)
		return err
	})
	return backups, err
}

// RestoreBackup replaces the chain's balances and points with the backup's.
// The chain takes no appends while the swap runs.
func (m *BackupManager) RestoreBackup(ctx context.Context, id string) (domain.Backup, error) {
	started := m.now()
	var backup domain.Backup
	err := m.retry.Do(ctx, func() error {
		var err error
		backup, err = m.repo.GetBackup(ctx, id)
		return err
	})
	if err != nil {
		return domain.Backup{}, err
	}

	payload, err := m.blobs.Get(ctx, backup.StorageRef)
	if err != nil {
		return domain.Backup{}, fmt.Errorf("load backup payload %s: %w", backup.ID, err)
	}
	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return domain.Backup{}, fmt.Errorf("decode backup payload %s: %w", backup.ID, err)
	}
	if snap.Chain != backup.Chain || snap.Cursor != backup.Cursor {
		return domain.Backup{}, fmt.Errorf("backup payload %s does not match its metadata", backup.ID)
	}

	unlock := m.locker.LockChain(backup.Chain)
	defer unlock()

	writeCtx := context.WithoutCancel(ctx)
	if err := m.retry.Do(writeCtx, func() error { return m.repo.RestoreSnapshot(writeCtx, snap) }); err != nil {
		return domain.Backup{}, err
	}

	took := m.now().Sub(started)
	m.observer.OnBackupRestored(backup.Chain, took)
	slog.Info("backup restored",
		"backup_id", backup.ID,
		"chain", backup.Chain,
		"cursor", backup.Cursor,
		"took", took,
	)
	return backup, nil
}

type snapshotFile struct {
	Version     int           `json:"version"`
	Chain       string        `json:"chain"`
	Cursor      uint64        `json:"cursor"`
	LatestBlock uint64        `json:"latestBlock"`
	TakenAt     int64         `json:"takenAt"`
	Balances    []balanceFile `json:"balances"`
	Points      []pointsFile  `json:"points"`
}

type balanceFile struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	UpdatedAt int64  `json:"updatedAt"`
}

type pointsFile struct {
	Address          string          `json:"address"`
	TotalPoints      decimal.Decimal `json:"totalPoints"`
	LastCalculatedAt int64           `json:"lastCalculatedAt"`
	WindowStart      int64           `json:"windowStart"`
	WindowEnd        int64           `json:"windowEnd"`
}

// EncodeSnapshot renders snap as the stored backup payload. Times are unix
// milliseconds and amounts are decimal strings.
func EncodeSnapshot(snap domain.Snapshot) ([]byte, error) {
	file := snapshotFile{
		Version:     backupPayloadVersion,
		Chain:       snap.Chain,
		Cursor:      snap.Cursor,
		LatestBlock: snap.LatestBlock,
		TakenAt:     unixMilli(snap.TakenAt),
		Balances:    make([]balanceFile, 0, len(snap.Balances)),
		Points:      make([]pointsFile, 0, len(snap.Points)),
	}
	for _, rec := range snap.Balances {
		balance := "0"
		if rec.Balance != nil {
			balance = rec.Balance.String()
		}
		file.Balances = append(file.Balances, balanceFile{
			Address:   rec.Address,
			Balance:   balance,
			UpdatedAt: unixMilli(rec.UpdatedAt),
		})
	}
	for _, rec := range snap.Points {
		file.Points = append(file.Points, pointsFile{
			Address:          rec.Address,
			TotalPoints:      rec.TotalPoints,
			LastCalculatedAt: unixMilli(rec.LastCalculatedAt),
			WindowStart:      unixMilli(rec.WindowStart),
			WindowEnd:        unixMilli(rec.WindowEnd),
		})
	}
	return json.Marshal(file)
}

func DecodeSnapshot(payload []byte) (domain.Snapshot, error) {
	var file snapshotFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return domain.Snapshot{}, err
	}
	if file.Version != backupPayloadVersion {
		return domain.Snapshot{}, fmt.Errorf("unsupported backup version %d", file.Version)
	}
	snap := domain.Snapshot{
		Chain:       file.Chain,
		Cursor:      file.Cursor,
		LatestBlock: file.LatestBlock,
		TakenAt:     fromUnixMilli(file.TakenAt),
		Balances:    make([]domain.BalanceRecord, 0, len(file.Balances)),
		Points:      make([]domain.PointsRecord, 0, len(file.Points)),
	}
	for _, rec := range file.Balances {
		balance, ok := new(big.Int).SetString(rec.Balance, 10)
		if !ok {
			return domain.Snapshot{}, fmt.Errorf("invalid balance %q for %s", rec.Balance, rec.Address)
		}
		snap.Balances = append(snap.Balances, domain.BalanceRecord{
			Chain:     file.Chain,
			Address:   rec.Address,
			Balance:   balance,
			UpdatedAt: fromUnixMilli(rec.UpdatedAt),
		})
	}
	for _, rec := range file.Points {
		snap.Points = append(snap.Points, domain.PointsRecord{
			Chain:            file.Chain,
			Address:          rec.Address,
			TotalPoints:      rec.TotalPoints,
			LastCalculatedAt: fromUnixMilli(rec.LastCalculatedAt),
			WindowStart:      fromUnixMilli(rec.WindowStart),
			WindowEnd:        fromUnixMilli(rec.WindowEnd),
		})
	}
	return snap, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
