package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tokenpoints/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// SnapshotChain reads the cursor, balances and points of chain inside one
// read transaction so the three agree with each other.
func (r *Repository) SnapshotChain(ctx context.Context, chain string) (domain.Snapshot, error) {
	ctx, span := r.startSpan(ctx, "SnapshotChain", attribute.String("chain", chain))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, r.dialect.SnapshotTx)
	if err != nil {
		return domain.Snapshot{}, recordErr(span, err)
	}
	defer rollback(tx)

	snap := domain.Snapshot{Chain: chain}
	err = tx.QueryRowContext(ctx, `SELECT seq, latest_block FROM chain_cursors WHERE chain = ?`, chain).Scan(&snap.Cursor, &snap.LatestBlock)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, recordErr(span, err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT address, balance, updated_at FROM balances WHERE chain = ? ORDER BY address`, chain)
	if err != nil {
		return domain.Snapshot{}, recordErr(span, err)
	}
	for rows.Next() {
		var (
			rec       = domain.BalanceRecord{Chain: chain}
			raw       string
			updatedAt int64
		)
		if err := rows.Scan(&rec.Address, &raw, &updatedAt); err != nil {
			rows.Close()
			return domain.Snapshot{}, recordErr(span, err)
		}
		if rec.Balance, err = parseInt(raw); err != nil {
			rows.Close()
			return domain.Snapshot{}, recordErr(span, err)
		}
		rec.UpdatedAt = fromMillis(updatedAt)
		snap.Balances = append(snap.Balances, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, recordErr(span, err)
	}

	snap.Points, err = r.queryPoints(ctx, tx, `SELECT `+pointsColumns+` FROM points_records
		WHERE chain = ? ORDER BY address, window_start`, chain)
	if err != nil {
		return domain.Snapshot{}, recordErr(span, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Snapshot{}, recordErr(span, err)
	}
	span.SetAttributes(
		attribute.Int64("cursor", int64(snap.Cursor)),
		attribute.Int("balance.count", len(snap.Balances)),
		attribute.Int("points.count", len(snap.Points)),
	)
	return snap, nil
}

// RestoreSnapshot swaps the chain's balances and points for the snapshot's
// and drops history rows past its cursor. Nothing is visible until commit.
func (r *Repository) RestoreSnapshot(ctx context.Context, snap domain.Snapshot) error {
	ctx, span := r.startSpan(ctx, "RestoreSnapshot",
		attribute.String("chain", snap.Chain),
		attribute.Int64("cursor", int64(snap.Cursor)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return recordErr(span, err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM balances WHERE chain = ?`, snap.Chain); err != nil {
		return recordErr(span, err)
	}
	for _, rec := range snap.Balances {
		if rec.Chain != snap.Chain {
			return recordErr(span, fmt.Errorf("balance for chain %q in snapshot of %q", rec.Chain, snap.Chain))
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO balances (chain, address, balance, updated_at) VALUES (?, ?, ?, ?)`,
			rec.Chain, rec.Address, rec.Balance.String(), toMillis(rec.UpdatedAt)); err != nil {
			return recordErr(span, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM points_records WHERE chain = ?`, snap.Chain); err != nil {
		return recordErr(span, err)
	}
	for _, rec := range snap.Points {
		if rec.Chain != snap.Chain {
			return recordErr(span, fmt.Errorf("points for chain %q in snapshot of %q", rec.Chain, snap.Chain))
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO points_records (`+pointsColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Chain, rec.Address, toMillis(rec.WindowStart), toMillis(rec.WindowEnd), rec.TotalPoints.String(), toMillis(rec.LastCalculatedAt)); err != nil {
			return recordErr(span, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM balance_history WHERE chain = ? AND seq > ?`, snap.Chain, snap.Cursor); err != nil {
		return recordErr(span, err)
	}
	return recordErr(span, tx.Commit())
}

func (r *Repository) InsertBackup(ctx context.Context, backup domain.Backup) error {
	ctx, span := r.startSpan(ctx, "InsertBackup", attribute.String("backup.id", backup.ID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `INSERT INTO backups (id, chain, created_at, storage_ref, cursor_seq) VALUES (?, ?, ?, ?, ?)`,
		backup.ID, backup.Chain, toMillis(backup.CreatedAt), backup.StorageRef, backup.Cursor)
	return recordErr(span, err)
}

func (r *Repository) GetBackup(ctx context.Context, id string) (domain.Backup, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	backup, err := scanBackup(r.db.QueryRowContext(ctx, `SELECT id, chain, created_at, storage_ref, cursor_seq FROM backups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Backup{}, domain.ErrBackupNotFound
	}
	return backup, err
}

func (r *Repository) ListBackups(ctx context.Context) ([]domain.Backup, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT id, chain, created_at, storage_ref, cursor_seq FROM backups ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backups []domain.Backup
	for rows.Next() {
		backup, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, backup)
	}
	return backups, rows.Err()
}

func scanBackup(row rowScanner) (domain.Backup, error) {
	var (
		backup    domain.Backup
		createdAt int64
	)
	if err := row.Scan(&backup.ID, &backup.Chain, &createdAt, &backup.StorageRef, &backup.Cursor); err != nil {
		return domain.Backup{}, err
	}
	backup.CreatedAt = fromMillis(createdAt)
	return backup, nil
}
