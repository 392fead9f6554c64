package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	"tokenpoints/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

const historyColumns = `chain, address, ts, change_type, balance_before, balance_after, change_amount, tx_hash, log_index, block_height, seq, posting`

// EnsureChains creates the cursor row of every chain that has none yet.
func (r *Repository) EnsureChains(ctx context.Context, chains []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, chain := range chains {
		var seq uint64
		err := r.db.QueryRowContext(ctx, `SELECT seq FROM chain_cursors WHERE chain = ?`, chain).Scan(&seq)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := r.db.ExecContext(ctx, `INSERT INTO chain_cursors (chain, seq, latest_block) VALUES (?, 0, 0)`, chain); err != nil {
			return err
		}
	}
	return nil
}

// AppendTransaction records t, moves the balances of its postings and
// appends their history rows in one database transaction. History rows are
// stamped with the effective time from effectiveTime; the transaction row
// keeps t.Timestamp. A transaction
// already present under (chain, tx_hash, log_index) yields
// domain.ErrDuplicateTransaction and changes nothing.
func (r *Repository) AppendTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, []domain.BalanceHistoryEntry, error) {
	ctx, span := r.startSpan(ctx, "AppendTransaction",
		attribute.String("chain", t.Chain),
		attribute.String("tx.hash", t.TxHash),
		attribute.Int64("log.index", int64(t.LogIndex)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, nil, recordErr(span, err)
	}
	defer rollback(tx)

	seq, latestBlock, err := r.lockCursor(ctx, tx, t.Chain)
	if err != nil {
		return domain.Transaction{}, nil, recordErr(span, err)
	}

	var existing uint64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM transactions WHERE chain = ? AND tx_hash = ? AND log_index = ?`,
		t.Chain, t.TxHash, t.LogIndex).Scan(&existing)
	switch {
	case err == nil:
		return domain.Transaction{}, nil, domain.ErrDuplicateTransaction
	case !errors.Is(err, sql.ErrNoRows):
		return domain.Transaction{}, nil, recordErr(span, err)
	}

	t.Seq = seq + 1
	if t.BlockHeight > latestBlock {
		latestBlock = t.BlockHeight
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chain_cursors SET seq = ?, latest_block = ? WHERE chain = ?`, t.Seq, latestBlock, t.Chain); err != nil {
		return domain.Transaction{}, nil, recordErr(span, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO transactions (chain, seq, tx_hash, log_index, from_addr, to_addr, amount, tx_type, block_height, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Chain, t.Seq, t.TxHash, t.LogIndex, t.From, t.To, t.Amount.String(), string(t.Type), t.BlockHeight, toMillis(t.Timestamp)); err != nil {
		return domain.Transaction{}, nil, recordErr(span, err)
	}

	postings := t.Postings()
	effective, err := r.effectiveTime(ctx, tx, t.Chain, postings, t.Timestamp)
	if err != nil {
		return domain.Transaction{}, nil, recordErr(span, err)
	}
	entries := make([]domain.BalanceHistoryEntry, 0, len(postings))
	for _, posting := range postings {
		before, found, err := r.readBalance(ctx, tx, t.Chain, posting.Address)
		if err != nil {
			return domain.Transaction{}, nil, recordErr(span, err)
		}
		after := new(big.Int).Add(before, posting.Delta)
		if found {
			_, err = tx.ExecContext(ctx, `UPDATE balances SET balance = ?, updated_at = ? WHERE chain = ? AND address = ?`,
				after.String(), toMillis(effective), t.Chain, posting.Address)
		} else {
			_, err = tx.ExecContext(ctx, `INSERT INTO balances (chain, address, balance, updated_at) VALUES (?, ?, ?, ?)`,
				t.Chain, posting.Address, after.String(), toMillis(effective))
		}
		if err != nil {
			return domain.Transaction{}, nil, recordErr(span, err)
		}

		entry := domain.BalanceHistoryEntry{
			Chain:         t.Chain,
			Address:       posting.Address,
			Timestamp:     effective,
			ChangeType:    t.Type,
			BalanceBefore: before,
			BalanceAfter:  after,
			ChangeAmount:  posting.Delta,
			TxHash:        t.TxHash,
			LogIndex:      t.LogIndex,
			BlockHeight:   t.BlockHeight,
			Seq:           t.Seq,
			Posting:       posting.Index,
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO balance_history (`+historyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.Chain, entry.Address, toMillis(entry.Timestamp), string(entry.ChangeType),
			entry.BalanceBefore.String(), entry.BalanceAfter.String(), entry.ChangeAmount.String(),
			entry.TxHash, entry.LogIndex, entry.BlockHeight, entry.Seq, entry.Posting); err != nil {
			return domain.Transaction{}, nil, recordErr(span, err)
		}
		entries = append(entries, entry)
	}

	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, nil, recordErr(span, err)
	}
	span.SetAttributes(attribute.Int64("seq", int64(t.Seq)))
	return t, entries, nil
}

func (r *Repository) lockCursor(ctx context.Context, tx *sql.Tx, chain string) (uint64, uint64, error) {
	var seq, latest uint64
	err := tx.QueryRowContext(ctx, `SELECT seq, latest_block FROM chain_cursors WHERE chain = ?`+r.dialect.ForUpdate, chain).Scan(&seq, &latest)
	if err == nil {
		return seq, latest, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO chain_cursors (chain, seq, latest_block) VALUES (?, 0, 0)`, chain); err != nil {
		return 0, 0, err
	}
	return 0, 0, nil
}

// effectiveTime is the time the postings take effect: at, or the latest
// change of any holder involved when a log arrives out of order. A holder's
// history therefore has non-decreasing timestamps in seq order.
func (r *Repository) effectiveTime(ctx context.Context, tx *sql.Tx, chain string, postings []domain.Posting, at time.Time) (time.Time, error) {
	effective := toMillis(at)
	for _, posting := range postings {
		var updatedAt int64
		err := tx.QueryRowContext(ctx, `SELECT updated_at FROM balances WHERE chain = ? AND address = ?`+r.dialect.ForUpdate,
			chain, posting.Address).Scan(&updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return time.Time{}, err
		}
		effective = max(effective, updatedAt)
	}
	return fromMillis(effective), nil
}

func (r *Repository) readBalance(ctx context.Context, tx *sql.Tx, chain, address string) (*big.Int, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM balances WHERE chain = ? AND address = ?`+r.dialect.ForUpdate, chain, address).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := parseInt(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *Repository) GetBalance(ctx context.Context, chain, address string) (domain.BalanceRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	record := domain.BalanceRecord{Chain: chain, Address: address, Balance: new(big.Int)}
	var (
		raw       string
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT balance, updated_at FROM balances WHERE chain = ? AND address = ?`, chain, address).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return record, false, nil
	}
	if err != nil {
		return domain.BalanceRecord{}, false, err
	}
	balance, err := parseInt(raw)
	if err != nil {
		return domain.BalanceRecord{}, false, err
	}
	record.Balance = balance
	record.UpdatedAt = fromMillis(updatedAt)
	return record, true, nil
}

// HistoryPage returns up to limit entries newest first, strictly before
// the cursor when one is given.
func (r *Repository) HistoryPage(ctx context.Context, chain, address string, before *domain.HistoryCursor, limit int) ([]domain.BalanceHistoryEntry, error) {
	ctx, span := r.startSpan(ctx, "HistoryPage",
		attribute.String("chain", chain),
		attribute.String("address", address),
		attribute.Int("limit", limit),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + historyColumns + ` FROM balance_history WHERE chain = ? AND address = ?`
	args := []any{chain, address}
	if before != nil {
		ts := toMillis(before.Timestamp)
		query += ` AND (ts < ? OR (ts = ? AND (seq < ? OR (seq = ? AND posting < ?))))`
		args = append(args, ts, ts, before.Seq, before.Seq, before.Posting)
	}
	query += ` ORDER BY ts DESC, seq DESC, posting DESC LIMIT ?`
	args = append(args, limit)

	entries, err := r.queryHistory(ctx, query, args...)
	return entries, recordErr(span, err)
}

func (r *Repository) queryHistory(ctx context.Context, query string, args ...any) ([]domain.BalanceHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.BalanceHistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanHistory(row rowScanner) (domain.BalanceHistoryEntry, error) {
	var (
		entry                 domain.BalanceHistoryEntry
		ts                    int64
		changeType            string
		before, after, change string
	)
	if err := row.Scan(&entry.Chain, &entry.Address, &ts, &changeType, &before, &after, &change,
		&entry.TxHash, &entry.LogIndex, &entry.BlockHeight, &entry.Seq, &entry.Posting); err != nil {
		return domain.BalanceHistoryEntry{}, err
	}
	var err error
	if entry.BalanceBefore, err = parseInt(before); err != nil {
		return domain.BalanceHistoryEntry{}, err
	}
	if entry.BalanceAfter, err = parseInt(after); err != nil {
		return domain.BalanceHistoryEntry{}, err
	}
	if entry.ChangeAmount, err = parseInt(change); err != nil {
		return domain.BalanceHistoryEntry{}, err
	}
	entry.Timestamp = fromMillis(ts)
	entry.ChangeType = domain.TxType(changeType)
	return entry, nil
}
