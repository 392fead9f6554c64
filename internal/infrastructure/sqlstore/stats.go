package sqlstore

import (
	"context"
	"time"

	"tokenpoints/internal/domain"

	"github.com/shopspring/decimal"
)

func (r *Repository) CountHolders(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM balances`)
}

func (r *Repository) CountTransactions(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM transactions`)
}

func (r *Repository) count(ctx context.Context, query string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var n int64
	err := r.db.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// SumPoints adds every stored points record. The sum is taken in Go so both
// dialects agree on precision.
func (r *Repository) SumPoints(ctx context.Context) (decimal.Decimal, error) {
	ctx, span := r.startSpan(ctx, "SumPoints")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT total_points FROM points_records`)
	if err != nil {
		return decimal.Zero, recordErr(span, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, recordErr(span, err)
		}
		points, err := parseDecimal(raw)
		if err != nil {
			return decimal.Zero, recordErr(span, err)
		}
		total = total.Add(points)
	}
	return total, recordErr(span, rows.Err())
}

func (r *Repository) LatestBlocks(ctx context.Context) (map[string]uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT chain, latest_block FROM chain_cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := make(map[string]uint64)
	for rows.Next() {
		var (
			chain string
			block uint64
		)
		if err := rows.Scan(&chain, &block); err != nil {
			return nil, err
		}
		blocks[chain] = block
	}
	return blocks, rows.Err()
}

// RecentTransactions returns the newest transactions across all chains.
func (r *Repository) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT chain, seq, tx_hash, log_index, from_addr, to_addr, amount, tx_type, block_height, ts
		FROM transactions ORDER BY ts DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var (
			t      domain.Transaction
			amount string
			txType string
			ts     int64
		)
		if err := rows.Scan(&t.Chain, &t.Seq, &t.TxHash, &t.LogIndex, &t.From, &t.To, &amount, &txType, &t.BlockHeight, &ts); err != nil {
			return nil, err
		}
		if t.Amount, err = parseInt(amount); err != nil {
			return nil, err
		}
		t.Type = domain.TxType(txType)
		t.Timestamp = fromMillis(ts)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
