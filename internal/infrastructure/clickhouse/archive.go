package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"strings"
	"time"

	"tokenpoints/internal/domain"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Archive mirrors applied transactions into ClickHouse for analytics and
// the recent-transactions feed. The SQL ledger stays authoritative.
type Archive struct {
	db   *sql.DB
	conn driver.Conn
}

func NewArchive(dsn string) (*Archive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("clickhouse dsn is required")
	}
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, err
	}
	db := clickhouse.OpenDB(options)
	if err := db.Ping(); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db, conn: conn}, nil
}

// ReplacingMergeTree on (chain, seq) collapses rows re-sent after a retry.
func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS transactions (
		chain LowCardinality(String),
		seq UInt64,
		tx_hash String,
		log_index UInt64,
		from_addr String,
		to_addr String,
		amount String,
		tx_type LowCardinality(String),
		block_height UInt64,
		ts DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	PARTITION BY chain
	ORDER BY (chain, seq)`)
	return err
}

func (a *Archive) StoreTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":          1,
		"wait_for_async_insert": 0,
	}))

	batch, err := a.conn.PrepareBatch(ctx, `INSERT INTO transactions (chain, seq, tx_hash, log_index, from_addr, to_addr, amount, tx_type, block_height, ts)`)
	if err != nil {
		return err
	}
	for _, t := range txs {
		if err := batch.Append(
			t.Chain,
			t.Seq,
			t.TxHash,
			t.LogIndex,
			t.From,
			t.To,
			t.Amount.String(),
			string(t.Type),
			t.BlockHeight,
			t.Timestamp,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (a *Archive) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := a.conn.Query(ctx, `SELECT chain, seq, tx_hash, log_index, from_addr, to_addr, amount, tx_type, block_height, ts
		FROM transactions FINAL
		ORDER BY ts DESC, seq DESC
		LIMIT ?`, limit)
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
		)
		if err := rows.Scan(&t.Chain, &t.Seq, &t.TxHash, &t.LogIndex, &t.From, &t.To, &amount, &txType, &t.BlockHeight, &t.Timestamp); err != nil {
			return nil, err
		}
		value, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, errors.New("invalid archived amount " + amount)
		}
		t.Amount = value
		t.Type = domain.TxType(txType)
		t.Timestamp = t.Timestamp.UTC()
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (a *Archive) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.conn.Ping(ctx)
}

func (a *Archive) Close() error {
	return errors.Join(a.conn.Close(), a.db.Close())
}
