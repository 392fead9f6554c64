package sqlite

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	"tokenpoints/internal/infrastructure/sqlstore"

	_ "modernc.org/sqlite"
)

// NewRepository opens (creating if needed) the SQLite ledger store at dbPath.
func NewRepository(dbPath string) (*sqlstore.Repository, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps every tx on the same file handle.
	db.SetMaxOpenConns(1)
	repo, err := sqlstore.New(db, Dialect())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name: "sqlite",
		UpsertState: `INSERT INTO state (state_key, state_value) VALUES (?, ?)
			ON CONFLICT(state_key) DO UPDATE SET state_value = excluded.state_value`,
		Schema: schema,
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chain_cursors (
		chain TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		latest_block INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		chain TEXT NOT NULL,
		seq INTEGER NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index INTEGER NOT NULL,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		block_height INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		PRIMARY KEY (chain, seq),
		UNIQUE (chain, tx_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS tx_ts_idx ON transactions (ts)`,
	`CREATE TABLE IF NOT EXISTS balances (
		chain TEXT NOT NULL,
		address TEXT NOT NULL,
		balance TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (chain, address)
	)`,
	`CREATE TABLE IF NOT EXISTS balance_history (
		chain TEXT NOT NULL,
		address TEXT NOT NULL,
		seq INTEGER NOT NULL,
		posting INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		change_type TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		change_amount TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index INTEGER NOT NULL,
		block_height INTEGER NOT NULL,
		PRIMARY KEY (chain, address, seq, posting)
	)`,
	`CREATE INDEX IF NOT EXISTS history_addr_ts_idx ON balance_history (chain, address, ts, seq)`,
	`CREATE INDEX IF NOT EXISTS history_chain_ts_idx ON balance_history (chain, ts)`,
	`CREATE TABLE IF NOT EXISTS points_records (
		chain TEXT NOT NULL,
		address TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		total_points TEXT NOT NULL,
		last_calculated_at INTEGER NOT NULL,
		PRIMARY KEY (chain, address, window_start)
	)`,
	`CREATE INDEX IF NOT EXISTS points_window_end_idx ON points_records (window_end)`,
	`CREATE TABLE IF NOT EXISTS recalculation_jobs (
		id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		error TEXT NOT NULL,
		addresses_total INTEGER NOT NULL,
		addresses_done INTEGER NOT NULL,
		addresses_failed INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_chain_idx ON recalculation_jobs (chain, created_at)`,
	`CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		storage_ref TEXT NOT NULL,
		cursor_seq INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS state (
		state_key TEXT PRIMARY KEY,
		state_value TEXT NOT NULL
	)`,
}
