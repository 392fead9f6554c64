package mysql

import (
	"database/sql"
	"errors"
	"time"

	"tokenpoints/internal/infrastructure/sqlstore"

	_ "github.com/go-sql-driver/mysql"
)

// NewRepository opens the MySQL ledger store and creates its tables.
func NewRepository(dsn string) (*sqlstore.Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	repo, err := sqlstore.New(db, Dialect())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:      "mysql",
		ForUpdate: " FOR UPDATE",
		UpsertState: `INSERT INTO state (state_key, state_value) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)`,
		SnapshotTx: &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
		Schema:     schema,
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chain_cursors (
		chain VARCHAR(32) NOT NULL,
		seq BIGINT UNSIGNED NOT NULL,
		latest_block BIGINT UNSIGNED NOT NULL,
		PRIMARY KEY (chain)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		chain VARCHAR(32) NOT NULL,
		seq BIGINT UNSIGNED NOT NULL,
		tx_hash VARCHAR(66) NOT NULL,
		log_index BIGINT UNSIGNED NOT NULL,
		from_addr VARCHAR(42) NOT NULL,
		to_addr VARCHAR(42) NOT NULL,
		amount DECIMAL(65,0) NOT NULL,
		tx_type VARCHAR(16) NOT NULL,
		block_height BIGINT UNSIGNED NOT NULL,
		ts BIGINT NOT NULL,
		PRIMARY KEY (chain, seq),
		UNIQUE KEY tx_unique (chain, tx_hash, log_index),
		KEY tx_ts_idx (ts)
	)`,
	`CREATE TABLE IF NOT EXISTS balances (
		chain VARCHAR(32) NOT NULL,
		address VARCHAR(42) NOT NULL,
		balance DECIMAL(65,0) NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (chain, address)
	)`,
	`CREATE TABLE IF NOT EXISTS balance_history (
		chain VARCHAR(32) NOT NULL,
		address VARCHAR(42) NOT NULL,
		seq BIGINT UNSIGNED NOT NULL,
		posting TINYINT NOT NULL,
		ts BIGINT NOT NULL,
		change_type VARCHAR(16) NOT NULL,
		balance_before DECIMAL(65,0) NOT NULL,
		balance_after DECIMAL(65,0) NOT NULL,
		change_amount DECIMAL(65,0) NOT NULL,
		tx_hash VARCHAR(66) NOT NULL,
		log_index BIGINT UNSIGNED NOT NULL,
		block_height BIGINT UNSIGNED NOT NULL,
		PRIMARY KEY (chain, address, seq, posting),
		KEY history_addr_ts_idx (chain, address, ts, seq),
		KEY history_chain_ts_idx (chain, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS points_records (
		chain VARCHAR(32) NOT NULL,
		address VARCHAR(42) NOT NULL,
		window_start BIGINT NOT NULL,
		window_end BIGINT NOT NULL,
		total_points DECIMAL(65,18) NOT NULL,
		last_calculated_at BIGINT NOT NULL,
		PRIMARY KEY (chain, address, window_start),
		KEY points_window_end_idx (window_end)
	)`,
	`CREATE TABLE IF NOT EXISTS recalculation_jobs (
		id VARCHAR(36) NOT NULL,
		chain VARCHAR(32) NOT NULL,
		start_time BIGINT NOT NULL,
		end_time BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL,
		created_at BIGINT NOT NULL,
		started_at BIGINT NOT NULL,
		finished_at BIGINT NOT NULL,
		error TEXT NOT NULL,
		addresses_total INT NOT NULL,
		addresses_done INT NOT NULL,
		addresses_failed INT NOT NULL,
		PRIMARY KEY (id),
		KEY jobs_chain_idx (chain, created_at),
		KEY jobs_status_idx (status)
	)`,
	`CREATE TABLE IF NOT EXISTS backups (
		id VARCHAR(36) NOT NULL,
		chain VARCHAR(32) NOT NULL,
		created_at BIGINT NOT NULL,
		storage_ref VARCHAR(255) NOT NULL,
		cursor_seq BIGINT UNSIGNED NOT NULL,
		PRIMARY KEY (id),
		KEY backups_created_idx (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS state (
		state_key VARCHAR(64) NOT NULL,
		state_value VARCHAR(64) NOT NULL,
		PRIMARY KEY (state_key)
	)`,
}
