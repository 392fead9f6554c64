package domain

import "time"

// Backup is immutable metadata for a stored snapshot. Cursor is the chain's
// transaction seq at snapshot time.
type Backup struct {
	ID         string
	Chain      string
	CreatedAt  time.Time
	StorageRef string
	Cursor     uint64
}

// Snapshot is the ledger state of one chain as of Cursor.
type Snapshot struct {
	Chain       string
	Cursor      uint64
	LatestBlock uint64
	TakenAt     time.Time
	Balances    []BalanceRecord
	Points      []PointsRecord
}
