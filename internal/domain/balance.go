package domain

import (
	"math/big"
	"time"
)

// BalanceRecord is the current balance of one holder on one chain.
// UpdatedAt is zero for a holder the ledger has never seen.
type BalanceRecord struct {
	Chain     string
	Address   string
	Balance   *big.Int
	UpdatedAt time.Time
}

// BalanceHistoryEntry records one posting. BalanceAfter equals
// BalanceBefore plus ChangeAmount.
type BalanceHistoryEntry struct {
	Chain         string
	Address       string
	Timestamp     time.Time
	ChangeType    TxType
	BalanceBefore *big.Int
	BalanceAfter  *big.Int
	ChangeAmount  *big.Int
	TxHash        string
	LogIndex      uint64
	BlockHeight   uint64
	Seq           uint64

	// Posting is 0 for the debit and 1 for the credit of Seq.
	Posting int
}

// HistoryCursor positions a reverse-chronological history page. Entries
// strictly before (Timestamp, Seq, Posting) in that order are returned.
type HistoryCursor struct {
	Timestamp time.Time
	Seq       uint64
	Posting   int
}

func (e BalanceHistoryEntry) Cursor() HistoryCursor {
	return HistoryCursor{Timestamp: e.Timestamp, Seq: e.Seq, Posting: e.Posting}
}
