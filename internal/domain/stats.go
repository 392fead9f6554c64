package domain

import "github.com/shopspring/decimal"

type Stats struct {
	TotalUsers        int64
	TotalPoints       decimal.Decimal
	TotalTransactions int64
	LatestBlocks      map[string]uint64
}
