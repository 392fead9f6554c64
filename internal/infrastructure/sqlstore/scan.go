package sqlstore

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

func parseInt(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal %q: %w", raw, err)
	}
	return value, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
