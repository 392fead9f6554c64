package domain

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the mint source and burn sink. It never holds a balance.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

type TxType string

const (
	TxMint     TxType = "mint"
	TxBurn     TxType = "burn"
	TxTransfer TxType = "transfer"
)

// Transaction is one applied token movement, unique by (Chain, TxHash, LogIndex).
// Seq is assigned by the ledger at append time and orders the chain's log.
type Transaction struct {
	Chain       string
	TxHash      string
	LogIndex    uint64
	From        string
	To          string
	Amount      *big.Int
	Type        TxType
	BlockHeight uint64
	Timestamp   time.Time
	Seq         uint64
}

const (
	PostingDebit  = 0
	PostingCredit = 1
)

// Posting is a signed balance change produced by a transaction for one holder.
type Posting struct {
	Index   int
	Address string
	Delta   *big.Int
}

func ClassifyTransfer(from, to string) TxType {
	switch {
	case IsZeroAddress(from):
		return TxMint
	case IsZeroAddress(to):
		return TxBurn
	default:
		return TxTransfer
	}
}

// Postings returns the debit (if any) followed by the credit (if any).
func (t Transaction) Postings() []Posting {
	postings := make([]Posting, 0, 2)
	if !IsZeroAddress(t.From) {
		postings = append(postings, Posting{Index: PostingDebit, Address: t.From, Delta: new(big.Int).Neg(t.Amount)})
	}
	if !IsZeroAddress(t.To) {
		postings = append(postings, Posting{Index: PostingCredit, Address: t.To, Delta: new(big.Int).Set(t.Amount)})
	}
	return postings
}

// Normalize lowercases addresses and hashes and fills Type when empty.
func (t Transaction) Normalize() (Transaction, error) {
	if strings.TrimSpace(t.Chain) == "" {
		return Transaction{}, Validation("missing_chain", "chain is required")
	}
	if strings.TrimSpace(t.TxHash) == "" {
		return Transaction{}, Validation("missing_tx_hash", "tx hash is required")
	}
	if t.Amount == nil || t.Amount.Sign() < 0 {
		return Transaction{}, Validation("invalid_amount", "amount must be a non-negative integer")
	}
	from, err := NormalizeAddress(t.From)
	if err != nil {
		return Transaction{}, err
	}
	to, err := NormalizeAddress(t.To)
	if err != nil {
		return Transaction{}, err
	}
	if from == ZeroAddress && to == ZeroAddress {
		return Transaction{}, Validation("invalid_transfer", "from and to are both the zero address")
	}
	t.Chain = strings.ToLower(strings.TrimSpace(t.Chain))
	t.TxHash = strings.ToLower(t.TxHash)
	t.From = from
	t.To = to
	if t.Type == "" {
		t.Type = ClassifyTransfer(from, to)
	}
	t.Timestamp = t.Timestamp.UTC().Truncate(time.Millisecond)
	return t, nil
}

func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", Validation("invalid_address", "invalid address %q", raw)
	}
	return strings.ToLower(common.HexToAddress(raw).Hex()), nil
}

func IsZeroAddress(address string) bool {
	return address == "" || strings.EqualFold(address, ZeroAddress)
}
