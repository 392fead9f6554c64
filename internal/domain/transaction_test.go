package domain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
)

func TestNormalizeClassifiesAndLowercases(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 0, 0, 123456789, time.FixedZone("x", 3600))
	tx, err := Transaction{
		Chain:     " Sepolia ",
		TxHash:    "0xABC",
		From:      ZeroAddress,
		To:        "0x00000000000000000000000000000000000000AA",
		Amount:    big.NewInt(100),
		Timestamp: ts,
	}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, "sepolia", tx.Chain)
	assert.Equal(t, "0xabc", tx.TxHash)
	assert.Equal(t, alice, tx.To)
	assert.Equal(t, TxMint, tx.Type)
	assert.Equal(t, time.UTC, tx.Timestamp.Location())
	assert.Equal(t, 123*time.Millisecond, time.Duration(tx.Timestamp.Nanosecond()))
}

func TestNormalizeRejects(t *testing.T) {
	valid := Transaction{Chain: "sepolia", TxHash: "0x1", From: alice, To: bob, Amount: big.NewInt(1)}
	cases := map[string]func(tx *Transaction){
		"missing chain":   func(tx *Transaction) { tx.Chain = "" },
		"missing hash":    func(tx *Transaction) { tx.TxHash = " " },
		"nil amount":      func(tx *Transaction) { tx.Amount = nil },
		"negative amount": func(tx *Transaction) { tx.Amount = big.NewInt(-1) },
		"bad address":     func(tx *Transaction) { tx.From = "0x123" },
		"zero to zero":    func(tx *Transaction) { tx.From, tx.To = ZeroAddress, ZeroAddress },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tx := valid
			mutate(&tx)
			_, err := tx.Normalize()
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestPostings(t *testing.T) {
	amount := big.NewInt(40)

	transfer := Transaction{From: alice, To: bob, Amount: amount}.Postings()
	require.Len(t, transfer, 2)
	assert.Equal(t, PostingDebit, transfer[0].Index)
	assert.Equal(t, alice, transfer[0].Address)
	assert.Equal(t, "-40", transfer[0].Delta.String())
	assert.Equal(t, PostingCredit, transfer[1].Index)
	assert.Equal(t, "40", transfer[1].Delta.String())

	mint := Transaction{From: ZeroAddress, To: bob, Amount: amount}.Postings()
	require.Len(t, mint, 1)
	assert.Equal(t, bob, mint[0].Address)

	burn := Transaction{From: alice, To: ZeroAddress, Amount: amount}.Postings()
	require.Len(t, burn, 1)
	assert.Equal(t, alice, burn[0].Address)

	assert.Equal(t, "40", amount.String())
}

func TestClassifyTransfer(t *testing.T) {
	assert.Equal(t, TxMint, ClassifyTransfer("", bob))
	assert.Equal(t, TxBurn, ClassifyTransfer(alice, ZeroAddress))
	assert.Equal(t, TxTransfer, ClassifyTransfer(alice, bob))
}

func TestErrorMatchingByCode(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", ErrJobAlreadyRunning)
	assert.ErrorIs(t, wrapped, ErrJobAlreadyRunning)
	assert.NotErrorIs(t, wrapped, ErrJobTerminal)
	assert.Equal(t, KindConflict, KindOf(wrapped))

	cause := errors.New("connection refused")
	unavailable := Unavailable(cause)
	assert.ErrorIs(t, unavailable, ErrServiceUnavailable)
	assert.ErrorIs(t, unavailable, cause)
	assert.Equal(t, KindUnavailable, KindOf(unavailable))

	assert.Equal(t, KindInternal, KindOf(cause))
}

func TestOverlaps(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hour := func(n int) time.Time { return base.Add(time.Duration(n) * time.Hour) }

	assert.True(t, Overlaps(hour(0), hour(2), hour(1), hour(3)))
	assert.False(t, Overlaps(hour(0), hour(1), hour(1), hour(2)))
	assert.True(t, Overlaps(hour(0), hour(3), hour(1), hour(2)))
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
}
