package application

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tokenpoints/internal/domain"
	"tokenpoints/internal/infrastructure/sqlite"
	"tokenpoints/internal/infrastructure/sqlstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
	carol = "0x00000000000000000000000000000000000000cc"
)

var (
	testChains = []string{"sepolia", "base"}
	t0         = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
)

func newStore(t *testing.T) *sqlstore.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.EnsureChains(context.Background(), testChains))
	return repo
}

func newTestLedger(t *testing.T, repo LedgerRepository, observer Observer) *Ledger {
	t.Helper()
	ledger, err := NewLedger(repo, observer, LedgerConfig{Chains: testChains})
	require.NoError(t, err)
	return ledger
}

func transferTx(hash, from, to string, amount int64, at time.Time) domain.Transaction {
	return domain.Transaction{
		Chain:       "sepolia",
		TxHash:      hash,
		From:        from,
		To:          to,
		Amount:      big.NewInt(amount),
		BlockHeight: uint64(at.Unix()),
		Timestamp:   at,
	}
}

func applyAll(t *testing.T, ledger *Ledger, txs ...domain.Transaction) {
	t.Helper()
	for _, tx := range txs {
		_, applied, err := ledger.ApplyTransaction(context.Background(), tx)
		require.NoError(t, err)
		require.True(t, applied, tx.TxHash)
	}
}

type countingObserver struct {
	nopObserver
	applied    atomic.Int64
	duplicates atomic.Int64
}

func (o *countingObserver) OnTransactionApplied(string, uint64) { o.applied.Add(1) }
func (o *countingObserver) OnDuplicateTransaction(string)       { o.duplicates.Add(1) }

func collectHistory(t *testing.T, ledger *Ledger, address string, pageSize int, before *domain.HistoryCursor) []domain.BalanceHistoryEntry {
	t.Helper()
	var entries []domain.BalanceHistoryEntry
	for entry, err := range ledger.History(context.Background(), "sepolia", address, pageSize, before) {
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	return entries
}

func TestLedgerMintThenTransfer(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, newStore(t), nil)

	applyAll(t, ledger,
		transferTx("0x01", domain.ZeroAddress, alice, 100, t0),
		transferTx("0x02", alice, bob, 40, t0.Add(time.Hour)),
	)

	aliceBalance, err := ledger.GetBalance(ctx, "sepolia", alice)
	require.NoError(t, err)
	assert.Equal(t, "60", aliceBalance.Balance.String())

	bobBalance, err := ledger.GetBalance(ctx, "sepolia", bob)
	require.NoError(t, err)
	assert.Equal(t, "40", bobBalance.Balance.String())

	history := collectHistory(t, ledger, alice, 1, nil)
	require.Len(t, history, 2)
	assert.Equal(t, "100", history[0].BalanceBefore.String())
	assert.Equal(t, "60", history[0].BalanceAfter.String())
	assert.Equal(t, "-40", history[0].ChangeAmount.String())
	assert.Equal(t, domain.TxTransfer, history[0].ChangeType)
	assert.Equal(t, "0", history[1].BalanceBefore.String())
	assert.Equal(t, "100", history[1].BalanceAfter.String())
	assert.Equal(t, domain.TxMint, history[1].ChangeType)

	cursor := history[0].Cursor()
	older := collectHistory(t, ledger, alice, 10, &cursor)
	require.Len(t, older, 1)
	assert.Equal(t, history[1].Seq, older[0].Seq)
}

func TestLedgerOutOfOrderTransfersKeepReplayOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ledger := newTestLedger(t, store, nil)

	minted := t0.Add(30 * time.Minute)
	applyAll(t, ledger,
		transferTx("0x01", domain.ZeroAddress, alice, 100, minted),
		transferTx("0x02", alice, bob, 40, t0.Add(10*time.Minute)),
	)

	history := collectHistory(t, ledger, alice, 10, nil)
	require.Len(t, history, 2)
	slices.Reverse(history)
	for i := range history {
		assert.Equal(t, uint64(i+1), history[i].Seq)
		assert.Equal(t, history[i].BalanceAfter.String(), new(big.Int).Add(history[i].BalanceBefore, history[i].ChangeAmount).String())
		if i > 0 {
			assert.Equal(t, history[i-1].BalanceAfter.String(), history[i].BalanceBefore.String())
			assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
		}
	}
	assert.True(t, history[1].Timestamp.Equal(minted))

	bobHistory := collectHistory(t, ledger, bob, 10, nil)
	require.Len(t, bobHistory, 1)
	assert.True(t, bobHistory[0].Timestamp.Equal(minted))

	recent, err := store.RecentTransactions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "0x02", recent[1].TxHash)
	assert.True(t, recent[1].Timestamp.Equal(t0.Add(10*time.Minute)))

	// Nothing is held before the mint; 60 and 40 from the mint to the hour.
	engine := newTestPoints(t, store)
	aliceRec, ok, err := engine.ComputePoints(ctx, "sepolia", alice, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assertDecimal(t, "1.5", aliceRec.TotalPoints)
	bobRec, ok, err := engine.ComputePoints(ctx, "sepolia", bob, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assertDecimal(t, "1", bobRec.TotalPoints)
}

func TestLedgerAbsorbsDuplicates(t *testing.T) {
	ctx := context.Background()
	observer := &countingObserver{}
	ledger := newTestLedger(t, newStore(t), observer)

	tx := transferTx("0xAB", domain.ZeroAddress, alice, 100, t0)
	first, applied, err := ledger.ApplyTransaction(ctx, tx)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(1), first.Seq)

	_, applied, err = ledger.ApplyTransaction(ctx, tx)
	require.NoError(t, err)
	assert.False(t, applied)

	balance, err := ledger.GetBalance(ctx, "sepolia", alice)
	require.NoError(t, err)
	assert.Equal(t, "100", balance.Balance.String())
	assert.Equal(t, int64(1), observer.applied.Load())
	assert.Equal(t, int64(1), observer.duplicates.Load())
}

func TestLedgerValidation(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, newStore(t), nil)

	tx := transferTx("0x01", domain.ZeroAddress, alice, 1, t0)
	tx.Chain = "mainnet"
	_, _, err := ledger.ApplyTransaction(ctx, tx)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = ledger.GetBalance(ctx, "sepolia", "not-an-address")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	balance, err := ledger.GetBalance(ctx, "base", carol)
	require.NoError(t, err)
	assert.Equal(t, "0", balance.Balance.String())
	assert.True(t, balance.UpdatedAt.IsZero())

	var historyErr error
	for _, err := range ledger.History(ctx, "mainnet", alice, 10, nil) {
		historyErr = err
	}
	assert.Equal(t, domain.KindValidation, domain.KindOf(historyErr))
}

func TestLedgerNegativeBalanceIsKept(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, newStore(t), nil)

	applyAll(t, ledger, transferTx("0x01", alice, bob, 5, t0))

	balance, err := ledger.GetBalance(ctx, "sepolia", alice)
	require.NoError(t, err)
	assert.Equal(t, "-5", balance.Balance.String())
}

func TestLedgerConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, newStore(t), nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			from, to := alice, bob
			if i%2 == 1 {
				from, to = bob, alice
			}
			_, _, err := ledger.ApplyTransaction(ctx, transferTx(fmt.Sprintf("0x%02x", i), from, to, 1, t0.Add(time.Duration(i)*time.Second)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	aliceBalance, err := ledger.GetBalance(ctx, "sepolia", alice)
	require.NoError(t, err)
	bobBalance, err := ledger.GetBalance(ctx, "sepolia", bob)
	require.NoError(t, err)
	assert.Equal(t, "0", aliceBalance.Balance.String())
	assert.Equal(t, "0", bobBalance.Balance.String())
	assert.Len(t, collectHistory(t, ledger, alice, 7, nil), 20)
}

func TestLedgerLockChainBlocksAppends(t *testing.T) {
	ledger := newTestLedger(t, newStore(t), nil)

	unlock := ledger.LockChain("sepolia")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := ledger.ApplyTransaction(context.Background(), transferTx("0x01", domain.ZeroAddress, alice, 1, t0))
		assert.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("append ran while the chain was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done
}

func TestLedgerHolderLocksStayBounded(t *testing.T) {
	ledger := newTestLedger(t, newStore(t), nil)

	for i := range 5000 {
		unlock := ledger.lockAddresses("sepolia", []string{fmt.Sprintf("0x%040x", i), alice, alice})
		unlock()
	}
	assert.Len(t, ledger.stripes[:], lockStripes)

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair := []string{alice, bob}
			if i%2 == 1 {
				pair = []string{bob, alice}
			}
			for range 200 {
				ledger.lockAddresses("sepolia", pair)()
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("holder locks deadlocked")
	}
}
