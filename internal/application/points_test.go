package application

import (
	"context"
	"math/big"
	"testing"
	"time"

	"tokenpoints/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyEntry(at time.Time, before, after int64) domain.BalanceHistoryEntry {
	return domain.BalanceHistoryEntry{
		Timestamp:     at,
		BalanceBefore: big.NewInt(before),
		BalanceAfter:  big.NewInt(after),
		ChangeAmount:  big.NewInt(after - before),
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestScoreHistory(t *testing.T) {
	rate := decimal.RequireFromString("0.05")
	start, end := t0, t0.Add(2*time.Hour)

	t.Run("balance held between entries", func(t *testing.T) {
		entries := []domain.BalanceHistoryEntry{
			historyEntry(t0.Add(30*time.Minute), 0, 100),
			historyEntry(t0.Add(90*time.Minute), 100, 60),
		}
		// 100 for 1h plus 60 for 30m is 130 unit-hours.
		total, ok := ScoreHistory(entries, start, end, rate)
		require.True(t, ok)
		assertDecimal(t, "6.5", total)
	})

	t.Run("opening balance counts from window start", func(t *testing.T) {
		entries := []domain.BalanceHistoryEntry{historyEntry(t0.Add(time.Hour), 50, 150)}
		total, ok := ScoreHistory(entries, start, end, decimal.NewFromInt(1))
		require.True(t, ok)
		assertDecimal(t, "200", total)
	})

	t.Run("negative balance earns nothing", func(t *testing.T) {
		entries := []domain.BalanceHistoryEntry{
			historyEntry(t0, 0, -10),
			historyEntry(t0.Add(time.Hour), -10, 20),
		}
		total, ok := ScoreHistory(entries, start, end, decimal.NewFromInt(1))
		require.True(t, ok)
		assertDecimal(t, "20", total)
	})

	t.Run("sub-hour precision", func(t *testing.T) {
		entries := []domain.BalanceHistoryEntry{historyEntry(t0, 0, 1)}
		total, ok := ScoreHistory(entries, t0, t0.Add(time.Millisecond), decimal.NewFromInt(1))
		require.True(t, ok)
		assertDecimal(t, "0.000000277777777778", total)
	})

	t.Run("no entries", func(t *testing.T) {
		_, ok := ScoreHistory(nil, start, end, rate)
		assert.False(t, ok)
	})

	t.Run("deterministic", func(t *testing.T) {
		entries := []domain.BalanceHistoryEntry{
			historyEntry(t0.Add(7*time.Minute), 0, 12345),
			historyEntry(t0.Add(41*time.Minute), 12345, 999),
		}
		first, _ := ScoreHistory(entries, start, end, rate)
		second, _ := ScoreHistory(entries, start, end, rate)
		assert.Equal(t, first.String(), second.String())
	})
}

func newTestPoints(t *testing.T, repo PointsRepository) *PointsEngine {
	t.Helper()
	engine, err := NewPointsEngine(repo, PointsConfig{Chains: testChains, Rate: decimal.RequireFromString("0.05")})
	require.NoError(t, err)
	engine.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return engine
}

func TestPointsEngineComputeAndRecalculate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ledger := newTestLedger(t, store, nil)
	engine := newTestPoints(t, store)

	applyAll(t, ledger,
		transferTx("0x01", domain.ZeroAddress, alice, 100, t0.Add(30*time.Minute)),
		transferTx("0x02", alice, bob, 40, t0.Add(90*time.Minute)),
	)

	rec, ok, err := engine.ComputePoints(ctx, "sepolia", alice, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assertDecimal(t, "6.5", rec.TotalPoints)
	assert.Equal(t, alice, rec.Address)

	summary, err := engine.GetPoints(ctx, "sepolia", alice)
	require.NoError(t, err)
	assert.True(t, summary.TotalPoints.IsZero())

	_, ok, err = engine.Recalculate(ctx, "sepolia", bob, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	summary, err = engine.GetPoints(ctx, "sepolia", bob)
	require.NoError(t, err)
	// 40 for 30m.
	assertDecimal(t, "1", summary.TotalPoints)
	assert.True(t, summary.LastCalculatedAt.Equal(t0.Add(24*time.Hour)))

	_, ok, err = engine.ComputePoints(ctx, "sepolia", carol, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPointsEngineWindowEndBelongsToNextWindow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ledger := newTestLedger(t, store, nil)
	engine := newTestPoints(t, store)

	applyAll(t, ledger,
		transferTx("0x01", domain.ZeroAddress, alice, 100, t0),
		transferTx("0x02", alice, bob, 40, t0.Add(time.Hour)),
	)

	// 100 for the whole first hour; the transfer at its end is not counted.
	first, ok, err := engine.ComputePoints(ctx, "sepolia", alice, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assertDecimal(t, "5", first.TotalPoints)

	// The boundary entry opens the next window at 60.
	second, ok, err := engine.ComputePoints(ctx, "sepolia", alice, t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assertDecimal(t, "3", second.TotalPoints)

	_, ok, err = engine.ComputePoints(ctx, "sepolia", bob, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPointsEngineRejects(t *testing.T) {
	ctx := context.Background()
	engine := newTestPoints(t, newStore(t))

	_, _, err := engine.ComputePoints(ctx, "sepolia", alice, t0, t0)
	require.ErrorIs(t, err, domain.ErrInvalidRange)

	_, _, err = engine.ComputePoints(ctx, "mainnet", alice, t0, t0.Add(time.Hour))
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	err = engine.UpsertPointsRecord(ctx, domain.PointsRecord{Chain: "sepolia", Address: alice, WindowStart: t0, WindowEnd: t0})
	require.ErrorIs(t, err, domain.ErrInvalidRange)

	_, err = NewPointsEngine(newStore(t), PointsConfig{Rate: decimal.NewFromInt(-1)})
	require.Error(t, err)
}
