package application

import (
	"context"
	"errors"
	"math/big"
	"time"

	"tokenpoints/internal/domain"

	"github.com/shopspring/decimal"
)

const pointsPrecision = 18

var msPerHour = decimal.NewFromInt(int64(time.Hour / time.Millisecond))

type PointsConfig struct {
	Chains []string
	Rate   decimal.Decimal
	Retry  RetryPolicy
}

// PointsEngine scores holders over half-open windows and persists the
// resulting records.
type PointsEngine struct {
	repo   PointsRepository
	chains map[string]struct{}
	rate   decimal.Decimal
	retry  RetryPolicy
	now    func() time.Time
}

func NewPointsEngine(repo PointsRepository, cfg PointsConfig) (*PointsEngine, error) {
	if repo == nil {
		return nil, errors.New("points repository is required")
	}
	if cfg.Rate.IsNegative() {
		return nil, errors.New("points rate must not be negative")
	}
	chains := make(map[string]struct{}, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		chains[chain] = struct{}{}
	}
	return &PointsEngine{
		repo:   repo,
		chains: chains,
		rate:   cfg.Rate,
		retry:  cfg.Retry,
		now:    time.Now,
	}, nil
}

// ScoreHistory integrates the balance held across [windowStart, windowEnd)
// and multiplies it by rate per hour. entries must be the window's entries in
// application order. The balance before the first entry is held from
// windowStart; each later balance until the next entry or windowEnd.
// Negative balances earn nothing. It reports false when entries is empty.
func ScoreHistory(entries []domain.BalanceHistoryEntry, windowStart, windowEnd time.Time, rate decimal.Decimal) (decimal.Decimal, bool) {
	if len(entries) == 0 || !windowStart.Before(windowEnd) {
		return decimal.Zero, false
	}
	// balance x milliseconds, exact.
	held := new(big.Int)
	term := new(big.Int)
	accrue := func(balance *big.Int, from, to time.Time) {
		if balance == nil || balance.Sign() <= 0 || !from.Before(to) {
			return
		}
		term.SetInt64(to.Sub(from).Milliseconds())
		term.Mul(term, balance)
		held.Add(held, term)
	}

	cursor := windowStart
	balance := entries[0].BalanceBefore
	for _, entry := range entries {
		at := entry.Timestamp
		if at.Before(cursor) {
			at = cursor
		}
		accrue(balance, cursor, at)
		cursor = at
		balance = entry.BalanceAfter
	}
	accrue(balance, cursor, windowEnd)

	return decimal.NewFromBigInt(held, 0).Mul(rate).DivRound(msPerHour, pointsPrecision), true
}

// ComputePoints scores one holder over the half-open window
// [windowStart, windowEnd) without persisting. A balance change stamped
// exactly at windowEnd belongs to the next window. It reports false when
// the holder has no activity in the window.
func (e *PointsEngine) ComputePoints(ctx context.Context, chain, address string, windowStart, windowEnd time.Time) (domain.PointsRecord, bool, error) {
	if !windowStart.Before(windowEnd) {
		return domain.PointsRecord{}, false, domain.ErrInvalidRange
	}
	address, err := e.checkHolder(chain, address)
	if err != nil {
		return domain.PointsRecord{}, false, err
	}
	windowStart = windowStart.UTC().Truncate(time.Millisecond)
	windowEnd = windowEnd.UTC().Truncate(time.Millisecond)

	var entries []domain.BalanceHistoryEntry
	err = e.retry.Do(ctx, func() error {
		var err error
		entries, err = e.repo.HistoryInWindow(ctx, chain, address, windowStart, windowEnd)
		return err
	})
	if err != nil {
		return domain.PointsRecord{}, false, err
	}
	total, ok := ScoreHistory(entries, windowStart, windowEnd, e.rate)
	if !ok {
		return domain.PointsRecord{}, false, nil
	}
	return domain.PointsRecord{
		Chain:            chain,
		Address:          address,
		TotalPoints:      total,
		LastCalculatedAt: e.now().UTC().Truncate(time.Millisecond),
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
	}, true, nil
}

// Recalculate computes and stores the holder's record for the window,
// replacing any overlapping records.
func (e *PointsEngine) Recalculate(ctx context.Context, chain, address string, windowStart, windowEnd time.Time) (domain.PointsRecord, bool, error) {
	rec, ok, err := e.ComputePoints(ctx, chain, address, windowStart, windowEnd)
	if err != nil || !ok {
		return rec, ok, err
	}
	if err := e.UpsertPointsRecord(ctx, rec); err != nil {
		return domain.PointsRecord{}, false, err
	}
	return rec, true, nil
}

func (e *PointsEngine) UpsertPointsRecord(ctx context.Context, rec domain.PointsRecord) error {
	if !rec.WindowStart.Before(rec.WindowEnd) {
		return domain.ErrInvalidRange
	}
	return e.retry.Do(ctx, func() error {
		return e.repo.UpsertPointsRecord(ctx, rec)
	})
}

func (e *PointsEngine) GetPoints(ctx context.Context, chain, address string) (domain.PointsSummary, error) {
	address, err := e.checkHolder(chain, address)
	if err != nil {
		return domain.PointsSummary{}, err
	}
	var summary domain.PointsSummary
	err = e.retry.Do(ctx, func() error {
		var err error
		summary, err = e.repo.GetPoints(ctx, chain, address)
		return err
	})
	return summary, err
}

func (e *PointsEngine) checkHolder(chain, address string) (string, error) {
	if _, ok := e.chains[chain]; !ok {
		return "", domain.Validation("unknown_chain", "unknown chain %q", chain)
	}
	return domain.NormalizeAddress(address)
}
