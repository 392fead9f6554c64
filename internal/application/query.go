package application

import (
	"context"
	"errors"
	"time"

	"tokenpoints/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	defaultHistoryDays = 7
	maxHistoryDays     = 30

	defaultRecentLimit = 10
	maxRecentLimit     = 100

	pointsDayLabel = "Jan 02"
)

// PointsSeries is a day-by-day total of points, oldest day first.
type PointsSeries struct {
	Labels []string
	Values []decimal.Decimal
}

// QueryService serves read-only aggregates. It never takes ledger locks.
type QueryService struct {
	repo   StatsRepository
	chains []string
	now    func() time.Time
}

func NewQueryService(repo StatsRepository, chains []string) (*QueryService, error) {
	if repo == nil {
		return nil, errors.New("stats repository is required")
	}
	return &QueryService{repo: repo, chains: chains, now: time.Now}, nil
}

// Stats reports a latest block for every configured chain, zero when the
// chain has seen no transactions.
func (s *QueryService) Stats(ctx context.Context) (domain.Stats, error) {
	users, err := s.repo.CountHolders(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	points, err := s.repo.SumPoints(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	txs, err := s.repo.CountTransactions(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	latest, err := s.repo.LatestBlocks(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	blocks := make(map[string]uint64, len(s.chains))
	for _, chain := range s.chains {
		blocks[chain] = latest[chain]
	}
	return domain.Stats{
		TotalUsers:        users,
		TotalPoints:       points,
		TotalTransactions: txs,
		LatestBlocks:      blocks,
	}, nil
}

// PointsHistory buckets points by the UTC day their window ended, for the
// last days days including today. Days outside 1..30 fall back to 7.
func (s *QueryService) PointsHistory(ctx context.Context, days int) (PointsSeries, error) {
	if days < 1 || days > maxHistoryDays {
		days = defaultHistoryDays
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	buckets, err := s.repo.PointsByDay(ctx, since)
	if err != nil {
		return PointsSeries{}, err
	}
	totals := make(map[int64]decimal.Decimal, len(buckets))
	for _, bucket := range buckets {
		key := bucket.Day.UTC().Unix()
		totals[key] = totals[key].Add(bucket.Total)
	}

	series := PointsSeries{
		Labels: make([]string, 0, days),
		Values: make([]decimal.Decimal, 0, days),
	}
	for day := since; !day.After(today); day = day.AddDate(0, 0, 1) {
		series.Labels = append(series.Labels, day.Format(pointsDayLabel))
		series.Values = append(series.Values, totals[day.Unix()])
	}
	return series, nil
}

// RecentTransactions returns the newest transactions across chains. Limits
// outside 1..100 fall back to 10.
func (s *QueryService) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit < 1 || limit > maxRecentLimit {
		limit = defaultRecentLimit
	}
	return s.repo.RecentTransactions(ctx, limit)
}
