package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"tokenpoints/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// HistoryInWindow returns the address's entries with windowStart <= ts < windowEnd
// in application order.
func (r *Repository) HistoryInWindow(ctx context.Context, chain, address string, windowStart, windowEnd time.Time) ([]domain.BalanceHistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return r.queryHistory(ctx, `SELECT `+historyColumns+` FROM balance_history
		WHERE chain = ? AND address = ? AND ts >= ? AND ts < ?
		ORDER BY seq ASC, posting ASC`,
		chain, address, toMillis(windowStart), toMillis(windowEnd))
}

func (r *Repository) ActiveAddresses(ctx context.Context, chain string, windowStart, windowEnd time.Time) ([]string, error) {
	ctx, span := r.startSpan(ctx, "ActiveAddresses", attribute.String("chain", chain))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT address FROM balance_history
		WHERE chain = ? AND ts >= ? AND ts < ?
		ORDER BY address`, chain, toMillis(windowStart), toMillis(windowEnd))
	if err != nil {
		return nil, recordErr(span, err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, recordErr(span, err)
		}
		addresses = append(addresses, address)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, err)
	}
	span.SetAttributes(attribute.Int("address.count", len(addresses)))
	return addresses, nil
}

// UpsertPointsRecord replaces every record of the holder whose window
// overlaps rec's window with rec.
func (r *Repository) UpsertPointsRecord(ctx context.Context, rec domain.PointsRecord) error {
	ctx, span := r.startSpan(ctx, "UpsertPointsRecord",
		attribute.String("chain", rec.Chain),
		attribute.String("address", rec.Address),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return recordErr(span, err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM points_records
		WHERE chain = ? AND address = ? AND window_start < ? AND window_end > ?`,
		rec.Chain, rec.Address, toMillis(rec.WindowEnd), toMillis(rec.WindowStart)); err != nil {
		return recordErr(span, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO points_records (chain, address, window_start, window_end, total_points, last_calculated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Chain, rec.Address, toMillis(rec.WindowStart), toMillis(rec.WindowEnd), rec.TotalPoints.String(), toMillis(rec.LastCalculatedAt)); err != nil {
		return recordErr(span, err)
	}
	return recordErr(span, tx.Commit())
}

func (r *Repository) PointsRecords(ctx context.Context, chain, address string) ([]domain.PointsRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.queryPoints(ctx, r.db, `SELECT `+pointsColumns+` FROM points_records
		WHERE chain = ? AND address = ? ORDER BY window_start`, chain, address)
}

// GetPoints sums the holder's stored records.
func (r *Repository) GetPoints(ctx context.Context, chain, address string) (domain.PointsSummary, error) {
	records, err := r.PointsRecords(ctx, chain, address)
	if err != nil {
		return domain.PointsSummary{}, err
	}
	summary := domain.PointsSummary{TotalPoints: decimal.Zero}
	for _, rec := range records {
		summary.TotalPoints = summary.TotalPoints.Add(rec.TotalPoints)
		if rec.LastCalculatedAt.After(summary.LastCalculatedAt) {
			summary.LastCalculatedAt = rec.LastCalculatedAt
		}
	}
	return summary, nil
}

// PointsByDay sums records by the UTC day of their window end, for windows
// ending at or after since.
func (r *Repository) PointsByDay(ctx context.Context, since time.Time) ([]domain.PointsBucket, error) {
	ctx, span := r.startSpan(ctx, "PointsByDay")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT window_end, total_points FROM points_records WHERE window_end >= ? ORDER BY window_end`, toMillis(since))
	if err != nil {
		return nil, recordErr(span, err)
	}
	defer rows.Close()

	var buckets []domain.PointsBucket
	for rows.Next() {
		var (
			windowEnd int64
			raw       string
		)
		if err := rows.Scan(&windowEnd, &raw); err != nil {
			return nil, recordErr(span, err)
		}
		points, err := parseDecimal(raw)
		if err != nil {
			return nil, recordErr(span, err)
		}
		day := fromMillis(windowEnd).Truncate(24 * time.Hour)
		if n := len(buckets); n > 0 && buckets[n-1].Day.Equal(day) {
			buckets[n-1].Total = buckets[n-1].Total.Add(points)
			continue
		}
		buckets = append(buckets, domain.PointsBucket{Day: day, Total: points})
	}
	return buckets, recordErr(span, rows.Err())
}

const pointsColumns = `chain, address, window_start, window_end, total_points, last_calculated_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Repository) queryPoints(ctx context.Context, q querier, query string, args ...any) ([]domain.PointsRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.PointsRecord
	for rows.Next() {
		var (
			rec                    domain.PointsRecord
			start, end, calculated int64
			raw                    string
		)
		if err := rows.Scan(&rec.Chain, &rec.Address, &start, &end, &raw, &calculated); err != nil {
			return nil, err
		}
		points, err := parseDecimal(raw)
		if err != nil {
			return nil, err
		}
		rec.TotalPoints = points
		rec.WindowStart = fromMillis(start)
		rec.WindowEnd = fromMillis(end)
		rec.LastCalculatedAt = fromMillis(calculated)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
