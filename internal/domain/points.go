package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PointsRecord holds points earned by a holder over [WindowStart, WindowEnd).
type PointsRecord struct {
	Chain            string
	Address          string
	TotalPoints      decimal.Decimal
	LastCalculatedAt time.Time
	WindowStart      time.Time
	WindowEnd        time.Time
}

// Overlaps reports whether two half-open windows share any instant.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

type PointsSummary struct {
	TotalPoints      decimal.Decimal
	LastCalculatedAt time.Time
}

type PointsBucket struct {
	Day   time.Time
	Total decimal.Decimal
}
