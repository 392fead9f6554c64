package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func (r *Repository) LastProcessedBlock(ctx context.Context, chain string) (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var value string
	if err := r.db.QueryRowContext(ctx, `SELECT state_value FROM state WHERE state_key = ?`, stateKey(chain)).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return block, true, nil
}

func (r *Repository) SetLastProcessedBlock(ctx context.Context, chain string, block uint64) error {
	ctx, span := r.startSpan(ctx, "SetLastProcessedBlock",
		attribute.String("chain", chain),
		attribute.Int64("block.number", int64(block)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, r.dialect.UpsertState, stateKey(chain), strconv.FormatUint(block, 10))
	return recordErr(span, err)
}

func stateKey(chain string) string {
	return "last_block:" + chain
}
