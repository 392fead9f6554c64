// Package sqlstore implements the ledger repositories over database/sql.
// The mysql and sqlite packages supply the driver, the schema and the few
// statements that differ between the two.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Dialect struct {
	// Name is reported as db.system on spans.
	Name string
	// ForUpdate is appended to row reads that precede a write in the same tx.
	ForUpdate string
	// UpsertState writes (state_key, state_value).
	UpsertState string
	// SnapshotTx opens the read transaction used for backups.
	SnapshotTx *sql.TxOptions
	Schema     []string
}

type Repository struct {
	db      *sql.DB
	dialect Dialect
	tracer  trace.Tracer
}

func New(db *sql.DB, dialect Dialect) (*Repository, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if dialect.Name == "" {
		return nil, errors.New("dialect name is required")
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Repository{
		db:      db,
		dialect: dialect,
		tracer:  otel.Tracer("tokenpoints/" + dialect.Name),
	}, nil
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", r.dialect.Name))
	return r.tracer.Start(ctx, r.dialect.Name+"."+name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// rollback is deferred after BeginTx; it is a no-op once the tx committed.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
