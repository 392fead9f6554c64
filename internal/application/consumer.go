package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tokenpoints/internal/domain"
	"tokenpoints/internal/infrastructure/telemetry"
	"tokenpoints/internal/streaming"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Committer
}

type TransactionApplier interface {
	ApplyTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, bool, error)
}

type ConsumerConfig struct {
	Chain         string
	Topic0        string
	BatchSize     int
	FlushInterval time.Duration
}

// Consumer applies one chain's transfer stream to the ledger. An offset is
// committed only once its message has been applied or deliberately skipped.
type Consumer struct {
	reader   MessageReader
	ledger   TransactionApplier
	observer Observer
	cfg      ConsumerConfig
	tracer   trace.Tracer
}

func NewConsumer(reader MessageReader, ledger TransactionApplier, observer Observer, cfg ConsumerConfig) (*Consumer, error) {
	if reader == nil || ledger == nil {
		return nil, errors.New("reader and ledger are required")
	}
	if cfg.Chain == "" || cfg.Topic0 == "" {
		return nil, errors.New("chain and topic0 are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Consumer{
		reader:   reader,
		ledger:   ledger,
		observer: observerOrNop(observer),
		cfg:      cfg,
		tracer:   otel.Tracer("tokenpoints/ledger"),
	}, nil
}

// Run consumes until ctx is done, then commits what was handled.
func (c *Consumer) Run(ctx context.Context) error {
	batch := NewBatch()
	defer func() {
		if err := batch.Flush(context.WithoutCancel(ctx), c.cfg.Chain, c.reader); err != nil {
			slog.Error("final batch flush error", "chain", c.cfg.Chain, "err", err)
		}
	}()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FlushInterval)
		message, err := c.reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.flush(ctx, batch, "timeout")
				continue
			}
			c.observer.OnStreamError(c.cfg.Chain, "fetch")
			slog.Error("kafka fetch error", "chain", c.cfg.Chain, "err", err)
			if !sleepCtx(ctx, 100*time.Millisecond) {
				return nil
			}
			continue
		}

		outcome, block, err := c.handle(ctx, message)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Unapplied: the offset stays uncommitted and the message is redelivered.
			return err
		}
		batch.Add(message, block, outcome)
		if batch.Len() >= c.cfg.BatchSize {
			c.flush(ctx, batch, "size")
		}
	}
}

func (c *Consumer) flush(ctx context.Context, batch *Batch, reason string) {
	if err := batch.Flush(ctx, c.cfg.Chain, c.reader); err != nil {
		c.observer.OnStreamError(c.cfg.Chain, "commit")
		slog.Error("batch flush error", "chain", c.cfg.Chain, "reason", reason, "err", err)
	}
}

// handle applies one message. A non-nil error means the ledger could not
// take the transaction and the consumer should stop.
func (c *Consumer) handle(ctx context.Context, message kafka.Message) (Outcome, uint64, error) {
	decoded, err := streaming.Decode(message.Value)
	if err != nil {
		c.observer.OnStreamError(c.cfg.Chain, "decode")
		slog.Warn("message decode error", "chain", c.cfg.Chain, "offset", message.Offset, "err", err)
		return OutcomeSkipped, 0, nil
	}
	if decoded.Chain != c.cfg.Chain {
		slog.Warn("unexpected chain on topic", "chain", c.cfg.Chain, "message_chain", decoded.Chain)
		return OutcomeSkipped, decoded.BlockNumber, nil
	}

	msgCtx := telemetry.MessageContext(ctx, message.Headers, decoded.TraceID)
	msgCtx, span := c.tracer.Start(msgCtx, "ledger.apply_message", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("chain", decoded.Chain),
		attribute.Int64("block.number", int64(decoded.BlockNumber)),
		attribute.String("tx.hash", decoded.TxHash),
	)

	t, ok, err := DecodeTransfer(decoded, c.cfg.Topic0)
	if err != nil {
		c.observer.OnStreamError(c.cfg.Chain, "decode")
		slog.Warn("transfer decode error", "chain", c.cfg.Chain, "tx_hash", decoded.TxHash, "err", err)
		span.RecordError(err)
		return OutcomeSkipped, decoded.BlockNumber, nil
	}
	if !ok {
		return OutcomeSkipped, decoded.BlockNumber, nil
	}

	var applied bool
	b := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)), msgCtx)
	err = backoff.RetryNotify(func() error {
		var err error
		_, applied, err = c.ledger.ApplyTransaction(msgCtx, t)
		if err != nil && domain.KindOf(err) == domain.KindValidation {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		slog.Warn("apply failed, retrying", "chain", c.cfg.Chain, "tx_hash", t.TxHash, "wait", wait, "err", err)
	})
	switch {
	case err == nil && applied:
		return OutcomeApplied, t.BlockHeight, nil
	case err == nil:
		return OutcomeDuplicate, t.BlockHeight, nil
	case domain.KindOf(err) == domain.KindValidation:
		slog.Warn("transfer rejected", "chain", c.cfg.Chain, "tx_hash", t.TxHash, "err", err)
		span.RecordError(err)
		return OutcomeSkipped, t.BlockHeight, nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OutcomeSkipped, 0, err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
