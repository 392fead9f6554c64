package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"tokenpoints/internal/domain"
	"tokenpoints/internal/infrastructure/telemetry"
	"tokenpoints/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTopicPrefix = "tokenpoints-transfers"

// Producer publishes transfer logs to one topic per chain. Messages are
// keyed by chain so a chain's logs stay in one partition, in order.
type Producer struct {
	writer *kafka.Writer
	prefix string
}

type ProducerConfig struct {
	Brokers     []string
	TopicPrefix string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           500 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, prefix: cfg.TopicPrefix}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) PublishLogs(ctx context.Context, logs []domain.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	tracer := otel.Tracer("tokenpoints/kafka")
	messages := make([]kafka.Message, 0, len(logs))
	spans := make([]trace.Span, 0, len(logs))
	for _, log := range logs {
		msg, span, err := p.logMessage(ctx, tracer, log)
		if err != nil {
			endSpans(spans, err)
			return err
		}
		messages = append(messages, msg)
		spans = append(spans, span)
	}
	err := p.writer.WriteMessages(ctx, messages...)
	endSpans(spans, err)
	return err
}

func (p *Producer) logMessage(ctx context.Context, tracer trace.Tracer, log domain.LogEntry) (kafka.Message, trace.Span, error) {
	traceCtx, traceID := telemetry.ContextWithNewTrace(ctx)
	traceCtx, span := tracer.Start(traceCtx, "ordering.publish_log", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("chain", log.Chain),
		attribute.Int64("block.number", int64(log.BlockNumber)),
		attribute.Int64("log.index", int64(log.LogIndex)),
		attribute.String("tx.hash", log.TxHash),
	)

	var blockTime int64
	if !log.BlockTime.IsZero() {
		blockTime = log.BlockTime.UnixMilli()
	}
	payload, err := streaming.Encode(streaming.Message{
		Type:        streaming.MessageTypeLog,
		Chain:       log.Chain,
		TraceID:     traceID,
		BlockNumber: log.BlockNumber,
		BlockTime:   blockTime,
		TxHash:      log.TxHash,
		LogIndex:    log.LogIndex,
		Address:     log.Address,
		Data:        log.Data,
		Topics:      log.Topics,
		Removed:     log.Removed,
	})
	if err != nil {
		endSpans([]trace.Span{span}, err)
		return kafka.Message{}, nil, err
	}
	headers := make([]kafka.Header, 0, 2)
	telemetry.InjectKafkaHeaders(traceCtx, &headers)
	return kafka.Message{
		Topic:   Topic(p.prefix, log.Chain),
		Key:     []byte(log.Chain),
		Value:   payload,
		Headers: headers,
	}, span, nil
}

func endSpans(spans []trace.Span, err error) {
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Topic names the stream carrying chain's transfer logs.
func Topic(prefix, chain string) string {
	return prefix + "-" + chain
}
