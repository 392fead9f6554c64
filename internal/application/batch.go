package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Batch collects handled messages whose offsets are committed together.
// A message enters the batch only after its transaction is applied or
// deliberately skipped.
type Batch struct {
	messages   []kafka.Message
	applied    int
	duplicates int
	skipped    int
	maxBlock   uint64
	minOffset  map[int]int64
	maxOffset  map[int]int64
}

type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeSkipped
)

func NewBatch() *Batch {
	return &Batch{
		minOffset: make(map[int]int64),
		maxOffset: make(map[int]int64),
	}
}

func (b *Batch) Add(kafkaMsg kafka.Message, blockNumber uint64, outcome Outcome) {
	b.messages = append(b.messages, kafkaMsg)
	switch outcome {
	case OutcomeApplied:
		b.applied++
	case OutcomeDuplicate:
		b.duplicates++
	default:
		b.skipped++
	}
	if blockNumber > b.maxBlock {
		b.maxBlock = blockNumber
	}

	partition := kafkaMsg.Partition
	offset := kafkaMsg.Offset
	if lo, ok := b.minOffset[partition]; !ok || offset < lo {
		b.minOffset[partition] = offset
	}
	if hi, ok := b.maxOffset[partition]; !ok || offset > hi {
		b.maxOffset[partition] = offset
	}
}

func (b *Batch) Len() int {
	return len(b.messages)
}

type Committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func (b *Batch) Flush(ctx context.Context, chain string, committer Committer) error {
	if b.Len() == 0 {
		return nil
	}

	start := time.Now()
	if err := committer.CommitMessages(ctx, b.messages...); err != nil {
		return fmt.Errorf("failed to commit kafka messages: %w", err)
	}

	slog.Info("flushed batch",
		"chain", chain,
		"count", b.Len(),
		"applied", b.applied,
		"duplicates", b.duplicates,
		"skipped", b.skipped,
		"max_block", b.maxBlock,
		"partitions", len(b.maxOffset),
		"duration", time.Since(start),
	)

	b.Reset()
	return nil
}

func (b *Batch) Reset() {
	b.messages = b.messages[:0]
	b.applied = 0
	b.duplicates = 0
	b.skipped = 0
	b.maxBlock = 0
	clear(b.minOffset)
	clear(b.maxOffset)
}
