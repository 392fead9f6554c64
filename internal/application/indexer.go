package application

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"tokenpoints/internal/domain"
)

type LogSource interface {
	Chain() string
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]domain.LogEntry, error)
}

type StreamWriter interface {
	PublishLogs(ctx context.Context, logs []domain.LogEntry) error
}

type IndexerObserver interface {
	OnLatestBlock(chain string, block uint64)
	OnBatchProcessed(chain string, fromBlock, toBlock uint64, logCount int)
}

type IndexerConfig struct {
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration
	BatchSize     uint64
}

// Indexer follows one chain's confirmed blocks and publishes the token's
// logs in (block, log index) order. Blocks are only read once they are
// Confirmations deep, so published logs are never retracted.
type Indexer struct {
	source   LogSource
	writer   StreamWriter
	state    StateRepository
	observer IndexerObserver
	cfg      IndexerConfig
}

func NewIndexer(source LogSource, writer StreamWriter, state StateRepository, observer IndexerObserver, cfg IndexerConfig) (*Indexer, error) {
	if source == nil || writer == nil || state == nil {
		return nil, errors.New("indexer dependencies must not be nil")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Indexer{source: source, writer: writer, state: state, observer: observer, cfg: cfg}, nil
}

// Run polls until ctx is done. Failed steps are logged and retried after
// the poll interval.
func (i *Indexer) Run(ctx context.Context) error {
	for {
		advanced, err := i.Step(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("indexer step failed", "chain", i.source.Chain(), "err", err)
		}
		if advanced && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.cfg.PollInterval):
		}
	}
}

// Step publishes at most one batch of confirmed blocks. It reports false
// when there was nothing new to read.
func (i *Indexer) Step(ctx context.Context) (bool, error) {
	chain := i.source.Chain()

	current := i.cfg.StartBlock
	if last, ok, err := i.state.LastProcessedBlock(ctx, chain); err != nil {
		return false, err
	} else if ok {
		current = last + 1
	}

	latest, err := i.source.LatestBlockNumber(ctx)
	if err != nil {
		return false, err
	}
	if i.observer != nil {
		i.observer.OnLatestBlock(chain, latest)
	}
	if latest < i.cfg.Confirmations {
		return false, nil
	}
	latest -= i.cfg.Confirmations
	if current > latest {
		return false, nil
	}

	toBlock := min(current+i.cfg.BatchSize-1, latest)

	logs, err := i.source.FetchLogs(ctx, current, toBlock)
	if err != nil {
		return false, err
	}
	sort.Slice(logs, func(a, b int) bool {
		if logs[a].BlockNumber == logs[b].BlockNumber {
			return logs[a].LogIndex < logs[b].LogIndex
		}
		return logs[a].BlockNumber < logs[b].BlockNumber
	})
	if err := i.writer.PublishLogs(ctx, logs); err != nil {
		return false, err
	}
	if err := i.state.SetLastProcessedBlock(ctx, chain, toBlock); err != nil {
		return false, err
	}
	if i.observer != nil {
		i.observer.OnBatchProcessed(chain, current, toBlock, len(logs))
	}
	return true, nil
}
