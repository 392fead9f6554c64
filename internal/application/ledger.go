package application

import (
	"context"
	"errors"
	"hash/maphash"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"tokenpoints/internal/domain"

	"github.com/puzpuzpuz/xsync/v4"
)

const defaultHistoryPageSize = 100

type LedgerConfig struct {
	Chains []string
	Retry  RetryPolicy
}

// lockStripes bounds the holder mutexes regardless of how many holders exist.
const lockStripes = 256

// Ledger applies transactions and serves balance reads. Appends to one
// (chain, address) are serialized by the mutex stripe the key hashes to;
// appends to a chain share its gate with restores, which take it exclusively.
type Ledger struct {
	repo     LedgerRepository
	chains   map[string]struct{}
	retry    RetryPolicy
	observer Observer
	gates    *xsync.Map[string, *sync.RWMutex]
	seed     maphash.Seed
	stripes  [lockStripes]sync.Mutex
}

func NewLedger(repo LedgerRepository, observer Observer, cfg LedgerConfig) (*Ledger, error) {
	if repo == nil {
		return nil, errors.New("ledger repository is required")
	}
	if len(cfg.Chains) == 0 {
		return nil, errors.New("at least one chain is required")
	}
	chains := make(map[string]struct{}, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		chains[chain] = struct{}{}
	}
	return &Ledger{
		repo:     repo,
		chains:   chains,
		retry:    cfg.Retry,
		observer: observerOrNop(observer),
		gates:    xsync.NewMap[string, *sync.RWMutex](),
		seed:     maphash.MakeSeed(),
	}, nil
}

// ApplyTransaction appends t to the chain's log. It reports false with a
// nil error when t was applied before.
func (l *Ledger) ApplyTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, bool, error) {
	t, err := t.Normalize()
	if err != nil {
		return domain.Transaction{}, false, err
	}
	if err := l.checkChain(t.Chain); err != nil {
		return domain.Transaction{}, false, err
	}

	gate := l.gate(t.Chain)
	gate.RLock()
	defer gate.RUnlock()

	postings := t.Postings()
	addresses := make([]string, 0, len(postings))
	for _, posting := range postings {
		addresses = append(addresses, posting.Address)
	}
	unlock := l.lockAddresses(t.Chain, addresses)
	defer unlock()

	var (
		applied domain.Transaction
		entries []domain.BalanceHistoryEntry
	)
	err = l.retry.Do(ctx, func() error {
		var err error
		applied, entries, err = l.repo.AppendTransaction(ctx, t)
		return err
	})
	if errors.Is(err, domain.ErrDuplicateTransaction) {
		l.observer.OnDuplicateTransaction(t.Chain)
		slog.Debug("duplicate transaction ignored", "chain", t.Chain, "tx_hash", t.TxHash, "log_index", t.LogIndex)
		return t, false, nil
	}
	if err != nil {
		l.observer.OnApplyFailed(t.Chain)
		return domain.Transaction{}, false, err
	}

	for _, entry := range entries {
		if entry.BalanceAfter.Sign() < 0 {
			slog.Warn("negative balance",
				"chain", entry.Chain,
				"address", entry.Address,
				"balance", entry.BalanceAfter.String(),
				"tx_hash", entry.TxHash,
			)
		}
	}
	l.observer.OnTransactionApplied(applied.Chain, applied.BlockHeight)
	return applied, true, nil
}

// GetBalance returns a zero record for an address the chain has never seen.
func (l *Ledger) GetBalance(ctx context.Context, chain, address string) (domain.BalanceRecord, error) {
	address, err := l.checkHolder(chain, address)
	if err != nil {
		return domain.BalanceRecord{}, err
	}
	var record domain.BalanceRecord
	err = l.retry.Do(ctx, func() error {
		var err error
		record, _, err = l.repo.GetBalance(ctx, chain, address)
		return err
	})
	return record, err
}

// History yields the address's entries newest first, starting strictly
// before the cursor when one is given. Pages of pageSize are fetched as the
// caller advances. Each range over the result starts again from before.
func (l *Ledger) History(ctx context.Context, chain, address string, pageSize int, before *domain.HistoryCursor) iter.Seq2[domain.BalanceHistoryEntry, error] {
	address, err := l.checkHolder(chain, address)
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	var start *domain.HistoryCursor
	if before != nil {
		c := *before
		start = &c
	}
	return func(yield func(domain.BalanceHistoryEntry, error) bool) {
		if err != nil {
			yield(domain.BalanceHistoryEntry{}, err)
			return
		}
		cursor := start
		for {
			var page []domain.BalanceHistoryEntry
			err := l.retry.Do(ctx, func() error {
				var err error
				page, err = l.repo.HistoryPage(ctx, chain, address, cursor, pageSize)
				return err
			})
			if err != nil {
				yield(domain.BalanceHistoryEntry{}, err)
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			next := page[len(page)-1].Cursor()
			cursor = &next
		}
	}
}

// LockChain blocks new appends to chain until the returned func is called.
func (l *Ledger) LockChain(chain string) func() {
	gate := l.gate(chain)
	gate.Lock()
	return gate.Unlock
}

func (l *Ledger) HasChain(chain string) bool {
	_, ok := l.chains[chain]
	return ok
}

func (l *Ledger) checkChain(chain string) error {
	if !l.HasChain(chain) {
		return domain.Validation("unknown_chain", "unknown chain %q", chain)
	}
	return nil
}

func (l *Ledger) checkHolder(chain, address string) (string, error) {
	if err := l.checkChain(chain); err != nil {
		return "", err
	}
	return domain.NormalizeAddress(address)
}

func (l *Ledger) gate(chain string) *sync.RWMutex {
	gate, _ := l.gates.LoadOrStore(chain, &sync.RWMutex{})
	return gate
}

// lockAddresses takes the stripes guarding the holders in ascending order
// so two appends touching the same pair cannot deadlock. Holders sharing a
// stripe are serialized together.
func (l *Ledger) lockAddresses(chain string, addresses []string) func() {
	idx := make([]int, 0, len(addresses))
	for _, address := range addresses {
		idx = append(idx, int(maphash.String(l.seed, chain+"/"+address)%lockStripes))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
