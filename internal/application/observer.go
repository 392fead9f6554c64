package application

import (
	"time"

	"tokenpoints/internal/domain"
)

// Observer receives ledger events for metrics.
type Observer interface {
	OnTransactionApplied(chain string, blockHeight uint64)
	OnDuplicateTransaction(chain string)
	OnApplyFailed(chain string)
	OnStreamError(chain, stage string)
	OnAddressComputed(chain string, ok bool)
	OnJobFinished(job domain.RecalculationJob)
	OnBackupCreated(chain string, took time.Duration)
	OnBackupRestored(chain string, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) OnTransactionApplied(string, uint64) {}
func (nopObserver) OnDuplicateTransaction(string) {}
func (nopObserver) OnApplyFailed(string) {}
func (nopObserver) OnStreamError(string, string) {}
func (nopObserver) OnAddressComputed(string, bool) {}
func (nopObserver) OnJobFinished(domain.RecalculationJob) {}
func (nopObserver) OnBackupCreated(string, time.Duration) {}
func (nopObserver) OnBackupRestored(string, time.Duration) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
