package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tokenpoints/internal/domain"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	defaultJobListLimit = 20
	maxJobListLimit     = 100
)

// AddressScorer computes and stores one holder's points for a window.
type AddressScorer interface {
	Recalculate(ctx context.Context, chain, address string, windowStart, windowEnd time.Time) (domain.PointsRecord, bool, error)
}

type CoordinatorConfig struct {
	Chains                 []string
	Workers                int
	MaxConsecutiveFailures int
	Retry                  RetryPolicy
}

// Coordinator runs recalculation jobs, at most one active per chain.
type Coordinator struct {
	jobs      JobRepository
	addresses AddressSource
	scorer    AddressScorer
	observer  Observer
	chains    map[string]struct{}
	maxFails  int
	retry     RetryPolicy
	now       func() time.Time

	pool   pond.Pool
	active *xsync.Map[string, *jobHandle]
	byID   *xsync.Map[string, *jobHandle]

	baseCtx context.Context
	stop    context.CancelFunc
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

type jobHandle struct {
	mu        sync.Mutex
	job       domain.RecalculationJob
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func (h *jobHandle) snapshot() domain.RecalculationJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

func (h *jobHandle) update(fn func(job *domain.RecalculationJob)) domain.RecalculationJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.job)
	return h.job
}

// addressResult is Ok(points) when err is nil, Err(reason) otherwise.
// Skipped marks an address that was never dispatched.
type addressResult struct {
	address string
	record  domain.PointsRecord
	scored  bool
	err     error
	skipped bool
}

func NewCoordinator(jobs JobRepository, addresses AddressSource, scorer AddressScorer, observer Observer, cfg CoordinatorConfig) (*Coordinator, error) {
	if jobs == nil || addresses == nil || scorer == nil {
		return nil, errors.New("job repository, address source and scorer are required")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("workers must be positive")
	}
	chains := make(map[string]struct{}, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		chains[chain] = struct{}{}
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		jobs:      jobs,
		addresses: addresses,
		scorer:    scorer,
		observer:  observerOrNop(observer),
		chains:    chains,
		maxFails:  cfg.MaxConsecutiveFailures,
		retry:     cfg.Retry,
		now:       time.Now,
		pool:      pond.NewPool(cfg.Workers),
		active:    xsync.NewMap[string, *jobHandle](),
		byID:      xsync.NewMap[string, *jobHandle](),
		baseCtx:   baseCtx,
		stop:      stop,
	}, nil
}

// Recover fails jobs a previous process left pending or running.
func (c *Coordinator) Recover(ctx context.Context) (int64, error) {
	n, err := c.jobs.FailStaleJobs(ctx, domain.ErrInterrupted.Msg, c.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("interrupted recalculation jobs marked failed", "count", n)
	}
	return n, nil
}

// Submit persists a pending job and starts it in the background.
func (c *Coordinator) Submit(ctx context.Context, chain string, start, end time.Time) (domain.RecalculationJob, error) {
	if !start.Before(end) {
		return domain.RecalculationJob{}, domain.ErrInvalidRange
	}
	if _, ok := c.chains[chain]; !ok {
		return domain.RecalculationJob{}, domain.Validation("unknown_chain", "unknown chain %q", chain)
	}

	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return domain.RecalculationJob{}, domain.Unavailable(errors.New("coordinator is shut down"))
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	now := c.now().UTC().Truncate(time.Millisecond)
	h := &jobHandle{
		job: domain.RecalculationJob{
			ID:        uuid.NewString(),
			Chain:     chain,
			StartTime: start.UTC().Truncate(time.Millisecond),
			EndTime:   end.UTC().Truncate(time.Millisecond),
			Status:    domain.JobPending,
			CreatedAt: now,
		},
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	claimed := false
	c.active.Compute(chain, func(current *jobHandle, loaded bool) (*jobHandle, xsync.ComputeOp) {
		if loaded && !current.snapshot().Status.Terminal() {
			return current, xsync.CancelOp
		}
		claimed = true
		return h, xsync.UpdateOp
	})
	if !claimed {
		cancel()
		return domain.RecalculationJob{}, domain.ErrJobAlreadyRunning
	}

	job := h.snapshot()
	if err := c.retry.Do(ctx, func() error { return c.jobs.CreateJob(ctx, job) }); err != nil {
		c.release(h)
		cancel()
		return domain.RecalculationJob{}, err
	}
	c.byID.Store(job.ID, h)

	slog.Info("recalculation job submitted",
		"job_id", job.ID,
		"chain", chain,
		"start", job.StartTime,
		"end", job.EndTime,
	)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(h)
	}()
	return job, nil
}

// Cancel stops dispatching new addresses for a running job. The job ends
// failed with ErrCancelled once in-flight addresses finish.
func (c *Coordinator) Cancel(ctx context.Context, id string) (domain.RecalculationJob, error) {
	h, ok := c.byID.Load(id)
	if !ok {
		job, err := c.jobs.GetJob(ctx, id)
		if err != nil {
			return domain.RecalculationJob{}, err
		}
		if job.Status.Terminal() {
			return job, domain.ErrJobTerminal
		}
		// Non-terminal but not ours: left over from a crash before Recover.
		return job, domain.ErrJobNotFound
	}
	job := h.snapshot()
	if job.Status.Terminal() {
		return job, domain.ErrJobTerminal
	}
	if h.cancelled.CompareAndSwap(false, true) {
		slog.Info("recalculation job cancel requested", "job_id", id, "chain", job.Chain)
	}
	h.cancel()
	return job, nil
}

func (c *Coordinator) Get(ctx context.Context, id string) (domain.RecalculationJob, error) {
	if h, ok := c.byID.Load(id); ok {
		return h.snapshot(), nil
	}
	return c.jobs.GetJob(ctx, id)
}

// List returns the newest jobs first. In-flight jobs carry live progress.
func (c *Coordinator) List(ctx context.Context, chain string, limit int) ([]domain.RecalculationJob, error) {
	if limit <= 0 || limit > maxJobListLimit {
		limit = defaultJobListLimit
	}
	if chain != "" {
		if _, ok := c.chains[chain]; !ok {
			return nil, domain.Validation("unknown_chain", "unknown chain %q", chain)
		}
	}
	jobs, err := c.jobs.ListJobs(ctx, chain, limit)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if h, ok := c.byID.Load(jobs[i].ID); ok {
			jobs[i] = h.snapshot()
		}
	}
	return jobs, nil
}

// Await blocks until the job is terminal or ctx is done.
func (c *Coordinator) Await(ctx context.Context, id string) (domain.RecalculationJob, error) {
	h, ok := c.byID.Load(id)
	if !ok {
		return c.jobs.GetJob(ctx, id)
	}
	select {
	case <-h.done:
		return h.snapshot(), nil
	case <-ctx.Done():
		return h.snapshot(), ctx.Err()
	}
}

// Close interrupts running jobs, waits for them to record their final state
// and stops the worker pool.
func (c *Coordinator) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()

	c.stop()
	c.wg.Wait()
	c.pool.StopAndWait()
}

func (c *Coordinator) run(h *jobHandle) {
	runCtx := h.ctx
	writeCtx := context.WithoutCancel(runCtx)
	defer h.cancel()

	job := h.update(func(job *domain.RecalculationJob) {
		job.Status = domain.JobRunning
		job.StartedAt = c.now().UTC().Truncate(time.Millisecond)
	})
	c.persist(writeCtx, job)

	var addresses []string
	err := c.retry.Do(runCtx, func() error {
		var err error
		addresses, err = c.addresses.ActiveAddresses(runCtx, job.Chain, job.StartTime, job.EndTime)
		return err
	})
	if err != nil {
		c.finish(writeCtx, h, c.stopReason(h, err))
		return
	}
	job = h.update(func(job *domain.RecalculationJob) {
		job.AddressesTotal = len(addresses)
	})
	c.persist(writeCtx, job)
	slog.Info("recalculation job running", "job_id", job.ID, "chain", job.Chain, "addresses", len(addresses))

	results := make(chan addressResult, len(addresses))
	group := c.pool.NewGroup()
	for _, address := range addresses {
		group.Submit(func() {
			if runCtx.Err() != nil {
				results <- addressResult{address: address, skipped: true}
				return
			}
			rec, scored, err := c.scorer.Recalculate(writeCtx, job.Chain, address, job.StartTime, job.EndTime)
			results <- addressResult{address: address, record: rec, scored: scored, err: err}
		})
	}

	var (
		consecutive int
		fatal       error
	)
	for range addresses {
		res := <-results
		if res.skipped {
			continue
		}
		if res.err != nil {
			consecutive++
			slog.Warn("address recalculation failed",
				"job_id", job.ID,
				"chain", job.Chain,
				"address", res.address,
				"consecutive", consecutive,
				"err", res.err,
			)
			if fatal == nil && consecutive > c.maxFails {
				fatal = domain.ErrTooManyFailures
				h.cancel()
			}
		} else {
			consecutive = 0
		}
		h.update(func(job *domain.RecalculationJob) {
			if res.err != nil {
				job.AddressesFailed++
			} else {
				job.AddressesDone++
			}
		})
		c.observer.OnAddressComputed(job.Chain, res.err == nil)
	}
	if err := group.Wait(); err != nil {
		slog.Warn("recalculation group error", "job_id", job.ID, "err", err)
	}

	if fatal != nil {
		c.finish(writeCtx, h, fatal)
		return
	}
	c.finish(writeCtx, h, c.stopReason(h, nil))
}

// stopReason maps how a job stopped to the error it is recorded with.
func (c *Coordinator) stopReason(h *jobHandle, err error) error {
	switch {
	case h.cancelled.Load():
		return domain.ErrCancelled
	case c.baseCtx.Err() != nil:
		return domain.ErrInterrupted
	default:
		return err
	}
}

func (c *Coordinator) finish(ctx context.Context, h *jobHandle, err error) {
	job := h.update(func(job *domain.RecalculationJob) {
		job.FinishedAt = c.now().UTC().Truncate(time.Millisecond)
		if err != nil {
			job.Status = domain.JobFailed
			job.Error = err.Error()
			return
		}
		job.Status = domain.JobCompleted
	})
	c.persist(ctx, job)
	c.release(h)
	c.byID.Delete(job.ID)
	close(h.done)

	c.observer.OnJobFinished(job)
	slog.Info("recalculation job finished",
		"job_id", job.ID,
		"chain", job.Chain,
		"status", job.Status,
		"done", job.AddressesDone,
		"failed", job.AddressesFailed,
		"error", job.Error,
	)
}

func (c *Coordinator) persist(ctx context.Context, job domain.RecalculationJob) {
	if err := c.retry.Do(ctx, func() error { return c.jobs.UpdateJob(ctx, job) }); err != nil {
		slog.Error("recalculation job update failed", "job_id", job.ID, "status", job.Status, "err", err)
	}
}

// release frees the chain slot if h still holds it.
func (c *Coordinator) release(h *jobHandle) {
	c.active.Compute(h.snapshot().Chain, func(current *jobHandle, loaded bool) (*jobHandle, xsync.ComputeOp) {
		if loaded && current == h {
			return nil, xsync.DeleteOp
		}
		return current, xsync.CancelOp
	})
}
