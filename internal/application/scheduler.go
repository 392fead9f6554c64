package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tokenpoints/internal/domain"

	"github.com/robfig/cron/v3"
)

type JobSubmitter interface {
	Submit(ctx context.Context, chain string, start, end time.Time) (domain.RecalculationJob, error)
}

type BackupCreator interface {
	CreateBackup(ctx context.Context, chain string) (domain.Backup, error)
}

type SchedulerConfig struct {
	Chains []string
	// PointsSpec and BackupSpec take a leading seconds field. An empty spec
	// disables that schedule.
	PointsSpec string
	BackupSpec string
}

// Scheduler recalculates the previous hour's points for every chain and
// optionally takes periodic backups.
type Scheduler struct {
	cron    *cron.Cron
	jobs    JobSubmitter
	backups BackupCreator
	chains  []string
	now     func() time.Time
}

func NewScheduler(jobs JobSubmitter, backups BackupCreator, cfg SchedulerConfig) (*Scheduler, error) {
	if jobs == nil {
		return nil, errors.New("job submitter is required")
	}
	logger := slogCronLogger{}
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)), cron.WithLogger(logger)),
		jobs:    jobs,
		backups: backups,
		chains:  cfg.Chains,
		now:     time.Now,
	}
	if cfg.PointsSpec != "" {
		if _, err := s.cron.AddFunc(cfg.PointsSpec, func() {
			s.RunPoints(context.Background(), s.now())
		}); err != nil {
			return nil, err
		}
	}
	if cfg.BackupSpec != "" {
		if backups == nil {
			return nil, errors.New("backup schedule needs a backup creator")
		}
		if _, err := s.cron.AddFunc(cfg.BackupSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			s.RunBackups(ctx)
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop waits for running ticks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunPoints submits a recalculation of the full hour before at for each
// chain. A chain with a job still running is skipped until the next tick.
func (s *Scheduler) RunPoints(ctx context.Context, at time.Time) int {
	end := at.UTC().Truncate(time.Hour)
	start := end.Add(-time.Hour)
	submitted := 0
	for _, chain := range s.chains {
		job, err := s.jobs.Submit(ctx, chain, start, end)
		switch {
		case errors.Is(err, domain.ErrJobAlreadyRunning):
			slog.Info("hourly points skipped, job running", "chain", chain)
		case err != nil:
			slog.Error("hourly points submit failed", "chain", chain, "err", err)
		default:
			submitted++
			slog.Info("hourly points submitted", "chain", chain, "job_id", job.ID, "start", start, "end", end)
		}
	}
	return submitted
}

func (s *Scheduler) RunBackups(ctx context.Context) int {
	created := 0
	for _, chain := range s.chains {
		if _, err := s.backups.CreateBackup(ctx, chain); err != nil {
			slog.Error("scheduled backup failed", "chain", chain, "err", err)
			continue
		}
		created++
	}
	return created
}

type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
