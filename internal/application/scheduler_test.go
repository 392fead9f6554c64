package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokenpoints/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submission struct {
	chain      string
	start, end time.Time
}

type fakeSubmitter struct {
	mu       sync.Mutex
	busy     map[string]bool
	received []submission
}

func (f *fakeSubmitter) Submit(_ context.Context, chain string, start, end time.Time) (domain.RecalculationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, submission{chain: chain, start: start, end: end})
	if f.busy[chain] {
		return domain.RecalculationJob{}, domain.ErrJobAlreadyRunning
	}
	return domain.RecalculationJob{ID: "job-" + chain, Chain: chain}, nil
}

type fakeBackupCreator struct {
	failing string
	chains  []string
}

func (f *fakeBackupCreator) CreateBackup(_ context.Context, chain string) (domain.Backup, error) {
	if chain == f.failing {
		return domain.Backup{}, errors.New("disk full")
	}
	f.chains = append(f.chains, chain)
	return domain.Backup{ID: "b-" + chain, Chain: chain}, nil
}

func TestSchedulerRunPointsCoversPreviousHour(t *testing.T) {
	jobs := &fakeSubmitter{busy: map[string]bool{"base": true}}
	scheduler, err := NewScheduler(jobs, nil, SchedulerConfig{Chains: testChains, PointsSpec: "0 5 * * * *"})
	require.NoError(t, err)

	at := time.Date(2024, 1, 1, 11, 5, 0, 0, time.UTC)
	assert.Equal(t, 1, scheduler.RunPoints(context.Background(), at))

	require.Len(t, jobs.received, 2)
	for _, sub := range jobs.received {
		assert.True(t, sub.start.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
		assert.True(t, sub.end.Equal(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)))
	}
}

func TestSchedulerRunBackupsContinuesPastFailures(t *testing.T) {
	backups := &fakeBackupCreator{failing: "sepolia"}
	scheduler, err := NewScheduler(&fakeSubmitter{}, backups, SchedulerConfig{Chains: testChains, BackupSpec: "@every 1h"})
	require.NoError(t, err)

	assert.Equal(t, 1, scheduler.RunBackups(context.Background()))
	assert.Equal(t, []string{"base"}, backups.chains)
}

func TestSchedulerRejectsBadConfig(t *testing.T) {
	_, err := NewScheduler(&fakeSubmitter{}, nil, SchedulerConfig{Chains: testChains, PointsSpec: "every so often"})
	require.Error(t, err)

	_, err = NewScheduler(&fakeSubmitter{}, nil, SchedulerConfig{Chains: testChains, BackupSpec: "@hourly"})
	require.Error(t, err)

	_, err = NewScheduler(nil, nil, SchedulerConfig{})
	require.Error(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	scheduler, err := NewScheduler(&fakeSubmitter{}, nil, SchedulerConfig{Chains: testChains, PointsSpec: "0 5 * * * *"})
	require.NoError(t, err)
	scheduler.Start()
	scheduler.Stop()
}
