package application

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCommitter struct {
	committed []kafka.Message
	err       error
}

func (m *mockCommitter) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.committed = append(m.committed, msgs...)
	return nil
}

func TestBatch_AddAndFlush(t *testing.T) {
	batch := NewBatch()
	committer := &mockCommitter{}

	batch.Add(kafka.Message{Partition: 0, Offset: 1}, 100, OutcomeApplied)
	batch.Add(kafka.Message{Partition: 0, Offset: 2}, 101, OutcomeDuplicate)
	batch.Add(kafka.Message{Partition: 0, Offset: 3}, 99, OutcomeSkipped)
	require.Equal(t, 3, batch.Len())
	assert.Equal(t, uint64(101), batch.maxBlock)
	assert.Equal(t, int64(1), batch.minOffset[0])
	assert.Equal(t, int64(3), batch.maxOffset[0])

	require.NoError(t, batch.Flush(context.Background(), "sepolia", committer))
	assert.Len(t, committer.committed, 3)
	assert.Equal(t, 0, batch.Len())
	assert.Zero(t, batch.applied)
	assert.Empty(t, batch.maxOffset)
}

func TestBatch_FlushFailureKeepsMessages(t *testing.T) {
	batch := NewBatch()
	batch.Add(kafka.Message{Offset: 5}, 1, OutcomeApplied)

	err := batch.Flush(context.Background(), "base", &mockCommitter{err: errors.New("broker down")})
	require.Error(t, err)
	assert.Equal(t, 1, batch.Len())
}

func TestBatch_FlushEmptyIsNoop(t *testing.T) {
	committer := &mockCommitter{err: errors.New("must not be called")}
	assert.NoError(t, NewBatch().Flush(context.Background(), "base", committer))
}
