package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tokenpoints/internal/domain"
	"tokenpoints/internal/streaming"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

func addressTopic(address string) string {
	return "0x000000000000000000000000" + address[2:]
}

func transferMessage(hash string, logIndex uint64, from, to string, amount int64) streaming.Message {
	return streaming.Message{
		Type:        streaming.MessageTypeLog,
		Chain:       "sepolia",
		BlockNumber: 100 + logIndex,
		BlockTime:   t0.UnixMilli(),
		TxHash:      hash,
		LogIndex:    logIndex,
		Data:        fmt.Sprintf("0x%064x", amount),
		Topics:      []string{transferTopic, addressTopic(from), addressTopic(to)},
	}
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	next      int
	committed []kafka.Message
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.next < len(f.messages) {
		msg := f.messages[f.next]
		f.next++
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type funcApplier func(t domain.Transaction) (bool, error)

func (f funcApplier) ApplyTransaction(_ context.Context, t domain.Transaction) (domain.Transaction, bool, error) {
	applied, err := f(t)
	return t, applied, err
}

func encoded(t *testing.T, offset int64, msg streaming.Message) kafka.Message {
	t.Helper()
	value, err := streaming.Encode(msg)
	require.NoError(t, err)
	return kafka.Message{Topic: "transfers-sepolia", Partition: 0, Offset: offset, Value: value}
}

func runConsumer(t *testing.T, reader *fakeReader, applier TransactionApplier) (context.CancelFunc, <-chan error) {
	t.Helper()
	consumer, err := NewConsumer(reader, applier, nil, ConsumerConfig{
		Chain:         "sepolia",
		Topic0:        transferTopic,
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()
	return cancel, done
}

func TestConsumerAppliesAndCommits(t *testing.T) {
	store := newStore(t)
	ledger := newTestLedger(t, store, nil)

	other := transferMessage("0x03", 0, alice, bob, 1)
	other.Topics[0] = "0x" + fmt.Sprintf("%064x", 1)
	foreign := transferMessage("0x04", 0, alice, bob, 1)
	foreign.Chain = "base"

	reader := &fakeReader{messages: []kafka.Message{
		encoded(t, 0, transferMessage("0x01", 0, domain.ZeroAddress, alice, 100)),
		encoded(t, 1, transferMessage("0x02", 1, alice, bob, 40)),
		encoded(t, 2, transferMessage("0x01", 0, domain.ZeroAddress, alice, 100)),
		{Topic: "transfers-sepolia", Offset: 3, Value: []byte("not json")},
		encoded(t, 4, other),
		encoded(t, 5, foreign),
	}}

	cancel, done := runConsumer(t, reader, ledger)
	require.Eventually(t, func() bool { return reader.commitCount() == 6 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ctx := context.Background()
	aliceBalance, err := ledger.GetBalance(ctx, "sepolia", alice)
	require.NoError(t, err)
	assert.Equal(t, "60", aliceBalance.Balance.String())
	bobBalance, err := ledger.GetBalance(ctx, "sepolia", bob)
	require.NoError(t, err)
	assert.Equal(t, "40", bobBalance.Balance.String())

	count, err := store.CountTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestConsumerLeavesUnappliedMessageUncommitted(t *testing.T) {
	var calls atomic.Int64
	applier := funcApplier(func(domain.Transaction) (bool, error) {
		calls.Add(1)
		return false, errors.New("database is locked")
	})
	reader := &fakeReader{messages: []kafka.Message{
		encoded(t, 0, transferMessage("0x01", 0, domain.ZeroAddress, alice, 100)),
	}}

	cancel, done := runConsumer(t, reader, applier)
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, reader.commitCount())
}

func TestConsumerSkipsRejectedTransfers(t *testing.T) {
	applier := funcApplier(func(domain.Transaction) (bool, error) {
		return false, domain.Validation("unknown_chain", "unknown chain")
	})
	reader := &fakeReader{messages: []kafka.Message{
		encoded(t, 0, transferMessage("0x01", 0, domain.ZeroAddress, alice, 100)),
	}}

	cancel, done := runConsumer(t, reader, applier)
	require.Eventually(t, func() bool { return reader.commitCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestDecodeTransfer(t *testing.T) {
	tx, ok, err := DecodeTransfer(transferMessage("0xAA", 3, domain.ZeroAddress, alice, 255), transferTopic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ZeroAddress, tx.From)
	assert.Equal(t, alice, tx.To)
	assert.Equal(t, "255", tx.Amount.String())
	assert.Equal(t, domain.TxMint, tx.Type)
	assert.Equal(t, uint64(103), tx.BlockHeight)
	assert.True(t, tx.Timestamp.Equal(t0))

	removed := transferMessage("0x01", 0, alice, bob, 1)
	removed.Removed = true
	_, ok, err = DecodeTransfer(removed, transferTopic)
	require.NoError(t, err)
	assert.False(t, ok)

	noTime := transferMessage("0x01", 0, alice, bob, 1)
	noTime.BlockTime = 0
	_, _, err = DecodeTransfer(noTime, transferTopic)
	require.Error(t, err)

	short := transferMessage("0x01", 0, alice, bob, 1)
	short.Topics = short.Topics[:2]
	_, _, err = DecodeTransfer(short, transferTopic)
	require.Error(t, err)

	badData := transferMessage("0x01", 0, alice, bob, 1)
	badData.Data = "0x01"
	_, _, err = DecodeTransfer(badData, transferTopic)
	require.Error(t, err)
}
