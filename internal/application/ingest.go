package application

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"tokenpoints/internal/domain"
	"tokenpoints/internal/streaming"
)

// DecodeTransfer turns an ERC-20 Transfer log into a Transaction. It reports
// false for logs that are not transfers or were removed by the node.
func DecodeTransfer(msg streaming.Message, topic0 string) (domain.Transaction, bool, error) {
	if msg.Type != streaming.MessageTypeLog || msg.Removed {
		return domain.Transaction{}, false, nil
	}
	if len(msg.Topics) == 0 || !strings.EqualFold(msg.Topics[0], topic0) {
		return domain.Transaction{}, false, nil
	}
	if len(msg.Topics) < 3 {
		return domain.Transaction{}, false, errors.New("transfer log is missing indexed address topics")
	}
	from, err := decodeTopicAddress(msg.Topics[1])
	if err != nil {
		return domain.Transaction{}, false, err
	}
	to, err := decodeTopicAddress(msg.Topics[2])
	if err != nil {
		return domain.Transaction{}, false, err
	}
	amount, err := decodeUint256(msg.Data)
	if err != nil {
		return domain.Transaction{}, false, err
	}
	if msg.BlockTime <= 0 {
		return domain.Transaction{}, false, fmt.Errorf("log %s:%d has no block time", msg.TxHash, msg.LogIndex)
	}
	return domain.Transaction{
		Chain:       msg.Chain,
		TxHash:      msg.TxHash,
		LogIndex:    msg.LogIndex,
		From:        from,
		To:          to,
		Amount:      amount,
		Type:        domain.ClassifyTransfer(from, to),
		BlockHeight: msg.BlockNumber,
		Timestamp:   time.UnixMilli(msg.BlockTime).UTC(),
	}, true, nil
}

func decodeTopicAddress(topic string) (string, error) {
	if !strings.HasPrefix(topic, "0x") || len(topic) != 66 {
		return "", fmt.Errorf("invalid topic address: %s", topic)
	}
	return strings.ToLower("0x" + topic[26:]), nil
}

func decodeUint256(data string) (*big.Int, error) {
	clean := strings.TrimPrefix(data, "0x")
	if len(clean) < 64 {
		return nil, fmt.Errorf("invalid data length: %d", len(clean))
	}
	value := new(big.Int)
	if _, ok := value.SetString(clean[:64], 16); !ok {
		return nil, errors.New("failed to parse uint256")
	}
	return value, nil
}
