package kafka

import (
	"errors"
	"strings"

	"github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers     []string
	TopicPrefix string
	GroupID     string
}

// NewReader returns a consumer-group reader for chain's topic. Offsets are
// committed explicitly by the caller.
func NewReader(cfg ConsumerConfig, chain string) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("kafka group id is required")
	}
	prefix := cfg.TopicPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultTopicPrefix
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          Topic(prefix, chain),
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}), nil
}
