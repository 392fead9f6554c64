package streaming

import (
	"encoding/json"
	"errors"
)

type MessageType string

const MessageTypeLog MessageType = "log"

type Message struct {
	Type        MessageType `json:"type"`
	Chain       string      `json:"chain"`
	TraceID     string      `json:"trace_id,omitempty"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	BlockTime   int64       `json:"block_time,omitempty"`
	TxHash      string      `json:"tx_hash,omitempty"`
	LogIndex    uint64      `json:"log_index,omitempty"`
	Address     string      `json:"address,omitempty"`
	Data        string      `json:"data,omitempty"`
	Topics      []string    `json:"topics,omitempty"`
	Removed     bool        `json:"removed,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if err := validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func validate(msg Message) error {
	switch msg.Type {
	case MessageTypeLog:
		if msg.TxHash == "" {
			return errors.New("tx_hash is required for log messages")
		}
	case "":
		return errors.New("message type is missing")
	default:
		return errors.New("unknown message type: " + string(msg.Type))
	}
	if msg.Chain == "" {
		return errors.New("chain is missing")
	}
	return nil
}
