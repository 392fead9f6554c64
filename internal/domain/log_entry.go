package domain

import "time"

// LogEntry is a contract log as returned by the chain RPC.
type LogEntry struct {
	Chain       string
	BlockNumber uint64
	BlockTime   time.Time
	TxHash      string
	LogIndex    uint64
	Address     string
	Data        string
	Topics      []string
	Removed     bool
}
