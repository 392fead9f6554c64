package httpapi

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"tokenpoints/internal/domain"
)

type jobResponse struct {
	ID              string     `json:"id"`
	Chain           string     `json:"chain"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         time.Time  `json:"endTime"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt"`
	FinishedAt      *time.Time `json:"finishedAt"`
	Error           string     `json:"error,omitempty"`
	AddressesTotal  int        `json:"addressesTotal"`
	AddressesDone   int        `json:"addressesDone"`
	AddressesFailed int        `json:"addressesFailed"`
}

func toJobResponse(job domain.RecalculationJob) jobResponse {
	return jobResponse{
		ID:              job.ID,
		Chain:           job.Chain,
		StartTime:       job.StartTime,
		EndTime:         job.EndTime,
		Status:          string(job.Status),
		CreatedAt:       job.CreatedAt,
		StartedAt:       optionalTime(job.StartedAt),
		FinishedAt:      optionalTime(job.FinishedAt),
		Error:           job.Error,
		AddressesTotal:  job.AddressesTotal,
		AddressesDone:   job.AddressesDone,
		AddressesFailed: job.AddressesFailed,
	}
}

type backupResponse struct {
	ID        string    `json:"id"`
	Chain     string    `json:"chain"`
	CreatedAt time.Time `json:"createdAt"`
	Cursor    uint64    `json:"cursor"`
}

func toBackupResponse(backup domain.Backup) backupResponse {
	return backupResponse{
		ID:        backup.ID,
		Chain:     backup.Chain,
		CreatedAt: backup.CreatedAt,
		Cursor:    backup.Cursor,
	}
}

type historyResponse struct {
	Chain         string    `json:"chain"`
	Address       string    `json:"address"`
	Timestamp     time.Time `json:"timestamp"`
	ChangeType    string    `json:"changeType"`
	BalanceBefore string    `json:"balanceBefore"`
	BalanceAfter  string    `json:"balanceAfter"`
	ChangeAmount  string    `json:"changeAmount"`
	TxHash        string    `json:"txHash"`
	LogIndex      uint64    `json:"logIndex"`
	BlockHeight   uint64    `json:"blockHeight"`
	Seq           uint64    `json:"seq"`
}

func toHistoryResponse(entry domain.BalanceHistoryEntry) historyResponse {
	return historyResponse{
		Chain:         entry.Chain,
		Address:       entry.Address,
		Timestamp:     entry.Timestamp,
		ChangeType:    string(entry.ChangeType),
		BalanceBefore: intString(entry.BalanceBefore),
		BalanceAfter:  intString(entry.BalanceAfter),
		ChangeAmount:  intString(entry.ChangeAmount),
		TxHash:        entry.TxHash,
		LogIndex:      entry.LogIndex,
		BlockHeight:   entry.BlockHeight,
		Seq:           entry.Seq,
	}
}

type transactionResponse struct {
	Chain       string    `json:"chain"`
	TxHash      string    `json:"txHash"`
	LogIndex    uint64    `json:"logIndex"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	Type        string    `json:"type"`
	BlockHeight uint64    `json:"blockHeight"`
	Timestamp   time.Time `json:"timestamp"`
	Seq         uint64    `json:"seq"`
}

func toTransactionResponse(t domain.Transaction) transactionResponse {
	return transactionResponse{
		Chain:       t.Chain,
		TxHash:      t.TxHash,
		LogIndex:    t.LogIndex,
		From:        t.From,
		To:          t.To,
		Amount:      intString(t.Amount),
		Type:        string(t.Type),
		BlockHeight: t.BlockHeight,
		Timestamp:   t.Timestamp,
		Seq:         t.Seq,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04"}

type timeFormatError struct {
	raw string
}

func (e *timeFormatError) Error() string {
	return fmt.Sprintf("invalid time %q: use RFC3339, 2006-01-02T15:04 or unix seconds", e.raw)
}

// flexibleTime accepts RFC3339, 2006-01-02T15:04 (UTC) or unix seconds,
// either as a JSON string or number.
type flexibleTime struct {
	time.Time
}

func (t *flexibleTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := ParseTime(raw)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, &timeFormatError{raw: raw}
}

// History cursors are opaque to clients: base64 of "millis.seq.posting".
func encodeCursor(c domain.HistoryCursor) string {
	raw := fmt.Sprintf("%d.%d.%d", c.Timestamp.UnixMilli(), c.Seq, c.Posting)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (domain.HistoryCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return domain.HistoryCursor{}, err
	}
	parts := strings.Split(string(raw), ".")
	if len(parts) != 3 {
		return domain.HistoryCursor{}, fmt.Errorf("malformed cursor")
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return domain.HistoryCursor{}, err
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return domain.HistoryCursor{}, err
	}
	posting, err := strconv.Atoi(parts[2])
	if err != nil || (posting != domain.PostingDebit && posting != domain.PostingCredit) {
		return domain.HistoryCursor{}, fmt.Errorf("malformed cursor")
	}
	return domain.HistoryCursor{Timestamp: time.UnixMilli(ms).UTC(), Seq: seq, Posting: posting}, nil
}
