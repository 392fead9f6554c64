package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"tokenpoints/internal/domain"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client is a minimal JSON-RPC client for the token contract's logs on one
// chain.
type Client struct {
	chain      string
	url        string
	httpClient *http.Client
	idCounter  uint64
	address    string
	topic0     string
	tracer     trace.Tracer
}

type Config struct {
	Chain   string
	URL     string
	Address string
	Topic0  string
	Timeout time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	if cfg.Chain == "" {
		return nil, errors.New("chain is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		chain:      strings.ToLower(cfg.Chain),
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		address:    strings.ToLower(cfg.Address),
		topic0:     strings.ToLower(cfg.Topic0),
		tracer:     otel.Tracer("tokenpoints/ethrpc"),
	}, nil
}

func (c *Client) Chain() string { return c.chain }

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(result)
}

// BlockTime returns the header timestamp of block.
func (c *Client) BlockTime(ctx context.Context, block uint64) (time.Time, error) {
	var header *rpcHeader
	if err := c.call(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(block), false}, &header); err != nil {
		return time.Time{}, err
	}
	if header == nil {
		return time.Time{}, fmt.Errorf("block %d not found", block)
	}
	seconds, err := hexutil.DecodeUint64(header.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d timestamp: %w", block, err)
	}
	return time.Unix(int64(seconds), 0).UTC(), nil
}

// FetchLogs returns the contract's matching logs in [fromBlock, toBlock]
// with their block timestamps filled in.
func (c *Client) FetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]domain.LogEntry, error) {
	filter := map[string]any{
		"fromBlock": hexutil.EncodeUint64(fromBlock),
		"toBlock":   hexutil.EncodeUint64(toBlock),
	}
	if c.address != "" {
		filter["address"] = c.address
	}
	if c.topic0 != "" {
		filter["topics"] = []any{c.topic0}
	}

	var result []rpcLog
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &result); err != nil {
		return nil, err
	}

	blockTimes := make(map[uint64]time.Time)
	logs := make([]domain.LogEntry, 0, len(result))
	for _, log := range result {
		blockNumber, err := hexutil.DecodeUint64(log.BlockNumber)
		if err != nil {
			return nil, err
		}
		logIndex, err := hexutil.DecodeUint64(log.LogIndex)
		if err != nil {
			return nil, err
		}
		blockTime, ok := blockTimes[blockNumber]
		if !ok {
			if blockTime, err = c.BlockTime(ctx, blockNumber); err != nil {
				return nil, err
			}
			blockTimes[blockNumber] = blockTime
		}
		logs = append(logs, domain.LogEntry{
			Chain:       c.chain,
			BlockNumber: blockNumber,
			BlockTime:   blockTime,
			TxHash:      strings.ToLower(log.TxHash),
			LogIndex:    logIndex,
			Address:     strings.ToLower(log.Address),
			Data:        log.Data,
			Topics:      log.Topics,
			Removed:     log.Removed,
		})
	}

	return logs, nil
}

type rpcLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

type rpcHeader struct {
	Number    string `json:"number"`
	Timestamp string `json:"timestamp"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) (err error) {
	ctx, span := c.tracer.Start(ctx, "ethrpc."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("chain", c.chain),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	id := atomic.AddUint64(&c.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc %s status %d", method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc %s error %d: %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return errors.New("rpc result is empty")
	}
	return json.Unmarshal(decoded.Result, result)
}
