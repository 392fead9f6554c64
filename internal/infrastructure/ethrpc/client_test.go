package ethrpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

type fakeNode struct {
	t           *testing.T
	headerCalls int
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if !assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req)) {
		return
	}

	var result any
	switch req.Method {
	case "eth_blockNumber":
		result = "0x1f4"
	case "eth_getLogs":
		filter := req.Params[0].(map[string]any)
		assert.Equal(f.t, "0x64", filter["fromBlock"])
		assert.Equal(f.t, "0x65", filter["toBlock"])
		assert.Equal(f.t, "0xtoken", filter["address"])
		result = []map[string]any{
			{
				"address":         "0xTOKEN",
				"topics":          []string{transferTopic},
				"data":            "0x01",
				"blockNumber":     "0x64",
				"transactionHash": "0xAB",
				"logIndex":        "0x0",
			},
			{
				"address":         "0xtoken",
				"topics":          []string{transferTopic},
				"data":            "0x02",
				"blockNumber":     "0x64",
				"transactionHash": "0xcd",
				"logIndex":        "0x3",
			},
		}
	case "eth_getBlockByNumber":
		f.headerCalls++
		assert.Equal(f.t, "0x64", req.Params[0])
		result = map[string]any{"number": "0x64", "timestamp": "0x6553f100"}
	case "eth_fail":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32000, "message": "boom"},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newTestClient(t *testing.T) (*Client, *fakeNode) {
	node := &fakeNode{t: t}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{Chain: "Sepolia", URL: srv.URL, Address: "0xToken", Topic0: transferTopic})
	require.NoError(t, err)
	return client, node
}

func TestLatestBlockNumber(t *testing.T) {
	client, _ := newTestClient(t)
	block, err := client.LatestBlockNumber(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), block)
}

func TestFetchLogsFillsChainAndBlockTime(t *testing.T) {
	client, node := newTestClient(t)

	logs, err := client.FetchLogs(t.Context(), 100, 101)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	want := time.Unix(0x6553f100, 0).UTC()
	for _, log := range logs {
		assert.Equal(t, "sepolia", log.Chain)
		assert.Equal(t, uint64(100), log.BlockNumber)
		assert.True(t, want.Equal(log.BlockTime))
		assert.Equal(t, "0xtoken", log.Address)
	}
	assert.Equal(t, "0xab", logs[0].TxHash)
	assert.Equal(t, uint64(3), logs[1].LogIndex)
	assert.Equal(t, 1, node.headerCalls, "block header fetched once per block")
}

func TestCallSurfacesRPCError(t *testing.T) {
	client, _ := newTestClient(t)
	err := client.call(t.Context(), "eth_fail", []any{}, new(string))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{Chain: "sepolia"})
	assert.Error(t, err)
	_, err = NewClient(Config{URL: "http://localhost"})
	assert.Error(t, err)
}
