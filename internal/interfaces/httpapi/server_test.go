package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tokenpoints/internal/application"
	"tokenpoints/internal/domain"
	"tokenpoints/internal/infrastructure/blobstore"
	"tokenpoints/internal/infrastructure/sqlite"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
)

var (
	chains = []string{"sepolia", "base"}
	t0     = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
)

type testEnv struct {
	server      *httptest.Server
	ledger      *application.Ledger
	coordinator *application.Coordinator
	store       *fakePinger
}

type fakePinger struct {
	down atomic.Bool
}

func (f *fakePinger) Ping(context.Context) error {
	if f.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := sqlite.NewRepository(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.EnsureChains(context.Background(), chains))

	metrics := NewMetrics()
	ledger, err := application.NewLedger(repo, metrics, application.LedgerConfig{Chains: chains})
	require.NoError(t, err)
	points, err := application.NewPointsEngine(repo, application.PointsConfig{Chains: chains, Rate: decimal.NewFromInt(1)})
	require.NoError(t, err)
	coordinator, err := application.NewCoordinator(repo, repo, points, metrics, application.CoordinatorConfig{
		Chains: chains, Workers: 2, MaxConsecutiveFailures: 3,
	})
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)
	blobs, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	backups, err := application.NewBackupManager(repo, blobs, ledger, metrics, application.BackupConfig{Chains: chains})
	require.NoError(t, err)
	query, err := application.NewQueryService(repo, chains)
	require.NoError(t, err)

	pinger := &fakePinger{}
	server, err := NewServer(Deps{
		Ledger:  ledger,
		Points:  points,
		Jobs:    coordinator,
		Backups: backups,
		Query:   query,
		Store:   pinger,
	}, metrics, BuildInfo{Version: "1.2.3", Commit: "abc"})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, ledger: ledger, coordinator: coordinator, store: pinger}
}

func (e *testEnv) apply(t *testing.T, hash, from, to string, amount int64, at time.Time) {
	t.Helper()
	_, applied, err := e.ledger.ApplyTransaction(context.Background(), domain.Transaction{
		Chain: "sepolia", TxHash: hash, From: from, To: to,
		Amount: big.NewInt(amount), BlockHeight: 7, Timestamp: at,
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthReadyVersion(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").StatusCode)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").StatusCode)

	env.store.down.Store(true)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", "").StatusCode)

	info := decodeJSON[map[string]string](t, env.do(t, http.MethodGet, "/version", ""))
	assert.Equal(t, "1.2.3", info["version"])

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/nope", "").StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodDelete, "/healthz", "").StatusCode)
}

func TestBalanceAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "0x01", domain.ZeroAddress, alice, 100, t0)
	env.apply(t, "0x02", alice, bob, 40, t0.Add(time.Minute))
	env.apply(t, "0x03", alice, bob, 10, t0.Add(2*time.Minute))

	resp := env.do(t, http.MethodGet, "/balance/sepolia/0xnot-an-address", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	balance := decodeJSON[map[string]any](t, env.do(t, http.MethodGet, "/balance/sepolia/"+alice, ""))
	assert.Equal(t, "50", balance["balance"])
	assert.Equal(t, alice, balance["address"])

	unknown := env.do(t, http.MethodGet, "/balance/mainnet/"+alice, "")
	assert.Equal(t, http.StatusBadRequest, unknown.StatusCode)
	assert.Equal(t, "unknown_chain", decodeJSON[map[string]string](t, unknown)["code"])

	first := env.do(t, http.MethodGet, "/history/sepolia/"+alice+"?limit=2", "")
	require.Equal(t, http.StatusOK, first.StatusCode)
	cursor := first.Header.Get("X-Next-Cursor")
	require.NotEmpty(t, cursor)
	page := decodeJSON[[]map[string]any](t, first)
	require.Len(t, page, 2)
	assert.Equal(t, "50", page[0]["balanceAfter"])
	assert.Equal(t, "60", page[1]["balanceAfter"])

	second := env.do(t, http.MethodGet, "/history/sepolia/"+alice+"?limit=2&before="+cursor, "")
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Empty(t, second.Header.Get("X-Next-Cursor"))
	rest := decodeJSON[[]map[string]any](t, second)
	require.Len(t, rest, 1)
	assert.Equal(t, "0", rest[0]["balanceBefore"])
	assert.Equal(t, "mint", rest[0]["changeType"])

	bad := env.do(t, http.MethodGet, "/history/sepolia/"+alice+"?before=@@", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestRecalculationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "0x01", domain.ZeroAddress, alice, 100, t0)

	bad := env.do(t, http.MethodPost, "/recalculate", `{"chain":"sepolia","startTime":"yesterday","endTime":"2024-01-01T11:00"}`)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Contains(t, decodeJSON[map[string]string](t, bad)["error"], "invalid time")

	inverted := env.do(t, http.MethodPost, "/recalculate", `{"chain":"sepolia","startTime":"2024-01-01T11:00","endTime":"2024-01-01T10:00"}`)
	assert.Equal(t, http.StatusBadRequest, inverted.StatusCode)

	resp := env.do(t, http.MethodPost, "/recalculate", `{"chain":"sepolia","startTime":"2024-01-01T10:00","endTime":1704106800}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeJSON[map[string]string](t, resp)
	require.NotEmpty(t, submitted["jobId"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := env.coordinator.Await(ctx, submitted["jobId"])
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, job.Status)

	got := decodeJSON[map[string]any](t, env.do(t, http.MethodGet, "/recalculate/"+job.ID, ""))
	assert.Equal(t, "completed", got["status"])
	assert.EqualValues(t, 1, got["addressesDone"])

	conflict := env.do(t, http.MethodPost, "/recalculate/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)

	missing := env.do(t, http.MethodGet, "/recalculate/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	list := decodeJSON[[]map[string]any](t, env.do(t, http.MethodGet, "/recalculate?chain=sepolia", ""))
	require.Len(t, list, 1)

	points := env.do(t, http.MethodGet, "/points/sepolia/"+alice, "")
	require.Equal(t, http.StatusOK, points.StatusCode)
	var summary struct {
		TotalPoints      json.Number `json:"totalPoints"`
		LastCalculatedAt *time.Time  `json:"lastCalculatedAt"`
	}
	require.NoError(t, json.NewDecoder(points.Body).Decode(&summary))
	assert.Equal(t, json.Number("100"), summary.TotalPoints)
	assert.NotNil(t, summary.LastCalculatedAt)
}

func TestBackupEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "0x01", domain.ZeroAddress, alice, 100, t0)

	missingChain := env.do(t, http.MethodPost, "/backup", `{}`)
	assert.Equal(t, http.StatusBadRequest, missingChain.StatusCode)

	created := env.do(t, http.MethodPost, "/backup", `{"chain":"sepolia"}`)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	backup := decodeJSON[map[string]any](t, created)
	id, _ := backup["id"].(string)
	require.NotEmpty(t, id)
	assert.EqualValues(t, 1, backup["cursor"])

	env.apply(t, "0x02", alice, bob, 30, t0.Add(time.Minute))

	list := decodeJSON[[]map[string]any](t, env.do(t, http.MethodGet, "/backups", ""))
	require.Len(t, list, 1)

	restored := env.do(t, http.MethodPost, "/backup/restore", `{"backupId":"`+id+`"}`)
	require.Equal(t, http.StatusOK, restored.StatusCode)
	assert.Equal(t, "restored", decodeJSON[map[string]any](t, restored)["status"])

	balance := decodeJSON[map[string]any](t, env.do(t, http.MethodGet, "/balance/sepolia/"+alice, ""))
	assert.Equal(t, "100", balance["balance"])

	unknown := env.do(t, http.MethodPost, "/backup/restore", `{"backupId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)
}

func TestStatsAndFeeds(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "0x01", domain.ZeroAddress, alice, 100, t0)
	env.apply(t, "0x02", alice, bob, 40, t0.Add(time.Minute))

	stats := decodeJSON[map[string]any](t, env.do(t, http.MethodGet, "/stats", ""))
	assert.EqualValues(t, 2, stats["totalUsers"])
	assert.EqualValues(t, 2, stats["totalTransactions"])
	assert.EqualValues(t, 7, stats["sepoliaBlock"])
	assert.EqualValues(t, 0, stats["baseBlock"])

	history := decodeJSON[map[string][]any](t, env.do(t, http.MethodGet, "/points/history?days=3", ""))
	assert.Len(t, history["labels"], 3)
	assert.Len(t, history["values"], 3)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/points/history?days=x", "").StatusCode)

	recent := decodeJSON[[]map[string]any](t, env.do(t, http.MethodGet, "/transactions/recent?limit=1", ""))
	require.Len(t, recent, 1)
	assert.Equal(t, "0x02", recent[0]["txHash"])
	assert.Equal(t, "40", recent[0]["amount"])
	assert.Equal(t, "transfer", recent[0]["type"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "0x01", domain.ZeroAddress, alice, 100, t0)
	env.do(t, http.MethodGet, "/healthz", "")

	resp := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "tokenpoints_")
}

func TestCursorRoundTrip(t *testing.T) {
	c := domain.HistoryCursor{Timestamp: t0.Add(123 * time.Millisecond), Seq: 42, Posting: domain.PostingCredit}
	decoded, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.True(t, decoded.Timestamp.Equal(c.Timestamp))
	assert.Equal(t, c.Seq, decoded.Seq)
	assert.Equal(t, c.Posting, decoded.Posting)

	_, err = decodeCursor(encodeCursor(domain.HistoryCursor{Posting: 5}))
	require.Error(t, err)
}

func TestParseTime(t *testing.T) {
	cases := map[string]time.Time{
		"2024-01-01T10:00:00Z":      t0,
		"2024-01-01T11:00:00+01:00": t0,
		"2024-01-01T10:00":          t0,
		"1704103200":                t0,
	}
	for raw, want := range cases {
		got, err := ParseTime(raw)
		require.NoError(t, err, raw)
		assert.True(t, got.Equal(want), raw)
	}
	_, err := ParseTime("01/01/2024")
	require.Error(t, err)
}
