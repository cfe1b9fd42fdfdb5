package adminhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"possync/internal/alert"
	"possync/internal/queue"
	"possync/internal/registry"
	"possync/internal/store"
	"possync/internal/store/decisionlog"
	"possync/internal/store/memstore"
	"possync/internal/types"
	"possync/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct{ ids []string }

func (f fakeStreamer) Streaming() []string { return f.ids }
func (f fakeStreamer) StreamingCount() int { return len(f.ids) }
func (f fakeStreamer) Budget() int         { return 100 }

type fakeWorker struct{}

func (fakeWorker) Stats() worker.Stats {
	return worker.Stats{TotalProcessed: 7, TotalSuccess: 5, TotalFailed: 2}
}

type fakeAlerts struct{ alerts []alert.Alert }

func (f fakeAlerts) Recent(limit int) []alert.Alert {
	if limit < len(f.alerts) {
		return f.alerts[:limit]
	}
	return f.alerts
}

type fixture struct {
	handler   http.Handler
	registry  *registry.Registry
	queue     *queue.Queue
	snapshots *memstore.Snapshots
	decisions *decisionlog.DecisionLogStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dl, err := decisionlog.NewDecisionLogStore(filepath.Join(t.TempDir(), "decisions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Close() })

	f := &fixture{
		registry:  registry.New(memstore.NewRegistry()),
		queue:     queue.New(memstore.NewQueue(), queue.Config{MaxRetries: 3, MinTier: 1}),
		snapshots: memstore.NewSnapshots(),
		decisions: dl,
	}
	srv, err := NewServer(ServerConfig{
		Registry:  f.registry,
		Queue:     f.queue,
		Streamer:  fakeStreamer{ids: []string{"1001"}},
		Worker:    fakeWorker{},
		Snapshots: f.snapshots,
		Decisions: dl,
		Alerts: fakeAlerts{alerts: []alert.Alert{
			{ID: "a2", ContractID: "1002", Action: "CLOSE", Rule: "catastrophe_protection"},
			{ID: "a1", ContractID: "1001", Action: "ROLL", Rule: "dte_roll"},
		}},
	})
	require.NoError(t, err)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRegistryAddListRemove(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/registry", map[string]any{
		"contract_id": "1001",
		"symbol":      "spy",
		"right":       "put",
		"strike":      450,
		"expiry":      "2026-12-18",
		"strategy_id": "csp-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, body["version"])
	assert.True(t, f.registry.IsActive("1001"))
	got, ok := f.registry.Get("1001")
	require.True(t, ok)
	assert.Equal(t, "SPY", got.Symbol)
	assert.Equal(t, types.RightPut, got.Right)
	assert.Equal(t, "csp-1", got.StrategyID)

	rec, body = f.do(t, http.MethodGet, "/api/registry?changes=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["contracts"], 1)
	assert.Len(t, body["changes"], 1)
	assert.Equal(t, []any{"1001"}, body["streaming"])

	rec, _ = f.do(t, http.MethodDelete, "/api/registry/1001", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.registry.IsActive("1001"))

	rec, _ = f.do(t, http.MethodDelete, "/api/registry/1001", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegistryAddRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	cases := []map[string]any{
		{"symbol": "SPY"},
		{"contract_id": "1", "right": "X"},
		{"contract_id": "1", "right": "C", "expiry": "18/12/2026"},
	}
	for i, body := range cases {
		rec, _ := f.do(t, http.MethodPost, "/api/registry", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "case %d", i)
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestQueueAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.queue.Enqueue(ctx, types.Contract{ID: "2001", Symbol: "IWM"}, 2)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, types.Contract{ID: "2002", Symbol: "IWM"}, 1)
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["depth"])
	assert.Len(t, body["items"], 2)

	rec, body = f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	q := body["queue"].(map[string]any)
	assert.EqualValues(t, 2, q["depth"])
	s := body["streaming"].(map[string]any)
	assert.EqualValues(t, 1, s["count"])
	assert.EqualValues(t, 100, s["budget"])
	w := body["worker"].(map[string]any)
	assert.EqualValues(t, 7, w["total_processed"])

	rec, body = f.do(t, http.MethodGet, "/api/queue/failures", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["failures"])
}

func TestPositionsAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Date(2026, 10, 1, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.snapshots.Append(ctx, types.PositionSnapshot{
			ContractID: "1001", Symbol: "SPY", Quantity: -1, MarketPrice: 2 + float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Hour), Source: types.SourceBatch,
		}))
	}
	require.NoError(t, f.snapshots.Append(ctx, types.PositionSnapshot{
		ContractID: "3001", Symbol: "QQQ", Quantity: 0, Timestamp: base, Source: types.SourceBatch,
	}))

	rec, body := f.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["positions"], 2)

	rec, body = f.do(t, http.MethodGet, "/api/positions?open=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	assert.InDelta(t, 4.0, positions[0].(map[string]any)["market_price"], 1e-9)

	from := strconv.FormatInt(base.UnixMilli(), 10)
	to := base.Add(90 * time.Minute).Format(time.RFC3339)
	rec, body = f.do(t, http.MethodGet, "/api/positions/1001/history?from="+from+"&to="+to, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, body["snapshots"], 2)

	rec, _ = f.do(t, http.MethodGet, "/api/positions/1001/history?from="+to+"&to="+from, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/positions/1001/history?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisionsAndAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := time.Now().UTC()
	require.NoError(t, f.decisions.AppendDecisions(ctx, []store.DecisionRecord{
		{CycleID: "c1", ContractID: "1001", Symbol: "SPY", Action: "HOLD", Urgency: "LOW", Reason: "no rule triggered", DecidedAt: at},
		{CycleID: "c1", ContractID: "1002", Symbol: "SPY", Action: "CLOSE", Urgency: "IMMEDIATE", Rule: "catastrophe_protection", DecidedAt: at},
	}))

	rec, body := f.do(t, http.MethodGet, "/api/decisions?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["decisions"], 2)

	rec, body = f.do(t, http.MethodGet, "/api/decisions?action=close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decisions := body["decisions"].([]any)
	require.Len(t, decisions, 1)
	assert.Equal(t, "1002", decisions[0].(map[string]any)["contract_id"])

	rec, body = f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := body["decisions_24h"].(map[string]any)
	assert.EqualValues(t, 1, counts["HOLD"])
	assert.EqualValues(t, 1, counts["CLOSE"])

	rec, body = f.do(t, http.MethodGet, "/api/alerts?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := body["alerts"].([]any)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a2", alerts[0].(map[string]any)["id"])
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, parseLimit(""))
	assert.Equal(t, defaultListLimit, parseLimit("-3"))
	assert.Equal(t, 25, parseLimit("25"))
	assert.Equal(t, maxListLimit, parseLimit("100000"))
}
