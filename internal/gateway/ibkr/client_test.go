package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"possync/internal/config"
	"possync/internal/gateway/broker"
	"possync/internal/retry"
	"possync/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const positionJSON = `[{"acctId":"U1","conid":1001,"contractDesc":"SPY NOV2026 400 P","position":-2,"mktPrice":2.1,
"avgCost":250,"unrealizedPnl":80,"assetClass":"OPT","expiry":"20261120","putOrCall":"P","multiplier":100,"strike":"400","undSym":"SPY"}]`

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(config.BrokerConfig{
		BaseURL:         srv.URL + "/v1/api",
		WSURL:           "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/api/ws",
		AccountID:       "U1",
		RateLimitPerSec: 1000,
		Burst:           100,
		Timeout:         2 * time.Second,
	}, 4)
	require.NoError(t, err)
	c.nowFn = func() time.Time { return time.Date(2026, 10, 1, 15, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPositionsFollowsPages(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/api/portfolio/U1/positions/0":
			pages.Add(1)
			var rows []string
			for i := 0; i < positionsPageSize; i++ {
				rows = append(rows, fmt.Sprintf(`{"conid":%d,"position":1,"ticker":"spy","avgCost":100}`, i+1))
			}
			fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
		case "/v1/api/portfolio/U1/positions/1":
			pages.Add(1)
			fmt.Fprint(w, `[{"conid":5000,"position":0,"ticker":"QQQ"},{"conid":5001,"position":-3,"contractDesc":"IWM DEC2026 200 C"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv).Positions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), pages.Load())
	require.Len(t, got, positionsPageSize+1, "flat positions are skipped")
	assert.Equal(t, "SPY", got[0].Contract.Symbol)
	last := got[len(got)-1]
	assert.Equal(t, "5001", last.Contract.ID)
	assert.Equal(t, "IWM", last.Contract.Symbol)
	assert.Equal(t, -3.0, last.Quantity)
}

func TestFetchCurrentBuildsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/api/portfolio/U1/position/1001":
			fmt.Fprint(w, positionJSON)
		case "/v1/api/iserver/marketdata/snapshot":
			assert.Equal(t, "1001", r.URL.Query().Get("conids"))
			assert.Equal(t, "31,7308,7309,7310,7311,7633", r.URL.Query().Get("fields"))
			fmt.Fprint(w, `[{"conid":1001,"31":"C1.50","7308":"-0.31","7309":"0.02","7310":"-0.05","7311":"0.12","7633":"24.5%","_updated":1790000000000}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	snap, err := newTestClient(t, srv).FetchCurrent(context.Background(), types.Contract{ID: "1001"})
	require.NoError(t, err)
	assert.Equal(t, "SPY", snap.Symbol)
	assert.Equal(t, types.RightPut, snap.Right)
	assert.Equal(t, 400.0, snap.Strike)
	assert.Equal(t, time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC), snap.Expiry)
	assert.Equal(t, -2.0, snap.Quantity)
	assert.Equal(t, 1.5, snap.MarketPrice)
	// short 2 contracts sold at 250 each, now worth 150 each
	assert.InDelta(t, 200.0, snap.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -0.31, snap.Greeks.Delta, 1e-9)
	assert.InDelta(t, 0.245, snap.ImpliedVol, 1e-9)
	assert.Equal(t, types.SourceBatch, snap.Source)
	assert.Equal(t, time.UnixMilli(1790000000000).UTC(), snap.Timestamp)
}

func TestFetchCurrentWithoutFieldsIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/api/portfolio/U1/position/1001":
			fmt.Fprint(w, positionJSON)
		case "/v1/api/iserver/marketdata/snapshot":
			fmt.Fprint(w, `[{"conid":1001}]`)
		}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchCurrent(context.Background(), types.Contract{ID: "1001"})
	require.Error(t, err)
	assert.Equal(t, broker.CodeNotSubscribed, broker.CodeOf(err))
	assert.True(t, retry.Classify(err).Retryable)
}

func TestHTTPErrorsMapToCategories(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		category retry.Category
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"not authenticated"}`, retry.CategoryAuth},
		{"pacing", http.StatusTooManyRequests, ``, retry.CategoryRateLimit},
		{"gateway down", http.StatusServiceUnavailable, `oops`, retry.CategoryConnection},
		{"no secdef", http.StatusInternalServerError, `{"error":"No security definition has been found for the request"}`, retry.CategoryContractNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()
			_, err := newTestClient(t, srv).Positions(context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.category, retry.Classify(err).Category)
		})
	}
}

func TestSubscribeStreamsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/api/portfolio/U1/position/1001":
			fmt.Fprint(w, positionJSON)
		case "/v1/api/ws":
			conn, err := upgrader.Upgrade(w, r, nil)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				received <- string(msg)
				if strings.HasPrefix(string(msg), "smd+1001") {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"system","hb":1}`))
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"smd+1001","conid":1001,"7308":"-0.30","_updated":1790000000000}`))
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"smd+1001","conid":1001,"31":"2.00","_updated":1790000001000}`))
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"smd+1001","conid":1001,"31":"2.50","_updated":1790000002000}`))
				}
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	sub, err := c.Subscribe(context.Background(), types.Contract{ID: "1001", Symbol: "SPY"})
	require.NoError(t, err)
	assert.Equal(t, `smd+1001+{"fields":["31","7308","7309","7310","7311","7633"]}`, <-received)

	first := <-sub.Updates()
	assert.Equal(t, 2.0, first.Snapshot.MarketPrice)
	assert.InDelta(t, -0.30, first.Snapshot.Greeks.Delta, 1e-9, "partial ticks merge")
	assert.Equal(t, types.SourceStreamed, first.Snapshot.Source)
	assert.Equal(t, -2.0, first.Snapshot.Quantity)

	second := <-sub.Updates()
	assert.Equal(t, 2.5, second.Snapshot.MarketPrice)
	assert.True(t, second.Snapshot.Timestamp.After(first.Snapshot.Timestamp))

	require.NoError(t, sub.Close())
	assert.Equal(t, "umd+1001+{}", <-received)
	_, open := <-sub.Updates()
	assert.False(t, open)
}

func TestStreamEndClosesSubscriptions(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/api/portfolio/U1/position/1001":
			fmt.Fprint(w, positionJSON)
		case "/v1/api/ws":
			conn, err := upgrader.Upgrade(w, r, nil)
			if !assert.NoError(t, err) {
				return
			}
			_, _, _ = conn.ReadMessage()
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	sub, err := newTestClient(t, srv).Subscribe(context.Background(), types.Contract{ID: "1001"})
	require.NoError(t, err)
	select {
	case _, open := <-sub.Updates():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after stream end")
	}
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, 1.25, parseNumber("H1.25"))
	assert.Equal(t, 1234.5, parseNumber("1,234.5"))
	assert.Equal(t, 0.0, parseNumber("n/a"))
	assert.InDelta(t, 0.31, parsePercent("31%"), 1e-9)
	assert.True(t, parseExpiry("bogus").IsZero())
	assert.Equal(t, 2026, parseExpiry("2026-12-18").Year())
}
