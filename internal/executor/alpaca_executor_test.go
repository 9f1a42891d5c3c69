package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"intraday-trend-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAlpaca(t *testing.T, handler http.HandlerFunc) *AlpacaExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return NewAlpacaExecutor(&AlpacaConfig{
		APIKey:       "key",
		APISecret:    "secret",
		BaseURL:      srv.URL,
		DataURL:      srv.URL,
		BarTimeframe: 5 * time.Minute,
		Timeout:      2 * time.Second,
		Location:     loc,
	}, zap.NewNop())
}

func TestAlpaca_GetAccountEquity(t *testing.T) {
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/account", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		w.Write([]byte(`{"equity":"100234.56","cash":"5000"}`))
	})

	eq, err := e.GetAccountEquity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100234.56, eq)
}

func TestAlpaca_ErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"message":"nope"}`))
	})

	_, err := e.GetAccountEquity(context.Background())
	assert.True(t, IsTransient(err))

	status.Store(http.StatusTooManyRequests)
	_, err = e.IsMarketOpen(context.Background())
	assert.True(t, IsTransient(err))

	status.Store(http.StatusForbidden)
	_, err = e.GetAccountEquity(context.Background())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "403")
}

func TestAlpaca_GetBarsReversesToChronological(t *testing.T) {
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/AAPL/bars", r.URL.Path)
		assert.Equal(t, "5Min", r.URL.Query().Get("timeframe"))
		assert.Equal(t, "desc", r.URL.Query().Get("sort"))
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"bars":[
			{"t":"2024-03-01T15:10:00Z","o":3,"h":3.5,"l":2.5,"c":3.2,"v":300},
			{"t":"2024-03-01T15:05:00Z","o":2,"h":2.5,"l":1.5,"c":2.2,"v":200},
			{"t":"2024-03-01T15:00:00Z","o":1,"h":1.5,"l":0.5,"c":1.2,"v":100}
		],"symbol":"AAPL","next_page_token":null}`))
	})

	bars, err := e.GetBars(context.Background(), "AAPL", 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 1.2, bars[0].Close)
	assert.Equal(t, 3.2, bars[2].Close)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp))
	assert.Equal(t, "America/New_York", bars[0].Timestamp.Location().String())
	assert.Equal(t, 10, bars[0].Timestamp.Hour(), "15:00Z is 10:00 in New York")
}

func TestAlpaca_GetBarsEmpty(t *testing.T) {
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bars":[]}`))
	})
	_, err := e.GetBars(context.Background(), "ZZZZ", 10)
	assert.Error(t, err)
}

func TestAlpaca_GetQuote(t *testing.T) {
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/MSFT/quotes/latest", r.URL.Path)
		w.Write([]byte(`{"symbol":"MSFT","quote":{"bp":410.1,"ap":410.15,"bs":2,"as":3}}`))
	})
	q, err := e.GetQuote(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, model.Quote{Bid: 410.1, Ask: 410.15}, q)
}

func TestAlpaca_ListPositions(t *testing.T) {
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"AAPL","qty":"12","avg_entry_price":"187.2","market_value":"2260.8"}]`))
	})
	positions, err := e.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, model.Position{Symbol: "AAPL", Qty: 12, AvgEntryPrice: 187.2, MarketValue: 2260.8}, positions[0])
}

func TestAlpaca_ListFilledOrders(t *testing.T) {
	after := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "all", q.Get("status"))
		assert.Equal(t, "desc", q.Get("direction"))
		assert.Equal(t, "2024-03-01T00:00:00Z", q.Get("after"))
		w.Write([]byte(`[
			{"id":"a","symbol":"AAPL","side":"buy","qty":"10","status":"filled","filled_at":"2024-03-01T15:00:00Z","filled_avg_price":"101.5","limit_price":null,"stop_price":null},
			{"id":"b","symbol":"AAPL","side":"buy","qty":"5","status":"new","filled_at":null,"filled_avg_price":null}
		]`))
	})

	orders, err := e.ListFilledOrders(context.Background(), after)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, "a", o.ID)
	assert.Equal(t, model.SideBuy, o.Side)
	assert.Equal(t, 101.5, o.FilledAvgPrice)
	assert.Zero(t, o.LimitPrice)
	require.NotNil(t, o.FilledAt)
	assert.Equal(t, 10, o.FilledAt.Hour())
}

func TestAlpaca_SubmitOrder(t *testing.T) {
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{
			"symbol": "NVDA", "qty": "7", "side": "buy", "type": "market", "time_in_force": "day",
		}, body)
		w.Write([]byte(`{"id":"ord-1","symbol":"NVDA","side":"buy","status":"accepted"}`))
	})

	id, err := e.SubmitOrder(context.Background(), "NVDA", model.SideBuy, 7)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", id)

	_, err = e.SubmitOrder(context.Background(), "NVDA", model.SideBuy, 0)
	assert.Error(t, err)
}

func TestAlpaca_ListAssets(t *testing.T) {
	e := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "us_equity", r.URL.Query().Get("asset_class"))
		w.Write([]byte(`[{"symbol":"AAPL","tradable":true,"shortable":true,"easy_to_borrow":true,"exchange":"NASDAQ"}]`))
	})
	assets, err := e.ListAssets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Asset{{Symbol: "AAPL", Tradable: true, Shortable: true, EasyToBorrow: true}}, assets)
}
