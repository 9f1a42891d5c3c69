package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"intraday-trend-trader/internal/model"
	"intraday-trend-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPositionManager(orders *mockOrders) *PositionManager {
	cfg := service.DefaultConfig()
	return NewPositionManager(NewRiskManager(cfg.Risk), cfg.Strategy, orders, zap.NewNop())
}

func filledBuy(symbol string, at time.Time, avg, limit, stop float64) model.Order {
	return model.Order{
		ID: "o-" + symbol, Symbol: symbol, Side: model.SideBuy, Qty: 10, Status: "filled",
		FilledAt: &at, FilledAvgPrice: avg, LimitPrice: limit, StopPrice: stop,
	}
}

func TestResolveAnchor(t *testing.T) {
	bars := linearBars(10, 100, 0.1)
	dayStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	pos := model.Position{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 98.5}
	early := dayStart.Add(10 * time.Hour)
	late := dayStart.Add(11 * time.Hour)

	t.Run("latest fill of the day wins", func(t *testing.T) {
		fills := []model.Order{
			filledBuy("AAPL", early, 100, 0, 0),
			filledBuy("AAPL", late, 101.25, 0, 0),
		}
		a := ResolveAnchor("AAPL", fills, dayStart, pos, bars)
		assert.Equal(t, 101.25, a.Price)
		assert.Equal(t, late, a.Time)
		assert.True(t, a.FromFill)
	})

	t.Run("price falls back through limit and stop", func(t *testing.T) {
		a := ResolveAnchor("AAPL", []model.Order{filledBuy("AAPL", late, 0, 100.5, 99)}, dayStart, pos, bars)
		assert.Equal(t, 100.5, a.Price)

		a = ResolveAnchor("AAPL", []model.Order{filledBuy("AAPL", late, 0, 0, 99)}, dayStart, pos, bars)
		assert.Equal(t, 99.0, a.Price)

		a = ResolveAnchor("AAPL", []model.Order{filledBuy("AAPL", late, 0, 0, 0)}, dayStart, pos, bars)
		assert.Equal(t, 98.5, a.Price, "fill without any price uses broker average")
		assert.Equal(t, late, a.Time)
	})

	t.Run("ignores other symbols, sells, unfilled and prior days", func(t *testing.T) {
		sell := filledBuy("AAPL", late, 120, 0, 0)
		sell.Side = model.SideSell
		unfilled := filledBuy("AAPL", late, 130, 0, 0)
		unfilled.FilledAt = nil
		fills := []model.Order{
			filledBuy("MSFT", late, 300, 0, 0),
			sell,
			unfilled,
			filledBuy("AAPL", dayStart.Add(-time.Hour), 90, 0, 0),
		}
		a := ResolveAnchor("AAPL", fills, dayStart, pos, bars)
		assert.False(t, a.FromFill)
		assert.Equal(t, 98.5, a.Price)
		assert.Equal(t, bars[0].Timestamp, a.Time, "no fill falls back to the oldest bar")
	})

	t.Run("no bars and no fills", func(t *testing.T) {
		a := ResolveAnchor("AAPL", nil, dayStart, pos, nil)
		assert.Equal(t, 98.5, a.Price)
		assert.True(t, a.Time.IsZero())
	})
}

func TestEvaluate_Holding(t *testing.T) {
	pm := newTestPositionManager(&mockOrders{})
	bars := linearBars(60, 100, 0.01)

	ev := pm.Evaluate(bars, Anchor{Price: 100.5, Time: bars[50].Timestamp})
	assert.Equal(t, StateHolding, ev.State)
	assert.Zero(t, ev.Trail, "trail not active below trigger")
	assert.Equal(t, service.RoundPrice(100.5*(1-0.007), 4), ev.Stop)
}

func TestEvaluate_Stopped(t *testing.T) {
	pm := newTestPositionManager(&mockOrders{})
	bars := linearBars(60, 100, 0.01)
	bars[len(bars)-1].Close = 99.0

	ev := pm.Evaluate(bars, Anchor{Price: 100, Time: bars[0].Timestamp})
	assert.Equal(t, StateStopped, ev.State)
	assert.Equal(t, 99.30, ev.Stop)
}

func TestEvaluate_Trailed(t *testing.T) {
	pm := newTestPositionManager(&mockOrders{})
	bars := linearBars(60, 100, 0.01)
	n := len(bars)
	bars[n-5].High = 101.5 // 激活追踪，追踪价 100.282
	bars[n-1].Close = 100.25

	ev := pm.Evaluate(bars, Anchor{Price: 100, Time: bars[0].Timestamp})
	assert.Equal(t, StateTrailed, ev.State)
	assert.Equal(t, 100.282, ev.Trail)
	assert.Equal(t, 101.5, ev.Highest)
}

func TestEvaluate_HighestOnlyCountsBarsSinceAnchor(t *testing.T) {
	pm := newTestPositionManager(&mockOrders{})
	bars := linearBars(60, 100, 0.01)
	bars[5].High = 110 // 入场之前的高点

	ev := pm.Evaluate(bars, Anchor{Price: 100.4, Time: bars[40].Timestamp})
	assert.Less(t, ev.Highest, 101.0)
	assert.Equal(t, StateHolding, ev.State)

	// 锚定时间晚于全部 K 线时退回整段序列
	ev = pm.Evaluate(bars, Anchor{Price: 100.4, Time: bars[59].Timestamp.Add(time.Hour)})
	assert.Equal(t, 110.0, ev.Highest)
}

func TestEvaluate_TrendFlippedAboveStopAndTrail(t *testing.T) {
	pm := newTestPositionManager(&mockOrders{})
	// 下跌序列：快线在慢线下方，但最新价高于止损且追踪未激活
	bars := linearBars(60, 110, -0.166)
	last := bars[len(bars)-1].Close
	anchor := Anchor{Price: last, Time: bars[58].Timestamp}

	ev := pm.Evaluate(bars, anchor)
	require.Equal(t, StateTrendFlipped, ev.State)
	assert.Greater(t, ev.LastClose, ev.Stop)
	assert.Zero(t, ev.Trail)
	assert.Less(t, ev.EMAFast, ev.EMASlow)
}

func TestEvaluate_StopTakesPriority(t *testing.T) {
	pm := newTestPositionManager(&mockOrders{})
	// 下跌且跌破止损，同时追踪也已激活
	bars := linearBars(60, 110, -0.166)
	bars[50].High = 115
	anchor := Anchor{Price: 110, Time: bars[0].Timestamp}

	ev := pm.Evaluate(bars, anchor)
	assert.Equal(t, StateStopped, ev.State)
}

func TestEvaluate_TrailBeatsTrendFlip(t *testing.T) {
	pm := newTestPositionManager(&mockOrders{})
	bars := linearBars(60, 110, -0.166)
	last := bars[len(bars)-1].Close
	bars[58].High = last * 1.02
	anchor := Anchor{Price: last * 0.999, Time: bars[57].Timestamp}

	ev := pm.Evaluate(bars, anchor)
	assert.Equal(t, StateTrailed, ev.State)
}

func TestManage_SubmitsFullQuantitySell(t *testing.T) {
	orders := &mockOrders{}
	pm := newTestPositionManager(orders)
	ctx := context.Background()

	bars := linearBars(60, 110, -0.166)
	dayStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fillAt := bars[58].Timestamp
	fills := []model.Order{filledBuy("TSLA", fillAt, bars[58].Close, 0, 0)}
	pos := model.Position{Symbol: "TSLA", Qty: 37, AvgEntryPrice: 120}

	orders.On("SubmitOrder", ctx, "TSLA", model.SideSell, 37).Return("sell-1", nil).Once()

	res, err := pm.Manage(ctx, pos, bars, fills, dayStart)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, string(StateTrendFlipped), res.Reason)
	assert.Equal(t, bars[58].Close, res.AnchorPrice, "anchor comes from the fill, not the broker average")
	assert.Equal(t, bars[59].Close, res.ExitPrice)
	assert.Equal(t, 37, res.Qty)
	assert.Equal(t, "sell-1", res.OrderID)
	assert.InDelta(t, (bars[59].Close-bars[58].Close)*37, res.PnL(), 1e-9)
	orders.AssertExpectations(t)
}

func TestManage_HoldingSubmitsNothing(t *testing.T) {
	orders := &mockOrders{}
	pm := newTestPositionManager(orders)
	bars := linearBars(60, 100, 0.01)
	pos := model.Position{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 100.4}

	res, err := pm.Manage(context.Background(), pos, bars, nil, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StateHolding, pm.GetState("AAPL"))
	assert.Contains(t, pm.Evaluations(), "AAPL")
	orders.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	pm.Retain(nil)
	assert.Empty(t, pm.Evaluations())
}

func TestManage_SellFailureReturnsError(t *testing.T) {
	orders := &mockOrders{}
	pm := newTestPositionManager(orders)
	bars := linearBars(60, 100, 0.01)
	bars[len(bars)-1].Close = 95
	pos := model.Position{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 100}

	orders.On("SubmitOrder", mock.Anything, "AAPL", model.SideSell, 5).Return("", errors.New("rejected"))

	res, err := pm.Manage(context.Background(), pos, bars, nil, time.Time{})
	assert.Error(t, err)
	assert.Nil(t, res)
	require.Contains(t, pm.Evaluations(), "AAPL", "still held, state stays visible")
	assert.Equal(t, StateStopped, pm.GetState("AAPL"))
}

func TestManage_EmptyPositionKeepsEvaluation(t *testing.T) {
	orders := &mockOrders{}
	pm := newTestPositionManager(orders)
	bars := linearBars(60, 100, 0.01)
	bars[len(bars)-1].Close = 95
	pos := model.Position{Symbol: "AAPL", Qty: 0, AvgEntryPrice: 100}

	res, err := pm.Manage(context.Background(), pos, bars, nil, time.Time{})
	assert.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StateStopped, pm.GetState("AAPL"))
	assert.Contains(t, pm.Evaluations(), "AAPL")
	orders.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestManage_SubmittedExitForgetsState(t *testing.T) {
	orders := &mockOrders{}
	pm := newTestPositionManager(orders)
	bars := linearBars(60, 100, 0.01)
	bars[len(bars)-1].Close = 95
	pos := model.Position{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 100}
	orders.On("SubmitOrder", mock.Anything, "AAPL", model.SideSell, 5).Return("sell-2", nil).Once()

	res, err := pm.Manage(context.Background(), pos, bars, nil, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotContains(t, pm.Evaluations(), "AAPL")
	assert.Equal(t, StateHolding, pm.GetState("AAPL"))
}
