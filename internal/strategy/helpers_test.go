package strategy

import (
	"context"
	"time"

	"intraday-trend-trader/internal/model"
	"intraday-trend-trader/internal/service"
	"intraday-trend-trader/pkg/ta"

	"github.com/stretchr/testify/mock"
)

var sessionOpen = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// linearBars 收盘价从 start 每根变化 step 的 5 分钟 K 线
func linearBars(n int, start, step float64) model.BarSeries {
	bars := make(model.BarSeries, n)
	for i := range bars {
		c := start + step*float64(i)
		bars[i] = model.Bar{
			Timestamp: sessionOpen.Add(time.Duration(i) * 5 * time.Minute),
			Open:      c - step/2,
			High:      c + 0.05,
			Low:       c - 0.05,
			Close:     c,
			Volume:    100_000,
		}
	}
	return bars
}

// entrySetup 满足全部入场条件的序列：上升趋势、前一根回踩快线、当前突破前高
func entrySetup() model.BarSeries {
	cfg := service.DefaultConfig().Strategy
	bars := linearBars(60, 100, 0.1)
	fast := ta.EMA(bars.Closes(), cfg.EMAFast)
	n := len(bars)
	bars[n-2].Low = fast[n-2]
	bars[n-2].High = bars[n-2].Close
	return bars
}

func ptr(v float64) *float64 { return &v }

type mockOrders struct {
	mock.Mock
}

func (m *mockOrders) SubmitOrder(ctx context.Context, symbol string, side model.Side, qty int) (string, error) {
	args := m.Called(ctx, symbol, side, qty)
	return args.String(0), args.Error(1)
}

type mockUniverse struct {
	mock.Mock
}

func (m *mockUniverse) ListAssets(ctx context.Context) ([]model.Asset, error) {
	args := m.Called(ctx)
	assets, _ := args.Get(0).([]model.Asset)
	return assets, args.Error(1)
}

type mockBars struct {
	mock.Mock
}

func (m *mockBars) GetBars(ctx context.Context, symbol string, limit int) (model.BarSeries, error) {
	args := m.Called(ctx, symbol, limit)
	bars, _ := args.Get(0).(model.BarSeries)
	return bars, args.Error(1)
}
