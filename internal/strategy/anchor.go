package strategy

import (
	"time"

	"intraday-trend-trader/internal/model"
)

// Anchor 出场计算使用的入场基准
type Anchor struct {
	Price    float64
	Time     time.Time
	FromFill bool // true 表示来自当日成交记录
}

// ResolveAnchor 从成交记录还原入场锚定价与时间，重启后结果一致。
// 取 dayStart 之后该标的最近一笔已成交买单；
// 价格依次取 filled_avg_price、limit_price、stop_price，都没有则用持仓均价；
// 时间取成交时间，没有成交记录时用最早一根 K 线的时间。
func ResolveAnchor(symbol string, fills []model.Order, dayStart time.Time, pos model.Position, bars model.BarSeries) Anchor {
	var latest *model.Order
	for i := range fills {
		o := &fills[i]
		if o.Symbol != symbol || o.Side != model.SideBuy || o.FilledAt == nil {
			continue
		}
		if !dayStart.IsZero() && o.FilledAt.Before(dayStart) {
			continue
		}
		if latest == nil || o.FilledAt.After(*latest.FilledAt) {
			latest = o
		}
	}

	a := Anchor{Price: pos.AvgEntryPrice}
	if latest != nil {
		a.FromFill = true
		a.Time = *latest.FilledAt
		for _, px := range []float64{latest.FilledAvgPrice, latest.LimitPrice, latest.StopPrice} {
			if px > 0 {
				a.Price = px
				break
			}
		}
	} else if len(bars) > 0 {
		a.Time = bars[0].Timestamp
	}
	return a
}
