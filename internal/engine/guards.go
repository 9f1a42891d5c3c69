package engine

import (
	"fmt"

	"intraday-trend-trader/internal/model"
)

// DollarVolumeOK 最新一根 K 线的成交额是否达到下限
func DollarVolumeOK(bars model.BarSeries, minDollarVolume float64) bool {
	last, ok := bars.Last()
	if !ok {
		return false
	}
	return last.Close*last.Volume >= minDollarVolume
}

// SpreadOK 买卖价差同时满足相对与绝对上限；无效报价 (非正或倒挂) 不通过
func SpreadOK(q model.Quote, maxPct, maxAbs float64) (bool, string) {
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return false, fmt.Sprintf("invalid quote bid=%.4f ask=%.4f", q.Bid, q.Ask)
	}
	spread := q.Ask - q.Bid
	pct := spread / q.Bid
	if spread > maxAbs || pct > maxPct {
		return false, fmt.Sprintf("spread %.4f (%.3f%%) too wide", spread, pct*100)
	}
	return true, ""
}
