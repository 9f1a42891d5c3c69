package ta

import (
	"intraday-trend-trader/internal/model"

	"github.com/markcheno/go-talib"
)

// 5 分钟 K 线下的回看根数
const (
	BarsPerHour      = 12
	BarsPerThreeHour = 36
	VolumeLookback   = 20
)

// EMA 计算整段序列的指数移动平均，平滑系数 2/(span+1)，以首个值为种子。
// 注意：talib.Ema 以前 span 个值的 SMA 为种子，与此处口径不同，所以不用它。
// 每次调用都全量重算，不在调用之间保留状态，保证重启后结果一致。
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || span <= 0 {
		return out
	}
	alpha := 2.0 / float64(span+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*alpha + out[i-1]*(1-alpha)
	}
	return out
}

// LastEMA 返回序列最后一个 EMA 值
func LastEMA(values []float64, span int) float64 {
	if len(values) == 0 {
		return 0
	}
	ema := EMA(values, span)
	return ema[len(ema)-1]
}

// VolumeRatio 当前 K 线成交量 / 前 lookback 根 K 线平均成交量。
// 历史不足或均量 <= 0 时 ok=false。
func VolumeRatio(volumes []float64, lookback int) (float64, bool) {
	if lookback <= 0 || len(volumes) < lookback+1 {
		return 0, false
	}
	n := len(volumes)
	window := volumes[n-1-lookback : n-1]
	sma := talib.Sma(window, lookback)
	avg := sma[len(sma)-1]
	if avg <= 0 {
		return 0, false
	}
	return volumes[n-1] / avg, true
}

// Return 最新收盘价相对 barsBack 根之前收盘价的收益率
func Return(closes []float64, barsBack int) (float64, bool) {
	if barsBack <= 0 || len(closes) < barsBack+1 {
		return 0, false
	}
	now := closes[len(closes)-1]
	past := closes[len(closes)-1-barsBack]
	if past <= 0 {
		return 0, false
	}
	return (now - past) / past, true
}

// DayReturn 序列首根开盘价到最新收盘价的收益率
func DayReturn(bars model.BarSeries) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	open := bars[0].Open
	if open <= 0 {
		return 0, false
	}
	return (bars[len(bars)-1].Close - open) / open, true
}

// Performance 日内 1h / 3h / 开盘至今 收益率，nil 表示无法计算
type Performance struct {
	Ret1h  *float64
	Ret3h  *float64
	RetDay *float64
}

// IntradayPerformance 只使用 5 分钟 K 线计算日内表现
func IntradayPerformance(bars model.BarSeries) Performance {
	closes := bars.Closes()
	var perf Performance
	if v, ok := Return(closes, BarsPerHour); ok {
		perf.Ret1h = &v
	}
	if v, ok := Return(closes, BarsPerThreeHour); ok {
		perf.Ret3h = &v
	}
	if v, ok := DayReturn(bars); ok {
		perf.RetDay = &v
	}
	return perf
}

// HighestHigh 序列内最高价
func HighestHigh(highs []float64) float64 {
	switch len(highs) {
	case 0:
		return 0
	case 1:
		return highs[0]
	}
	highest := talib.Max(highs, len(highs))
	return highest[len(highs)-1]
}

// Trend 返回最新的快慢 EMA
func Trend(closes []float64, fastSpan, slowSpan int) (fast, slow float64) {
	return LastEMA(closes, fastSpan), LastEMA(closes, slowSpan)
}

// IsStrongTrend 快线在慢线上方且收盘价在快线上方
func IsStrongTrend(closes []float64, fastSpan, slowSpan int) (bool, float64, float64) {
	if len(closes) == 0 {
		return false, 0, 0
	}
	fast, slow := Trend(closes, fastSpan, slowSpan)
	last := closes[len(closes)-1]
	return fast > slow && last > fast, fast, slow
}
