package strategy

import (
	"math"

	"intraday-trend-trader/internal/model"
	"intraday-trend-trader/internal/service"
	"intraday-trend-trader/pkg/ta"

	"go.uber.org/zap"
)

// 入场检查的拒绝原因
const (
	ReasonNoData          = "No market data."
	ReasonNotEnoughBars   = "Not enough candles for EMAs."
	ReasonWeakTrend       = "Trend not strong enough."
	ReasonNoPullback      = "No pullback to fast EMA."
	ReasonNoBreak         = "No break above prior high."
	ReasonLowVolume       = "Volume not above recent average."
	ReasonWeakRelStrength = "Fails relative strength vs benchmark."
	ReasonEntryConfirmed  = "Uptrend (21>50), pullback to 21, break above prior high, RS > benchmark, volume confirmed."
)

// SignalGenerator 趋势 + 回踩 + 突破确认的入场信号，每次调用互不依赖
type SignalGenerator struct {
	cfg    service.StrategyConfig
	logger *zap.Logger
}

// NewSignalGenerator 初始化信号生成器
func NewSignalGenerator(cfg service.StrategyConfig, logger *zap.Logger) *SignalGenerator {
	return &SignalGenerator{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "SignalGenerator")),
	}
}

// MinBars 计算信号所需的最少 K 线数
func (sg *SignalGenerator) MinBars() int {
	return sg.cfg.EMASlow + 2
}

// CheckEntry 依次检查全部入场条件，返回的 Reason 为第一个未通过的条件。
// retDay 为 nil 时按 0 处理；volumeRatio 为 nil 视为量能不足。
func (sg *SignalGenerator) CheckEntry(symbol string, bars model.BarSeries, benchmarkPerf float64, retDay, volumeRatio *float64) model.Signal {
	sig := model.Signal{Symbol: symbol, Action: model.ActionNone}
	if len(bars) == 0 {
		sig.Reason = ReasonNoData
		return sig
	}
	if len(bars) < sg.MinBars() {
		sig.Reason = ReasonNotEnoughBars
		return sig
	}

	closes := bars.Closes()
	fast := ta.EMA(closes, sg.cfg.EMAFast)
	slow := ta.EMA(closes, sg.cfg.EMASlow)

	n := len(bars)
	last, prev := bars[n-1], bars[n-2]
	lastFast, lastSlow := fast[n-1], slow[n-1]
	prevFast := fast[n-2]
	sig.Timestamp = last.Timestamp

	// 1. 快线在慢线上方，收盘价在慢线上方
	if lastFast <= lastSlow || last.Close <= lastSlow {
		sig.Reason = ReasonWeakTrend
		return sig
	}

	// 2. 上一根 K 线的最低价回踩到快线附近
	if prevFast <= 0 || math.Abs(prev.Low-prevFast)/prevFast > sg.cfg.PullbackTolerancePct {
		sig.Reason = ReasonNoPullback
		return sig
	}

	// 3. 当前收盘价突破上一根 K 线最高价
	if last.Close <= prev.High {
		sig.Reason = ReasonNoBreak
		return sig
	}

	// 4. 量能确认
	if volumeRatio == nil || *volumeRatio < sg.cfg.MinVolumeRatio {
		sig.Reason = ReasonLowVolume
		return sig
	}

	// 5. 相对强度：日内收益必须严格强于基准
	day := 0.0
	if retDay != nil {
		day = *retDay
	}
	if day <= benchmarkPerf {
		sig.Reason = ReasonWeakRelStrength
		return sig
	}

	sig.Action = model.ActionOpen
	sig.Price = last.Close
	sig.Reason = ReasonEntryConfirmed
	sg.logger.Debug("Entry conditions met",
		zap.String("symbol", symbol),
		zap.Float64("close", last.Close),
		zap.Float64("ema_fast", lastFast),
		zap.Float64("ema_slow", lastSlow),
		zap.Float64("ret_day", day),
		zap.Float64("benchmark", benchmarkPerf))
	return sig
}
