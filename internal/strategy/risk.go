package strategy

import (
	"math"

	"intraday-trend-trader/internal/service"
)

// pricePlaces 止损/追踪价保留的小数位
const pricePlaces = 4

// RiskManager 纯函数风控：止损价、仓位股数、追踪止损价。不持有状态。
type RiskManager struct {
	cfg service.RiskConfig
}

func NewRiskManager(cfg service.RiskConfig) *RiskManager {
	return &RiskManager{cfg: cfg}
}

// StopPrice entry*(1-StopLossPct)，entry <= 0 时 ok=false
func (r *RiskManager) StopPrice(entry float64) (float64, bool) {
	if entry <= 0 {
		return 0, false
	}
	return service.RoundPrice(entry*(1-r.cfg.StopLossPct), pricePlaces), true
}

// RiskPct 单笔风险比例；激进模式取两者较大值
func (r *RiskManager) RiskPct(aggressive bool) float64 {
	if aggressive {
		return math.Max(r.cfg.RiskPerTradePct, r.cfg.AggressiveRiskPct)
	}
	return r.cfg.RiskPerTradePct
}

// PositionSize 按固定风险计算股数，并受单票最大仓位限制，结果不为负
func (r *RiskManager) PositionSize(equity, entry float64, aggressive bool) int {
	if equity <= 0 || entry <= 0 {
		return 0
	}

	riskCapital := equity * r.RiskPct(aggressive)
	stopDistance := entry * r.cfg.StopLossPct
	if stopDistance <= 0 {
		return 0
	}
	qty := math.Floor(riskCapital / stopDistance)

	maxValue := equity * r.cfg.MaxPositionPct
	if qty*entry > maxValue {
		qty = math.Floor(maxValue / entry)
	}
	if qty < 0 {
		return 0
	}
	return int(qty)
}

// TrailingStop 最高价达到 entry*(1+TrailTriggerPct) 后激活，按最高价回撤 TrailOffsetPct 跟随
func (r *RiskManager) TrailingStop(entry, highest float64) (float64, bool) {
	if entry <= 0 || highest <= 0 {
		return 0, false
	}
	if highest < entry*(1+r.cfg.TrailTriggerPct) {
		return 0, false
	}
	return service.RoundPrice(highest*(1-r.cfg.TrailOffsetPct), pricePlaces), true
}
