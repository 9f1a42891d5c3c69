package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"intraday-trend-trader/internal/executor"
	"intraday-trend-trader/internal/model"
	"intraday-trend-trader/internal/service"
	"intraday-trend-trader/pkg/ta"

	"go.uber.org/zap"
)

// 持仓出场状态
type ExitState string

const (
	StateHolding      ExitState = "HOLDING"
	StateStopped      ExitState = "STOPPED"       // 固定止损
	StateTrailed      ExitState = "TRAILED"       // 追踪止损
	StateTrendFlipped ExitState = "TREND_FLIPPED" // 快线跌破慢线
)

// Terminal 除 HOLDING 外都意味着平仓
func (s ExitState) Terminal() bool {
	return s != StateHolding
}

// Evaluation 单次出场评估的输入与结论
type Evaluation struct {
	State     ExitState
	Anchor    Anchor
	LastClose float64
	Highest   float64 // 入场以来最高价
	Stop      float64
	Trail     float64 // 0 表示追踪未激活
	EMAFast   float64
	EMASlow   float64
	Detail    string
}

// PositionManager 持仓出场状态机：HOLDING -> {STOPPED, TRAILED, TREND_FLIPPED}
type PositionManager struct {
	mu       sync.RWMutex
	states   map[string]Evaluation // 仍持有的标的最近一次评估结果
	risk     *RiskManager
	strategy service.StrategyConfig
	orders   executor.OrderSubmitter
	logger   *zap.Logger
}

func NewPositionManager(risk *RiskManager, strategy service.StrategyConfig, orders executor.OrderSubmitter, logger *zap.Logger) *PositionManager {
	return &PositionManager{
		states:   make(map[string]Evaluation),
		risk:     risk,
		strategy: strategy,
		orders:   orders,
		logger:   logger.With(zap.String("component", "PositionManager")),
	}
}

// Evaluate 纯函数：同一 tick 内只触发一个出场原因，优先级 止损 > 追踪 > 趋势反转
func (pm *PositionManager) Evaluate(bars model.BarSeries, anchor Anchor) Evaluation {
	ev := Evaluation{State: StateHolding, Anchor: anchor}
	last, ok := bars.Last()
	if !ok {
		ev.Detail = "no bars"
		return ev
	}
	ev.LastClose = last.Close

	recent := bars.Since(anchor.Time)
	if len(recent) == 0 {
		recent = bars
	}
	ev.Highest = ta.HighestHigh(recent.Highs())

	if stop, ok := pm.risk.StopPrice(anchor.Price); ok {
		ev.Stop = stop
		if last.Close <= stop {
			ev.State = StateStopped
			ev.Detail = fmt.Sprintf("Fixed stop hit at %.2f (stop %.4f)", last.Close, stop)
			return ev
		}
	}

	if trail, ok := pm.risk.TrailingStop(anchor.Price, ev.Highest); ok {
		ev.Trail = trail
		if last.Close <= trail {
			ev.State = StateTrailed
			ev.Detail = fmt.Sprintf("Trailing stop hit at %.2f (trail %.4f, high %.2f)", last.Close, trail, ev.Highest)
			return ev
		}
	}

	ev.EMAFast, ev.EMASlow = ta.Trend(bars.Closes(), pm.strategy.EMAFast, pm.strategy.EMASlow)
	if ev.EMAFast < ev.EMASlow {
		ev.State = StateTrendFlipped
		ev.Detail = fmt.Sprintf("Trend flipped (%d below %d)", pm.strategy.EMAFast, pm.strategy.EMASlow)
		return ev
	}

	ev.Detail = "holding"
	return ev
}

// Manage 评估持仓，触发出场时全量市价卖出。
// 未触发返回 (nil, nil)；空仓或卖单失败返回错误，保留本轮评估。
func (pm *PositionManager) Manage(ctx context.Context, pos model.Position, bars model.BarSeries, fills []model.Order, dayStart time.Time) (*model.ExitResult, error) {
	anchor := ResolveAnchor(pos.Symbol, fills, dayStart, pos, bars)
	ev := pm.Evaluate(bars, anchor)
	pm.transition(pos.Symbol, ev)

	if !ev.State.Terminal() {
		return nil, nil
	}

	qty := int(math.Abs(pos.Qty))
	if qty <= 0 {
		pm.logger.Warn("Exit triggered on empty position", zap.String("symbol", pos.Symbol), zap.Float64("qty", pos.Qty))
		return nil, fmt.Errorf("exit %s triggered on empty position %s", ev.State, pos.Symbol)
	}

	orderID, err := pm.orders.SubmitOrder(ctx, pos.Symbol, model.SideSell, qty)
	if err != nil {
		pm.logger.Error("Exit order failed",
			zap.String("symbol", pos.Symbol), zap.String("reason", string(ev.State)), zap.Error(err))
		return nil, fmt.Errorf("submit exit for %s: %w", pos.Symbol, err)
	}
	pm.forget(pos.Symbol)

	pm.logger.Info("Position exited",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(ev.State)),
		zap.String("detail", ev.Detail),
		zap.Float64("anchor", anchor.Price),
		zap.Bool("anchor_from_fill", anchor.FromFill),
		zap.Float64("exit", ev.LastClose),
		zap.Int("qty", qty),
		zap.String("order_id", orderID))

	return &model.ExitResult{
		Symbol:      pos.Symbol,
		Reason:      string(ev.State),
		AnchorPrice: anchor.Price,
		ExitPrice:   ev.LastClose,
		Qty:         qty,
		OrderID:     orderID,
	}, nil
}

// transition 记录状态变化
func (pm *PositionManager) transition(symbol string, ev Evaluation) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	prev := StateHolding
	if last, ok := pm.states[symbol]; ok {
		prev = last.State
	}
	if ev.State != prev {
		pm.logger.Info(
			"!!! Exit State Transition !!!",
			zap.String("symbol", symbol),
			zap.String("from", string(prev)),
			zap.String("to", string(ev.State)),
			zap.Float64("last", ev.LastClose),
			zap.Float64("stop", ev.Stop),
			zap.Float64("trail", ev.Trail),
		)
	}
	pm.states[symbol] = ev
}

// forget 卖单已提交，重新入场从 HOLDING 开始
func (pm *PositionManager) forget(symbol string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.states, symbol)
}

// GetState 最近一次评估的状态，未跟踪的标的返回 HOLDING
func (pm *PositionManager) GetState(symbol string) ExitState {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if ev, ok := pm.states[symbol]; ok {
		return ev.State
	}
	return StateHolding
}

// Evaluations 仍持有标的的最近评估 (副本)
func (pm *PositionManager) Evaluations() map[string]Evaluation {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make(map[string]Evaluation, len(pm.states))
	for k, v := range pm.states {
		out[k] = v
	}
	return out
}

// Retain 丢弃不在 symbols 中的标的 (已在券商侧平仓)
func (pm *PositionManager) Retain(symbols []string) {
	keep := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		keep[s] = struct{}{}
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for s := range pm.states {
		if _, ok := keep[s]; !ok {
			delete(pm.states, s)
		}
	}
}
