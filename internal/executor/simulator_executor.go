package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"intraday-trend-trader/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	InitialCapital float64 // 初始资金
	FeeRate        float64 // 交易手续费率 (例如 0.0005)
}

// simPosition 模拟券商的持仓数据
type simPosition struct {
	Qty      int
	AvgPrice float64
}

// SimulatorExecutor 内存券商，实现 Broker 接口
// 市价单以最新 K 线收盘价立即成交，用于纸面演练与测试
type SimulatorExecutor struct {
	cfg    *SimulatorConfig
	logger *zap.Logger
	now    func() time.Time

	mu sync.RWMutex // 保护账户状态

	// 账户状态
	balance   float64 // 现金 (包含已实现盈亏与手续费)
	maxEquity float64 // 历史最高账户净值
	open      bool    // 市场是否开盘

	bars      map[string]model.BarSeries
	quotes    map[string]model.Quote
	assets    []model.Asset
	positions map[string]*simPosition
	fills     []model.Order // 成交历史，按成交时间从旧到新
	pending   []model.Order // 测试注入的未完成订单

	// 可注入的故障，用于验证上层容错
	failures map[string]error
}

// NewSimulatorExecutor 构造函数
func NewSimulatorExecutor(cfg *SimulatorConfig, now func() time.Time, logger *zap.Logger) *SimulatorExecutor {
	if now == nil {
		now = time.Now
	}
	return &SimulatorExecutor{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "SimulatorExecutor")),
		now:       now,
		balance:   cfg.InitialCapital,
		maxEquity: cfg.InitialCapital, // 初始化时，最大净值 = 初始资金
		open:      true,
		bars:      make(map[string]model.BarSeries),
		quotes:    make(map[string]model.Quote),
		positions: make(map[string]*simPosition),
		failures:  make(map[string]error),
	}
}

// SetBars 设置某标的的 K 线序列 (从旧到新)
func (e *SimulatorExecutor) SetBars(symbol string, bars model.BarSeries) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bars[symbol] = bars
}

func (e *SimulatorExecutor) SetQuote(symbol string, q model.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[symbol] = q
}

func (e *SimulatorExecutor) SetAssets(assets []model.Asset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assets = append([]model.Asset(nil), assets...)
}

func (e *SimulatorExecutor) SetMarketOpen(open bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = open
}

// FailNext 让名为 op 的调用返回 err，直到以 nil 清除
func (e *SimulatorExecutor) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

func (e *SimulatorExecutor) failure(op string) error {
	return e.failures[op]
}

// lastPrice 最新收盘价，没有 K 线时退回持仓均价
func (e *SimulatorExecutor) lastPrice(symbol string) (float64, bool) {
	if last, ok := e.bars[symbol].Last(); ok && last.Close > 0 {
		return last.Close, true
	}
	if p, ok := e.positions[symbol]; ok {
		return p.AvgPrice, true
	}
	return 0, false
}

// equityLocked 账户净值 = 现金 + 持仓市值
func (e *SimulatorExecutor) equityLocked() float64 {
	equity := e.balance
	for sym, p := range e.positions {
		price, _ := e.lastPrice(sym)
		equity += price * float64(p.Qty)
	}
	return equity
}

func (e *SimulatorExecutor) GetAccountEquity(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failure("GetAccountEquity"); err != nil {
		return 0, err
	}

	equity := e.equityLocked()
	if equity > e.maxEquity {
		e.maxEquity = equity
	}
	return equity, nil
}

// GetMaxEquity 返回账户历史上的最高净值
func (e *SimulatorExecutor) GetMaxEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxEquity
}

func (e *SimulatorExecutor) GetBars(ctx context.Context, symbol string, limit int) (model.BarSeries, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.failure("GetBars"); err != nil {
		return nil, err
	}

	bars := e.bars[symbol]
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append(model.BarSeries(nil), bars...), nil
}

func (e *SimulatorExecutor) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.failure("GetQuote"); err != nil {
		return model.Quote{}, err
	}

	if q, ok := e.quotes[symbol]; ok {
		return q, nil
	}
	// 未设置报价时以最新价构造零价差报价
	price, ok := e.lastPrice(symbol)
	if !ok {
		return model.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return model.Quote{Bid: price, Ask: price}, nil
}

func (e *SimulatorExecutor) ListPositions(ctx context.Context) ([]model.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.failure("ListPositions"); err != nil {
		return nil, err
	}

	out := make([]model.Position, 0, len(e.positions))
	for sym, p := range e.positions {
		price, _ := e.lastPrice(sym)
		out = append(out, model.Position{
			Symbol:        sym,
			Qty:           float64(p.Qty),
			AvgEntryPrice: p.AvgPrice,
			MarketValue:   price * float64(p.Qty),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SetOpenOrders 注入未完成订单 (模拟器自身的订单总是立即成交)
func (e *SimulatorExecutor) SetOpenOrders(orders []model.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append([]model.Order(nil), orders...)
}

func (e *SimulatorExecutor) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.failure("ListOpenOrders"); err != nil {
		return nil, err
	}
	return append([]model.Order(nil), e.pending...), nil
}

func (e *SimulatorExecutor) ListFilledOrders(ctx context.Context, after time.Time) ([]model.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.failure("ListFilledOrders"); err != nil {
		return nil, err
	}

	var out []model.Order
	for i := len(e.fills) - 1; i >= 0; i-- {
		o := e.fills[i]
		if o.FilledAt != nil && o.FilledAt.Before(after) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (e *SimulatorExecutor) IsMarketOpen(ctx context.Context) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.failure("IsMarketOpen"); err != nil {
		return false, err
	}
	return e.open, nil
}

func (e *SimulatorExecutor) ListAssets(ctx context.Context) ([]model.Asset, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.failure("ListAssets"); err != nil {
		return nil, err
	}
	return append([]model.Asset(nil), e.assets...), nil
}

// SubmitOrder 以最新收盘价立即成交，只支持做多 (买入开仓与卖出平仓)
func (e *SimulatorExecutor) SubmitOrder(ctx context.Context, symbol string, side model.Side, qty int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failure("SubmitOrder"); err != nil {
		return "", err
	}
	if qty <= 0 {
		return "", fmt.Errorf("invalid order qty %d", qty)
	}

	price, ok := e.lastPrice(symbol)
	if !ok {
		return "", fmt.Errorf("no price for %s", symbol)
	}
	fee := float64(qty) * price * e.cfg.FeeRate

	switch side {
	case model.SideBuy:
		cost := float64(qty)*price + fee
		if e.balance < cost {
			e.logger.Info("Sim Rejected: Insufficient balance",
				zap.String("symbol", symbol), zap.Float64("need", cost), zap.Float64("have", e.balance))
			return "", errors.New("insufficient buying power")
		}
		e.balance -= cost
		p, held := e.positions[symbol]
		if !held {
			p = &simPosition{}
			e.positions[symbol] = p
		}
		p.AvgPrice = (p.AvgPrice*float64(p.Qty) + price*float64(qty)) / float64(p.Qty+qty)
		p.Qty += qty

	case model.SideSell:
		p, held := e.positions[symbol]
		if !held || p.Qty < qty {
			return "", fmt.Errorf("cannot sell %d %s: short selling not supported", qty, symbol)
		}
		pnl := calculateClosedPnL(p.AvgPrice, price, qty)
		e.balance += float64(qty)*price - fee
		p.Qty -= qty
		if p.Qty == 0 {
			delete(e.positions, symbol)
		}
		e.logger.Info("Sim POSITION CLOSED",
			zap.String("symbol", symbol), zap.Int("qty", qty), zap.Float64("price", price),
			zap.Float64("pnl", pnl), zap.Float64("balance", e.balance))

	default:
		return "", fmt.Errorf("unsupported side %q", side)
	}

	filledAt := e.now()
	order := model.Order{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		Qty:            float64(qty),
		Status:         "filled",
		FilledAt:       &filledAt,
		FilledAvgPrice: price,
	}
	e.fills = append(e.fills, order)

	e.logger.Info("Sim ORDER FILLED",
		zap.String("id", order.ID), zap.String("side", side.String()), zap.String("symbol", symbol),
		zap.Int("qty", qty), zap.Float64("price", price), zap.Float64("fee", fee))
	return order.ID, nil
}

// calculateClosedPnL 计算多头平仓的已实现盈亏
func calculateClosedPnL(avgPrice, closePrice float64, qty int) float64 {
	return (closePrice - avgPrice) * float64(qty)
}
