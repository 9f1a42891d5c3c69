package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"intraday-trend-trader/internal/executor"
	"intraday-trend-trader/internal/model"
	"intraday-trend-trader/internal/service"
	"intraday-trend-trader/internal/state"
	"intraday-trend-trader/internal/strategy"
	"intraday-trend-trader/internal/telemetry"
	"intraday-trend-trader/pkg/ta"

	"go.uber.org/zap"
)

// Phase 单轮循环结束的位置
type Phase string

const (
	PhaseNoEquity      Phase = "EQUITY_UNAVAILABLE"
	PhaseAfterWindow   Phase = "AFTER_WINDOW"
	PhaseMarketClosed  Phase = "MARKET_CLOSED"
	PhaseOutsideWindow Phase = "OUTSIDE_WINDOW"
	PhaseNoPositions   Phase = "POSITIONS_UNAVAILABLE"
	PhaseHalted        Phase = "HALTED"
	PhaseNoUniverse    Phase = "NO_UNIVERSE"
	PhaseScanned       Phase = "SCANNED"
)

// 跳过候选的原因
const (
	SkipTraded       = "already traded today"
	SkipHeld         = "already held"
	SkipCooldown     = "in cooldown after loss"
	SkipDollarVolume = "low dollar volume on last bar"
	SkipSpread       = "spread too wide"
	SkipOpenOrder    = "open order exists"
	SkipSizeZero     = "position size zero (risk cap)"
	SkipExposure     = "exposure cap reached"
	SkipOrderFailed  = "order placement failed"
)

// Entry 本轮提交的买单
type Entry struct {
	Symbol  string
	Qty     int
	Price   float64
	Stop    float64
	Score   float64
	OrderID string
}

// TickOutcome 单轮循环的结果，用于观测与测试
type TickOutcome struct {
	Phase         Phase
	Equity        float64
	BenchmarkPerf float64
	Exits         []model.ExitResult
	ForcedCloses  []string
	Entries       []Entry
	Skips         map[string]string // symbol -> 原因 (信号未触发时为信号诊断)
}

type Option func(*Orchestrator)

// WithClock 替换时钟 (测试用)
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator 单线程驱动所有状态变更，一轮完整结束后才开始下一轮
type Orchestrator struct {
	cfg    *service.Config
	broker executor.Broker
	day    *state.DayState

	ranker    *strategy.UniverseRanker
	signals   *strategy.SignalGenerator
	risk      *strategy.RiskManager
	positions *strategy.PositionManager
	snapshots *telemetry.Store

	loc         *time.Location
	windowStart time.Duration
	windowEnd   time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func New(cfg *service.Config, broker executor.Broker, day *state.DayState, snapshots *telemetry.Store, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	loc, err := cfg.Session.Location()
	if err != nil {
		return nil, fmt.Errorf("trading timezone: %w", err)
	}
	start, end, err := cfg.Session.Window()
	if err != nil {
		return nil, err
	}

	risk := strategy.NewRiskManager(cfg.Risk)
	o := &Orchestrator{
		cfg:         cfg,
		broker:      broker,
		day:         day,
		ranker:      strategy.NewUniverseRanker(cfg.Universe, cfg.Strategy, logger),
		signals:     strategy.NewSignalGenerator(cfg.Strategy, logger),
		risk:        risk,
		positions:   strategy.NewPositionManager(risk, cfg.Strategy, broker, logger),
		snapshots:   snapshots,
		loc:         loc,
		windowStart: start,
		windowEnd:   end,
		now:         time.Now,
		logger:      logger.With(zap.String("component", "Orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run 立即执行一轮，之后每 CheckInterval 执行一轮，直到 ctx 取消
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Session.CheckInterval)
	defer ticker.Stop()

	for {
		o.Tick(ctx)
		select {
		case <-ctx.Done():
			o.logger.Info("Trading loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick 执行一轮完整的决策循环
func (o *Orchestrator) Tick(ctx context.Context) TickOutcome {
	out := TickOutcome{Skips: make(map[string]string)}
	now := o.now().In(o.loc)

	// 1. 净值不可用时整轮跳过，不修改任何状态
	equity, err := o.broker.GetAccountEquity(ctx)
	if err != nil {
		o.logger.Warn("Could not reach broker, skipping tick", zap.Error(err))
		out.Phase = PhaseNoEquity
		return out
	}
	out.Equity = equity

	// 2. 先按日期重置再更新回撤，使本次净值计入新的交易日
	_, err = o.day.ResetForDay(now, equity)
	o.persisted("reset day", err)
	o.persisted("update drawdown", o.day.UpdateDrawdown(equity))

	// 3. 日内净值保护只暂停开仓；日亏损上限同时强制平仓
	if start, ok := o.day.StartEquity(); ok && start > 0 {
		change := (equity - start) / start
		if change <= -o.cfg.Risk.IntradayEquityGuard && !o.day.TradingHalted() {
			o.logger.Info("Equity guard hit, pausing entries",
				zap.Float64("change_pct", change*100), zap.Float64("guard_pct", o.cfg.Risk.IntradayEquityGuard*100))
			o.halt()
		}
		if change <= -o.cfg.Risk.DailyLossLimit {
			if !o.day.TradingHalted() {
				o.halt()
			}
			o.logger.Info("Daily loss limit hit, halting for the day",
				zap.Float64("change_pct", change*100), zap.Float64("limit_pct", o.cfg.Risk.DailyLossLimit*100))
			out.ForcedCloses = append(out.ForcedCloses, o.closeAll(ctx, "Daily loss limit reached")...)
		}
	}

	// 4. 收盘前离场
	sinceMidnight := service.SinceMidnight(now)
	if sinceMidnight >= o.windowEnd {
		out.ForcedCloses = append(out.ForcedCloses, o.closeAll(ctx, "End of trading window")...)
		o.halt()
		out.Phase = PhaseAfterWindow
		return out
	}

	// 5. 休市或未进入交易窗口
	open, err := o.broker.IsMarketOpen(ctx)
	if err != nil {
		o.logger.Warn("Could not read market clock, treating as closed", zap.Error(err))
		open = false
	}
	if !open {
		o.logger.Info("Market closed. Waiting...")
		out.Phase = PhaseMarketClosed
		return out
	}
	if sinceMidnight < o.windowStart {
		o.logger.Info("Outside trading window. Waiting...",
			zap.String("window_start", o.cfg.Session.WindowStart), zap.String("window_end", o.cfg.Session.WindowEnd))
		out.Phase = PhaseOutsideWindow
		return out
	}

	// 6. 先管理持仓
	positions, err := o.broker.ListPositions(ctx)
	if err != nil {
		o.logger.Warn("Could not list positions, skipping tick", zap.Error(err))
		out.Phase = PhaseNoPositions
		return out
	}
	// 本轮已强制平仓的标的不再重复卖出
	positions = withoutSymbols(positions, out.ForcedCloses)
	out.Exits = o.managePositions(ctx, positions)
	exited := make([]string, 0, len(out.Exits))
	for _, e := range out.Exits {
		exited = append(exited, e.Symbol)
	}
	remaining := withoutSymbols(positions, exited)

	// 7. 暂停交易时只发布状态
	if o.day.TradingHalted() {
		o.logger.Info("Trading halted for safety. Standing by.")
		o.logDashboard(equity)
		o.publish(now, equity, 0, remaining, nil)
		out.Phase = PhaseHalted
		return out
	}

	// 8. 扫描标的池并评估入场
	out.BenchmarkPerf = o.benchmarkPerf(ctx)
	universe := o.ranker.BuildUniverse(ctx, o.broker, o.broker)
	if len(universe) == 0 {
		o.logger.Info("No trending symbols found this cycle.")
		o.publish(now, equity, out.BenchmarkPerf, remaining, nil)
		out.Phase = PhaseNoUniverse
		return out
	}
	out.Entries = o.evaluateCandidates(ctx, equity, out.BenchmarkPerf, universe, positions, remaining, out.Skips)

	// 9. 绩效面板与快照
	o.logDashboard(equity)
	o.publish(now, equity, out.BenchmarkPerf, remaining, universe)
	out.Phase = PhaseScanned
	return out
}

// managePositions 逐个评估持仓，出场时更新绩效
func (o *Orchestrator) managePositions(ctx context.Context, positions []model.Position) []model.ExitResult {
	held := make([]string, 0, len(positions))
	for _, p := range positions {
		held = append(held, p.Symbol)
	}
	o.positions.Retain(held)
	if len(positions) == 0 {
		return nil
	}

	// 成交记录每轮只拉取一次
	dayStart, _ := o.day.TradingDayStart()
	fills, err := o.broker.ListFilledOrders(ctx, dayStart)
	if err != nil {
		o.logger.Warn("Could not load fill history, anchoring on broker average", zap.Error(err))
		fills = nil
	}

	var exits []model.ExitResult
	for _, pos := range positions {
		bars, err := o.broker.GetBars(ctx, pos.Symbol, o.cfg.Risk.PositionBarLimit)
		if err != nil {
			o.logger.Warn("Failed to load position bars", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		res, err := o.positions.Manage(ctx, pos, bars, fills, dayStart)
		if err != nil || res == nil {
			continue
		}

		pnl := res.PnL()
		o.persisted("update metrics", o.day.UpdateMetrics(res.Symbol, pnl, res.AnchorPrice, res.ExitPrice))
		o.logger.Info("Exited position",
			zap.String("symbol", res.Symbol),
			zap.String("reason", res.Reason),
			zap.Float64("entry", res.AnchorPrice),
			zap.Float64("exit", res.ExitPrice),
			zap.Float64("pnl", pnl))
		exits = append(exits, *res)
	}
	return exits
}

// evaluateCandidates 按得分顺序评估候选并下单
func (o *Orchestrator) evaluateCandidates(
	ctx context.Context,
	equity, benchmarkPerf float64,
	universe []model.Candidate,
	positions, remaining []model.Position,
	skips map[string]string,
) []Entry {
	held := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		held[p.Symbol] = struct{}{}
	}
	exposure := 0.0
	for _, p := range remaining {
		exposure += math.Abs(p.MarketValue)
	}
	maxExposure := equity * o.cfg.Risk.MaxTotalExposurePct

	var (
		openOrders map[string]struct{}
		entries    []Entry
	)
	skip := func(symbol, reason string, fields ...zap.Field) {
		skips[symbol] = reason
		o.logger.Info(symbol+": skipped, "+reason, fields...)
	}

	for _, c := range universe {
		sym := c.Symbol
		if o.day.HasTradedSymbol(sym) {
			skips[sym] = SkipTraded
			continue
		}
		if _, ok := held[sym]; ok {
			skips[sym] = SkipHeld
			continue
		}
		if o.day.SymbolInCooldown(sym, o.cfg.Risk.SymbolCooldownMin) {
			skip(sym, SkipCooldown)
			continue
		}

		sig := o.signals.CheckEntry(sym, c.Bars, benchmarkPerf, c.RetDay, c.VolumeRatio)
		if sig.Action != model.ActionOpen {
			skips[sym] = sig.Reason
			o.logger.Debug("No entry signal", zap.String("symbol", sym), zap.String("reason", sig.Reason))
			continue
		}

		// 流动性与价差保护
		if !DollarVolumeOK(c.Bars, o.cfg.Risk.MinBarDollarVolume) {
			skip(sym, SkipDollarVolume)
			continue
		}
		if ok, detail := o.spreadOK(ctx, sym); !ok {
			skip(sym, SkipSpread, zap.String("detail", detail))
			continue
		}

		if openOrders == nil {
			openOrders = o.openOrderSymbols(ctx)
		}
		if _, ok := openOrders[sym]; ok {
			skip(sym, SkipOpenOrder)
			continue
		}

		qty := o.risk.PositionSize(equity, sig.Price, o.cfg.Risk.Aggressive)
		if qty <= 0 {
			skip(sym, SkipSizeZero)
			continue
		}
		prospective := float64(qty) * sig.Price
		if exposure+prospective > maxExposure {
			skip(sym, SkipExposure,
				zap.Float64("exposure", exposure), zap.Float64("prospective", prospective), zap.Float64("max", maxExposure))
			continue
		}

		stop, _ := o.risk.StopPrice(sig.Price)
		sig.PositionSize = qty
		sig.StopLossPrice = stop
		o.logger.Info("!!! NEW TRADING SIGNAL !!!", zap.String("Signal", sig.String()), zap.Float64("score", c.Score))

		orderID, err := o.broker.SubmitOrder(ctx, sym, model.SideBuy, qty)
		if err != nil {
			o.logger.Error("Order placement failed", zap.String("symbol", sym), zap.Int("qty", qty), zap.Error(err))
			skips[sym] = SkipOrderFailed
			continue
		}
		o.persisted("record trade", o.day.RecordTrade())
		o.persisted("record symbol trade", o.day.RecordSymbolTrade(sym))
		exposure += prospective

		entries = append(entries, Entry{Symbol: sym, Qty: qty, Price: sig.Price, Stop: stop, Score: c.Score, OrderID: orderID})
	}
	return entries
}

// spreadOK 报价失败按不通过处理
func (o *Orchestrator) spreadOK(ctx context.Context, symbol string) (bool, string) {
	q, err := o.broker.GetQuote(ctx, symbol)
	if err != nil {
		return false, "quote unavailable: " + err.Error()
	}
	return SpreadOK(q, o.cfg.Risk.MaxSpreadPct, o.cfg.Risk.MaxSpreadAbs)
}

// openOrderSymbols 查询失败视为没有未完成订单
func (o *Orchestrator) openOrderSymbols(ctx context.Context) map[string]struct{} {
	out := make(map[string]struct{})
	orders, err := o.broker.ListOpenOrders(ctx)
	if err != nil {
		o.logger.Warn("Could not list open orders", zap.Error(err))
		return out
	}
	for _, ord := range orders {
		out[ord.Symbol] = struct{}{}
	}
	return out
}

// openSellSymbols 已有未完成卖单的标的，查询失败视为没有
func (o *Orchestrator) openSellSymbols(ctx context.Context) map[string]struct{} {
	out := make(map[string]struct{})
	orders, err := o.broker.ListOpenOrders(ctx)
	if err != nil {
		o.logger.Warn("Could not list open orders before closing", zap.Error(err))
		return out
	}
	for _, ord := range orders {
		if ord.Side == model.SideSell {
			out[ord.Symbol] = struct{}{}
		}
	}
	return out
}

// benchmarkPerf 各基准日内收益的最大值，全部不可用时为 0
func (o *Orchestrator) benchmarkPerf(ctx context.Context) float64 {
	best, found := 0.0, false
	for _, sym := range o.cfg.Universe.Benchmarks {
		bars, err := o.broker.GetBars(ctx, sym, o.cfg.Universe.BenchmarkBarLimit)
		if err != nil || len(bars) == 0 {
			o.logger.Warn("Benchmark bars unavailable", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		perf, ok := ta.DayReturn(bars)
		if !ok {
			perf = 0
		}
		if !found || perf > best {
			best, found = perf, true
		}
	}
	return best
}

// closeAll 全量卖出所有持仓，已有未完成卖单的标的不重复下单；
// 返回已提交或正在平仓的标的
func (o *Orchestrator) closeAll(ctx context.Context, reason string) []string {
	positions, err := o.broker.ListPositions(ctx)
	if err != nil {
		o.logger.Warn("Could not list positions to close", zap.String("reason", reason), zap.Error(err))
		return nil
	}

	pending := o.openSellSymbols(ctx)

	var closed []string
	for _, pos := range positions {
		qty := int(math.Abs(pos.Qty))
		if qty <= 0 {
			continue
		}
		if _, ok := pending[pos.Symbol]; ok {
			o.logger.Info("Close already pending", zap.String("symbol", pos.Symbol), zap.String("reason", reason))
			closed = append(closed, pos.Symbol)
			continue
		}
		orderID, err := o.broker.SubmitOrder(ctx, pos.Symbol, model.SideSell, qty)
		if err != nil {
			o.logger.Error("Failed to close position", zap.String("symbol", pos.Symbol), zap.String("reason", reason), zap.Error(err))
			continue
		}
		o.logger.Info("Closed position",
			zap.String("symbol", pos.Symbol), zap.Int("qty", qty), zap.String("reason", reason), zap.String("order_id", orderID))
		closed = append(closed, pos.Symbol)
	}
	if len(closed) > 0 {
		o.positions.Retain(nil)
	}
	return closed
}

func (o *Orchestrator) halt() {
	changed, err := o.day.HaltTrading()
	o.persisted("halt trading", err)
	if changed {
		o.logger.Info("Trading halted for the rest of the day")
	}
}

// persisted 持久化失败只记录，内存状态已更新
func (o *Orchestrator) persisted(op string, err error) {
	if err != nil {
		o.logger.Error("Failed to persist day state", zap.String("op", op), zap.Error(err))
	}
}

func withoutSymbols(positions []model.Position, symbols []string) []model.Position {
	if len(symbols) == 0 {
		return positions
	}
	gone := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		gone[s] = struct{}{}
	}
	out := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if _, ok := gone[p.Symbol]; !ok {
			out = append(out, p)
		}
	}
	return out
}
