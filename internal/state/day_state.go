package state

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

// SymbolLedger 单个标的当日的交易/冷却记录
type SymbolLedger struct {
	Traded     bool       `json:"traded"`
	LastLossAt *time.Time `json:"last_loss_at,omitempty"`
}

// UnmarshalJSON 兼容旧格式：{"SYM": true} 以及只有 last_loss_at 的对象
func (l *SymbolLedger) UnmarshalJSON(b []byte) error {
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		*l = SymbolLedger{Traded: flag}
		return nil
	}
	var raw struct {
		Traded     *bool      `json:"traded"`
		LastLossAt *time.Time `json:"last_loss_at"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	// 旧格式里出现过的标的都算已交易
	l.Traded = raw.Traded == nil || *raw.Traded
	l.LastLossAt = raw.LastLossAt
	return nil
}

// Metrics 当日累计绩效
type Metrics struct {
	TotalTrades int                `json:"total_trades"`
	Wins        int                `json:"wins"`
	Losses      int                `json:"losses"`
	GrossProfit float64            `json:"gross_profit"`
	GrossLoss   float64            `json:"gross_loss"` // <= 0
	PnLBySymbol map[string]float64 `json:"pnl_by_symbol"`
	MaxEquity   *float64           `json:"max_equity"`
	MaxDrawdown float64            `json:"max_drawdown"` // <= 0，当日内只降不升
}

// Record 持久化的完整状态记录
type Record struct {
	TradingDay     string                  `json:"trading_day"` // YYYY-MM-DD，空表示未初始化
	StartEquity    *float64                `json:"start_equity"`
	TradesExecuted int                     `json:"trades_executed"`
	TradingHalted  bool                    `json:"trading_halted"`
	TradedSymbols  map[string]SymbolLedger `json:"traded_symbols"`
	Metrics        Metrics                 `json:"metrics"`
}

// DefaultRecord 无历史状态时的默认记录
func DefaultRecord() Record {
	return Record{
		TradedSymbols: make(map[string]SymbolLedger),
		Metrics: Metrics{
			PnLBySymbol: make(map[string]float64),
		},
	}
}

func (r Record) clone() Record {
	out := r
	if r.StartEquity != nil {
		v := *r.StartEquity
		out.StartEquity = &v
	}
	out.TradedSymbols = make(map[string]SymbolLedger, len(r.TradedSymbols))
	for k, v := range r.TradedSymbols {
		if v.LastLossAt != nil {
			ts := *v.LastLossAt
			v.LastLossAt = &ts
		}
		out.TradedSymbols[k] = v
	}
	out.Metrics = r.Metrics.clone()
	return out
}

func (m Metrics) clone() Metrics {
	out := m
	out.PnLBySymbol = make(map[string]float64, len(m.PnLBySymbol))
	for k, v := range m.PnLBySymbol {
		out.PnLBySymbol[k] = v
	}
	if m.MaxEquity != nil {
		v := *m.MaxEquity
		out.MaxEquity = &v
	}
	return out
}

// DayState 当日生命周期状态，唯一事实来源。
// 每个修改方法在返回前都把整条记录写入 Store。
type DayState struct {
	mu     sync.Mutex
	rec    Record
	store  Store
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*DayState)

// WithClock 替换时钟 (测试用)
func WithClock(now func() time.Time) Option {
	return func(d *DayState) { d.now = now }
}

// New 从 store 恢复状态；读取失败或内容损坏时使用默认记录，不报错
func New(store Store, loc *time.Location, logger *zap.Logger, opts ...Option) *DayState {
	d := &DayState{
		rec:    DefaultRecord(),
		store:  store,
		loc:    loc,
		now:    time.Now,
		logger: logger.With(zap.String("component", "DayState")),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.load()
	return d
}

func (d *DayState) load() {
	data, err := d.store.Load()
	switch {
	case err != nil:
		d.logger.Warn("Could not read persisted state, starting fresh", zap.Error(err))
	case len(data) == 0:
		d.logger.Info("No persisted state found, starting fresh")
	default:
		rec := DefaultRecord()
		if err := json.Unmarshal(data, &rec); err != nil {
			d.logger.Warn("Persisted state is corrupt, starting fresh", zap.Error(err))
		} else {
			if rec.TradedSymbols == nil {
				rec.TradedSymbols = make(map[string]SymbolLedger)
			}
			if rec.Metrics.PnLBySymbol == nil {
				rec.Metrics.PnLBySymbol = make(map[string]float64)
			}
			d.rec = rec
			d.logger.Info("Restored persisted state",
				zap.String("trading_day", rec.TradingDay),
				zap.Bool("trading_halted", rec.TradingHalted))
		}
	}
	if err := d.save(); err != nil {
		d.logger.Error("Failed to persist state", zap.Error(err))
	}
}

// save 调用方必须持有 d.mu
func (d *DayState) save() error {
	data, err := json.MarshalIndent(d.rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := d.store.Save(data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (d *DayState) mutate(fn func(r *Record) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !fn(&d.rec) {
		return nil
	}
	if err := d.save(); err != nil {
		d.logger.Error("Failed to persist state", zap.Error(err))
		return err
	}
	return nil
}

// ResetForDay 日期变化时整体重置当日记录，返回是否发生了重置
func (d *DayState) ResetForDay(today time.Time, startEquity float64) (bool, error) {
	day := today.In(d.loc).Format(dayLayout)
	reset := false
	err := d.mutate(func(r *Record) bool {
		if r.TradingDay == day {
			return false
		}
		fresh := DefaultRecord()
		fresh.TradingDay = day
		eq := startEquity
		fresh.StartEquity = &eq
		*r = fresh
		reset = true
		return true
	})
	if reset {
		d.logger.Info("New trading day, session state reset",
			zap.String("trading_day", day), zap.Float64("start_equity", startEquity))
	}
	return reset, err
}

// UpdateDrawdown 记录当日净值高点，回撤取当日最负值
func (d *DayState) UpdateDrawdown(equity float64) error {
	return d.mutate(func(r *Record) bool {
		m := &r.Metrics
		if m.MaxEquity == nil || equity > *m.MaxEquity {
			peak := equity
			m.MaxEquity = &peak
		}
		if *m.MaxEquity > 0 {
			dd := (equity - *m.MaxEquity) / *m.MaxEquity
			m.MaxDrawdown = math.Min(m.MaxDrawdown, dd)
		}
		return true
	})
}

// RecordTrade 当日下单计数 +1
func (d *DayState) RecordTrade() error {
	return d.mutate(func(r *Record) bool {
		r.TradesExecuted++
		return true
	})
}

// RecordSymbolTrade 标记标的今日已交易 (每日每标的最多一次)
func (d *DayState) RecordSymbolTrade(symbol string) error {
	return d.mutate(func(r *Record) bool {
		l := r.TradedSymbols[symbol]
		l.Traded = true
		r.TradedSymbols[symbol] = l
		return true
	})
}

func (d *DayState) HasTradedSymbol(symbol string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec.TradedSymbols[symbol].Traded
}

// UpdateMetrics 按盈亏符号累计胜负，只有亏损时才写入冷却时间戳
func (d *DayState) UpdateMetrics(symbol string, pnl, entry, exit float64) error {
	now := d.now().In(d.loc)
	return d.mutate(func(r *Record) bool {
		m := &r.Metrics
		m.TotalTrades++
		if pnl >= 0 {
			m.Wins++
			m.GrossProfit += pnl
		} else {
			m.Losses++
			m.GrossLoss += pnl
		}
		m.PnLBySymbol[symbol] += pnl

		if pnl < 0 {
			l := r.TradedSymbols[symbol]
			l.Traded = true
			ts := now
			l.LastLossAt = &ts
			r.TradedSymbols[symbol] = l
		}
		return true
	})
}

// SymbolInCooldown 亏损后 minutes 分钟内返回 true
func (d *DayState) SymbolInCooldown(symbol string, minutes int) bool {
	d.mu.Lock()
	l, ok := d.rec.TradedSymbols[symbol]
	d.mu.Unlock()
	if !ok || l.LastLossAt == nil {
		return false
	}
	elapsed := d.now().Sub(*l.LastLossAt)
	return elapsed < time.Duration(minutes)*time.Minute
}

// HaltTrading 幂等；返回本次调用是否改变了状态
func (d *DayState) HaltTrading() (bool, error) {
	changed := false
	err := d.mutate(func(r *Record) bool {
		if r.TradingHalted {
			return false
		}
		r.TradingHalted = true
		changed = true
		return true
	})
	return changed, err
}

func (d *DayState) TradingHalted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec.TradingHalted
}

// StartEquity 当日起始净值，未初始化时 ok=false
func (d *DayState) StartEquity() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec.StartEquity == nil {
		return 0, false
	}
	return *d.rec.StartEquity, true
}

func (d *DayState) TradingDay() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec.TradingDay
}

// TradingDayStart 交易日在交易时区的零点
func (d *DayState) TradingDayStart() (time.Time, bool) {
	day := d.TradingDay()
	if day == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(dayLayout, day, d.loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Record 返回当前记录的深拷贝
func (d *DayState) Record() Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec.clone()
}

// Summary 面板展示用的绩效汇总
type Summary struct {
	Equity         float64            `json:"equity"`
	Trades         int                `json:"trades"`
	Wins           int                `json:"wins"`
	Losses         int                `json:"losses"`
	WinRate        float64            `json:"win_rate"`
	AvgWin         float64            `json:"avg_win"`
	AvgLoss        float64            `json:"avg_loss"`
	Expectancy     float64            `json:"expectancy"`
	ProfitFactor   *float64           `json:"profit_factor"` // nil 表示无亏损 (无穷大)
	MaxDrawdownPct float64            `json:"max_drawdown_pct"`
	PnLBySymbol    map[string]float64 `json:"pnl_by_symbol"`
}

// Summary 计算胜率、期望值、盈亏比等
func (d *DayState) Summary(equity float64) Summary {
	m := d.Record().Metrics
	s := Summary{
		Equity:         equity,
		Trades:         m.TotalTrades,
		Wins:           m.Wins,
		Losses:         m.Losses,
		MaxDrawdownPct: m.MaxDrawdown * 100,
		PnLBySymbol:    m.PnLBySymbol,
	}
	if m.TotalTrades > 0 {
		s.WinRate = float64(m.Wins) / float64(m.TotalTrades) * 100
	}
	if m.Wins > 0 {
		s.AvgWin = m.GrossProfit / float64(m.Wins)
	}
	if m.Losses > 0 {
		s.AvgLoss = m.GrossLoss / float64(m.Losses)
	}
	lossRate := 0.0
	if m.TotalTrades > 0 {
		lossRate = float64(m.Losses) / float64(m.TotalTrades)
	}
	s.Expectancy = s.WinRate/100*s.AvgWin + lossRate*s.AvgLoss

	switch {
	case m.GrossLoss != 0:
		pf := m.GrossProfit / math.Abs(m.GrossLoss)
		s.ProfitFactor = &pf
	case m.Wins == 0:
		zero := 0.0
		s.ProfitFactor = &zero
	}
	return s
}
