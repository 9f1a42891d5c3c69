package engine

import (
	"sort"
	"time"

	"intraday-trend-trader/internal/model"
	"intraday-trend-trader/internal/telemetry"

	"go.uber.org/zap"
)

// LogRules 启动时打印交易规则
func (o *Orchestrator) LogRules() {
	s, r := o.cfg.Strategy, o.cfg.Risk
	o.logger.Info("Trend pullback bot started (paper only, intraday).")
	o.logger.Info("Rules",
		zap.String("bars", o.cfg.Exchange.BarTimeframe.String()),
		zap.Int("ema_fast", s.EMAFast),
		zap.Int("ema_slow", s.EMASlow),
		zap.Strings("benchmarks", o.cfg.Universe.Benchmarks),
		zap.Float64("stop_pct", r.StopLossPct*100),
		zap.Float64("trail_trigger_pct", r.TrailTriggerPct*100),
		zap.Float64("trail_offset_pct", r.TrailOffsetPct*100),
		zap.Float64("risk_per_trade_pct", o.risk.RiskPct(r.Aggressive)*100),
		zap.String("window", o.cfg.Session.WindowStart+"-"+o.cfg.Session.WindowEnd),
	)
	o.logger.Warn("Profits are NOT guaranteed. Higher profit focus increases drawdown risk.")
}

// logDashboard 当日绩效面板
func (o *Orchestrator) logDashboard(equity float64) {
	sum := o.day.Summary(equity)
	fields := []zap.Field{
		zap.Float64("equity", sum.Equity),
		zap.Int("trades", sum.Trades),
		zap.Int("wins", sum.Wins),
		zap.Int("losses", sum.Losses),
		zap.Float64("win_rate", sum.WinRate),
		zap.Float64("avg_win", sum.AvgWin),
		zap.Float64("avg_loss", sum.AvgLoss),
		zap.Float64("expectancy", sum.Expectancy),
		zap.Float64("max_drawdown_pct", sum.MaxDrawdownPct),
		zap.Any("pnl_by_symbol", sum.PnLBySymbol),
	}
	if sum.ProfitFactor != nil {
		fields = append(fields, zap.Float64("profit_factor", *sum.ProfitFactor))
	} else {
		fields = append(fields, zap.String("profit_factor", "inf"))
	}
	o.logger.Info("PERFORMANCE DASHBOARD", fields...)
}

// publish 构建新快照并替换
func (o *Orchestrator) publish(now time.Time, equity, benchmarkPerf float64, positions []model.Position, universe []model.Candidate) *telemetry.Snapshot {
	if o.snapshots == nil {
		return nil
	}
	evals := o.positions.Evaluations()

	views := make([]telemetry.PositionView, 0, len(positions))
	for _, p := range positions {
		v := telemetry.PositionView{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
			MarketValue:   p.MarketValue,
		}
		if ev, ok := evals[p.Symbol]; ok {
			v.State = string(ev.State)
			v.AnchorPrice = ev.Anchor.Price
			v.LastClose = ev.LastClose
			v.Stop = ev.Stop
			v.Trail = ev.Trail
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Symbol < views[j].Symbol })

	cands := make([]telemetry.CandidateView, 0, len(universe))
	for _, c := range universe {
		cands = append(cands, telemetry.CandidateView{
			Symbol:   c.Symbol,
			Score:    c.Score,
			RetDay:   c.RetDay,
			Ret1h:    c.Ret1h,
			Ret3h:    c.Ret3h,
			VolRatio: c.VolumeRatio,
		})
	}

	return o.snapshots.Publish(telemetry.Snapshot{
		Status: telemetry.Status{
			Timestamp:     now,
			TradingDay:    o.day.TradingDay(),
			TradingHalted: o.day.TradingHalted(),
			BenchmarkPerf: benchmarkPerf,
		},
		Metrics:    o.day.Summary(equity),
		Positions:  views,
		Candidates: cands,
	})
}
