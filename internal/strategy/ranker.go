package strategy

import (
	"context"
	"sort"

	"intraday-trend-trader/internal/executor"
	"intraday-trend-trader/internal/model"
	"intraday-trend-trader/internal/service"
	"intraday-trend-trader/pkg/ta"

	"go.uber.org/zap"
)

// 评分权重，固定策略，不开放配置
const (
	weightRet1h  = 0.40
	weightRet3h  = 0.35
	weightRetDay = 0.25
	weightVolume = 10.0
	weightSlope  = 200.0
)

// UniverseRanker 按动量 + 趋势 + 量能给标的打分并排序
type UniverseRanker struct {
	cfg      service.UniverseConfig
	strategy service.StrategyConfig
	logger   *zap.Logger
}

func NewUniverseRanker(cfg service.UniverseConfig, strategy service.StrategyConfig, logger *zap.Logger) *UniverseRanker {
	return &UniverseRanker{
		cfg:      cfg,
		strategy: strategy,
		logger:   logger.With(zap.String("component", "UniverseRanker")),
	}
}

// EligibleSymbols 过滤可交易、可做空、易借且代码不超过 MaxSymbolLen 的标的。
// 最多返回 ScanLimit 个，这是上游限频的硬上限。
func (r *UniverseRanker) EligibleSymbols(assets []model.Asset) []string {
	symbols := make([]string, 0, r.cfg.ScanLimit)
	for _, a := range assets {
		if len(symbols) >= r.cfg.ScanLimit {
			break
		}
		if !a.Tradable || !a.Shortable || !a.EasyToBorrow {
			continue
		}
		if a.Symbol == "" || len(a.Symbol) > r.cfg.MaxSymbolLen {
			continue
		}
		symbols = append(symbols, a.Symbol)
	}
	return symbols
}

// Score 计算单个标的的候选评分；历史不足、趋势不强或量能不足时 ok=false
func (r *UniverseRanker) Score(symbol string, bars model.BarSeries) (model.Candidate, bool) {
	if len(bars) < r.cfg.MinBars {
		return model.Candidate{}, false
	}

	closes := bars.Closes()
	strong, fast, slow := ta.IsStrongTrend(closes, r.strategy.EMAFast, r.strategy.EMASlow)
	if !strong {
		return model.Candidate{}, false
	}
	vol, ok := ta.VolumeRatio(bars.Volumes(), ta.VolumeLookback)
	if !ok || vol < r.cfg.VolumeAccelThreshold {
		return model.Candidate{}, false
	}

	perf := ta.IntradayPerformance(bars)
	slope := 0.0
	if slow != 0 {
		slope = fast/slow - 1
	}
	score := pct(perf.Ret1h)*weightRet1h +
		pct(perf.Ret3h)*weightRet3h +
		pct(perf.RetDay)*weightRetDay +
		(vol-1)*weightVolume +
		slope*weightSlope

	return model.Candidate{
		Symbol:      symbol,
		Score:       score,
		Ret1h:       perf.Ret1h,
		Ret3h:       perf.Ret3h,
		RetDay:      perf.RetDay,
		VolumeRatio: &vol,
		EMAFast:     fast,
		EMASlow:     slow,
		Bars:        bars,
	}, true
}

// Rank 按评分从高到低稳定排序，截取前 TopN
func (r *UniverseRanker) Rank(candidates []model.Candidate) []model.Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > r.cfg.TopN {
		candidates = candidates[:r.cfg.TopN]
	}
	return candidates
}

// BuildUniverse 枚举标的、逐个拉取 K 线并排序。
// 枚举失败返回空列表；单个标的拉取失败则跳过该标的。
func (r *UniverseRanker) BuildUniverse(ctx context.Context, source executor.UniverseSource, bars executor.BarFetcher) []model.Candidate {
	assets, err := source.ListAssets(ctx)
	if err != nil {
		r.logger.Warn("Could not list assets, using empty universe", zap.Error(err))
		return nil
	}

	symbols := r.EligibleSymbols(assets)
	candidates := make([]model.Candidate, 0, len(symbols))
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		series, err := bars.GetBars(ctx, sym, r.cfg.BarLimit)
		if err != nil {
			r.logger.Warn("Failed to load bars", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if c, ok := r.Score(sym, series); ok {
			candidates = append(candidates, c)
		}
	}

	ranked := r.Rank(candidates)
	r.logger.Info("Universe ranked",
		zap.Int("scanned", len(symbols)),
		zap.Int("qualified", len(candidates)),
		zap.Int("ranked", len(ranked)))
	return ranked
}

// pct 收益率转百分数，nil 按 0
func pct(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v * 100
}
