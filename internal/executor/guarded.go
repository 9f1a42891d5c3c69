package executor

import (
	"context"
	"time"

	"intraday-trend-trader/internal/model"

	"go.uber.org/zap"
)

// GuardPolicy 单次调用超时与读请求重试策略
type GuardPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration // 第 n 次重试前等待 n*Backoff
}

// GuardedGateway 给每个网关调用加超时与有限次重试，保证单个依赖不可达时只会跳过本轮，不会挂起。
// 只读调用遇到 ErrTransient 时重试；下单从不重试，避免重复成交。
type GuardedGateway struct {
	inner  Broker
	policy GuardPolicy
	logger *zap.Logger
}

func NewGuardedGateway(inner Broker, policy GuardPolicy, logger *zap.Logger) *GuardedGateway {
	return &GuardedGateway{
		inner:  inner,
		policy: policy,
		logger: logger.With(zap.String("component", "GuardedGateway")),
	}
}

func (g *GuardedGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.policy.Timeout)
}

// read 执行一次只读调用，可重试
func read[T any](ctx context.Context, g *GuardedGateway, op string, call func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 0; ; attempt++ {
		callCtx, cancel := g.withTimeout(ctx)
		out, err = call(callCtx)
		cancel()
		if err == nil || !IsTransient(err) || attempt >= g.policy.MaxRetries || ctx.Err() != nil {
			return out, err
		}

		wait := time.Duration(attempt+1) * g.policy.Backoff
		g.logger.Warn("Transient gateway error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (g *GuardedGateway) GetAccountEquity(ctx context.Context) (float64, error) {
	return read(ctx, g, "GetAccountEquity", g.inner.GetAccountEquity)
}

func (g *GuardedGateway) GetBars(ctx context.Context, symbol string, limit int) (model.BarSeries, error) {
	return read(ctx, g, "GetBars", func(c context.Context) (model.BarSeries, error) {
		return g.inner.GetBars(c, symbol, limit)
	})
}

func (g *GuardedGateway) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	return read(ctx, g, "GetQuote", func(c context.Context) (model.Quote, error) {
		return g.inner.GetQuote(c, symbol)
	})
}

func (g *GuardedGateway) ListPositions(ctx context.Context) ([]model.Position, error) {
	return read(ctx, g, "ListPositions", g.inner.ListPositions)
}

func (g *GuardedGateway) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return read(ctx, g, "ListOpenOrders", g.inner.ListOpenOrders)
}

func (g *GuardedGateway) ListFilledOrders(ctx context.Context, after time.Time) ([]model.Order, error) {
	return read(ctx, g, "ListFilledOrders", func(c context.Context) ([]model.Order, error) {
		return g.inner.ListFilledOrders(c, after)
	})
}

func (g *GuardedGateway) IsMarketOpen(ctx context.Context) (bool, error) {
	return read(ctx, g, "IsMarketOpen", g.inner.IsMarketOpen)
}

func (g *GuardedGateway) ListAssets(ctx context.Context) ([]model.Asset, error) {
	return read(ctx, g, "ListAssets", g.inner.ListAssets)
}

// SubmitOrder 只有超时保护，不重试
func (g *GuardedGateway) SubmitOrder(ctx context.Context, symbol string, side model.Side, qty int) (string, error) {
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.inner.SubmitOrder(callCtx, symbol, side, qty)
}
