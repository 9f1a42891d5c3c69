package executor

import (
	"context"
	"errors"
	"time"

	"intraday-trend-trader/internal/model"
)

// ErrTransient 可重试的网关错误 (网络错误、HTTP 5xx、429)
var ErrTransient = errors.New("transient gateway error")

// IsTransient 判断错误是否可重试
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// BarFetcher 拉取 K 线，结果按时间从旧到新，时间戳位于交易时区
type BarFetcher interface {
	GetBars(ctx context.Context, symbol string, limit int) (model.BarSeries, error)
}

// UniverseSource 枚举可交易标的及其属性
type UniverseSource interface {
	ListAssets(ctx context.Context) ([]model.Asset, error)
}

// OrderSubmitter 提交市价单，返回订单号
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, symbol string, side model.Side, qty int) (string, error)
}

// Gateway 是行情与券商执行的通用接口，负责与券商通信
type Gateway interface {
	BarFetcher
	OrderSubmitter

	// 账户净值
	GetAccountEquity(ctx context.Context) (float64, error)

	// 最新买卖报价
	GetQuote(ctx context.Context, symbol string) (model.Quote, error)

	// 当前全部持仓
	ListPositions(ctx context.Context) ([]model.Position, error)

	// 未完成订单
	ListOpenOrders(ctx context.Context) ([]model.Order, error)

	// after 之后成交的订单 (最新在前)，用于重启后还原入场锚定价
	ListFilledOrders(ctx context.Context, after time.Time) ([]model.Order, error)

	// 券商时钟判断是否开盘
	IsMarketOpen(ctx context.Context) (bool, error)
}

// Broker 同时提供执行与标的枚举 (Alpaca 与模拟器都满足)
type Broker interface {
	Gateway
	UniverseSource
}
