package model

import (
	"fmt"
	"time"
)

// ActionType 定义了信号类型
type ActionType string

const (
	ActionNone ActionType = "NONE" // 无操作
	ActionOpen ActionType = "OPEN" // 开仓 (市价买入)
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) String() string {
	return string(s)
}

// Signal 结构体定义了策略层向执行层发出的具体指令
type Signal struct {
	Symbol        string
	Timestamp     time.Time  // 信号生成时间 (触发 K 线时间)
	Action        ActionType // 操作类型: OPEN / NONE
	Price         float64    // 期望入场价 (触发 K 线收盘价)
	PositionSize  int        // 股数，由 RiskManager 填充
	StopLossPrice float64    // 止损价格
	Reason        string     // 信号生成或拒绝的文字描述
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s | %s] @ %.2f | Size: %d | SL: %.4f | Reason: %s",
		s.Action, s.Symbol, s.Price, s.PositionSize, s.StopLossPrice, s.Reason)
}

// Position 券商返回的持仓 (只读)
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value"`
}

// Order 券商订单 (开放订单或成交记录)
type Order struct {
	ID             string     `json:"id"`
	Symbol         string     `json:"symbol"`
	Side           Side       `json:"side"`
	Qty            float64    `json:"qty"`
	Status         string     `json:"status"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
	FilledAvgPrice float64    `json:"filled_avg_price"`
	LimitPrice     float64    `json:"limit_price"`
	StopPrice      float64    `json:"stop_price"`
}

// Candidate 每轮扫描新建的候选标的，不持久化
type Candidate struct {
	Symbol      string
	Score       float64
	Ret1h       *float64 // nil 表示历史不足
	Ret3h       *float64
	RetDay      *float64
	VolumeRatio *float64
	EMAFast     float64
	EMASlow     float64
	Bars        BarSeries
}

// ExitResult 平仓结果，用于更新当日绩效
type ExitResult struct {
	Symbol      string
	Reason      string  // STOPPED / TRAILED / TREND_FLIPPED
	AnchorPrice float64 // 入场锚定价
	ExitPrice   float64 // 触发时最新收盘价
	Qty         int
	OrderID     string
}

// PnL 以锚定价计算的已实现盈亏
func (r ExitResult) PnL() float64 {
	return (r.ExitPrice - r.AnchorPrice) * float64(r.Qty)
}
