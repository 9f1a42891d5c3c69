package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"intraday-trend-trader/internal/model"
	"intraday-trend-trader/internal/service"

	"go.uber.org/zap"
)

// AlpacaConfig 定义 Alpaca 执行器所需的全部配置
type AlpacaConfig struct {
	APIKey       string
	APISecret    string
	BaseURL      string // 交易 API (只允许 paper)
	DataURL      string // 行情 API
	BarTimeframe time.Duration
	Timeout      time.Duration
	Location     *time.Location // K 线与成交时间统一转换到交易时区
}

// AlpacaExecutor 通过 REST 与 Alpaca 通信，实现 Broker 接口
type AlpacaExecutor struct {
	cfg        *AlpacaConfig
	timeframe  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAlpacaExecutor 初始化 Alpaca 执行器
func NewAlpacaExecutor(cfg *AlpacaConfig, logger *zap.Logger) *AlpacaExecutor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &AlpacaExecutor{
		cfg:        cfg,
		timeframe:  service.FormatTimeframe(cfg.BarTimeframe),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(zap.String("executor", "Alpaca")),
	}
}

// --- Alpaca 响应结构 ---

type alpacaAccount struct {
	Equity string `json:"equity"`
}

type alpacaClock struct {
	IsOpen bool `json:"is_open"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
}

type alpacaOrder struct {
	ID             string     `json:"id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Qty            *string    `json:"qty"`
	Status         string     `json:"status"`
	FilledAt       *time.Time `json:"filled_at"`
	FilledAvgPrice *string    `json:"filled_avg_price"`
	LimitPrice     *string    `json:"limit_price"`
	StopPrice      *string    `json:"stop_price"`
}

type alpacaOrderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
}

type alpacaAsset struct {
	Symbol       string `json:"symbol"`
	Tradable     bool   `json:"tradable"`
	Shortable    bool   `json:"shortable"`
	EasyToBorrow bool   `json:"easy_to_borrow"`
}

type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type alpacaBarsResponse struct {
	Bars []alpacaBar `json:"bars"`
}

type alpacaQuoteResponse struct {
	Quote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quote"`
}

// doRequest 所有 API 调用的基础方法：拼接 URL、设置鉴权头、按状态码分类错误并解析 JSON
func (e *AlpacaExecutor) doRequest(ctx context.Context, method, base, endpoint string, query url.Values, body any, out any) error {
	u := base + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", e.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", e.cfg.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrTransient, endpoint, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrTransient, method, endpoint, resp.StatusCode, truncate(payload))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned %d: %s", method, endpoint, resp.StatusCode, truncate(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func optionalFloat(s *string) float64 {
	if s == nil {
		return 0
	}
	v, err := service.StringToFloat(*s)
	if err != nil {
		return 0
	}
	return v
}

func (e *AlpacaExecutor) toOrder(o alpacaOrder) model.Order {
	out := model.Order{
		ID:             o.ID,
		Symbol:         o.Symbol,
		Side:           model.Side(o.Side),
		Qty:            optionalFloat(o.Qty),
		Status:         o.Status,
		FilledAvgPrice: optionalFloat(o.FilledAvgPrice),
		LimitPrice:     optionalFloat(o.LimitPrice),
		StopPrice:      optionalFloat(o.StopPrice),
	}
	if o.FilledAt != nil {
		ts := o.FilledAt.In(e.cfg.Location)
		out.FilledAt = &ts
	}
	return out
}

// GetAccountEquity 查询账户净值
func (e *AlpacaExecutor) GetAccountEquity(ctx context.Context) (float64, error) {
	var acct alpacaAccount
	if err := e.doRequest(ctx, http.MethodGet, e.cfg.BaseURL, "/v2/account", nil, nil, &acct); err != nil {
		return 0, err
	}
	equity, err := service.StringToFloat(acct.Equity)
	if err != nil {
		return 0, fmt.Errorf("parse equity %q: %w", acct.Equity, err)
	}
	return equity, nil
}

// IsMarketOpen 使用券商时钟，避免本地时间误差
func (e *AlpacaExecutor) IsMarketOpen(ctx context.Context) (bool, error) {
	var clock alpacaClock
	if err := e.doRequest(ctx, http.MethodGet, e.cfg.BaseURL, "/v2/clock", nil, nil, &clock); err != nil {
		return false, err
	}
	return clock.IsOpen, nil
}

func (e *AlpacaExecutor) ListPositions(ctx context.Context) ([]model.Position, error) {
	var raw []alpacaPosition
	if err := e.doRequest(ctx, http.MethodGet, e.cfg.BaseURL, "/v2/positions", nil, nil, &raw); err != nil {
		return nil, err
	}
	positions := make([]model.Position, 0, len(raw))
	for _, p := range raw {
		qty, err := service.StringToFloat(p.Qty)
		if err != nil {
			return nil, fmt.Errorf("parse qty for %s: %w", p.Symbol, err)
		}
		avg, _ := service.StringToFloat(p.AvgEntryPrice)
		mv, _ := service.StringToFloat(p.MarketValue)
		positions = append(positions, model.Position{
			Symbol:        p.Symbol,
			Qty:           qty,
			AvgEntryPrice: avg,
			MarketValue:   mv,
		})
	}
	return positions, nil
}

func (e *AlpacaExecutor) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	q := url.Values{}
	q.Set("status", "open")
	q.Set("limit", "50")
	var raw []alpacaOrder
	if err := e.doRequest(ctx, http.MethodGet, e.cfg.BaseURL, "/v2/orders", q, nil, &raw); err != nil {
		return nil, err
	}
	orders := make([]model.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, e.toOrder(o))
	}
	return orders, nil
}

// ListFilledOrders after 之后的已成交订单，最新在前
func (e *AlpacaExecutor) ListFilledOrders(ctx context.Context, after time.Time) ([]model.Order, error) {
	q := url.Values{}
	q.Set("status", "all")
	q.Set("limit", "50")
	q.Set("direction", "desc")
	if !after.IsZero() {
		q.Set("after", after.Format(time.RFC3339))
	}
	var raw []alpacaOrder
	if err := e.doRequest(ctx, http.MethodGet, e.cfg.BaseURL, "/v2/orders", q, nil, &raw); err != nil {
		return nil, err
	}
	orders := make([]model.Order, 0, len(raw))
	for _, o := range raw {
		if o.FilledAt == nil {
			continue
		}
		orders = append(orders, e.toOrder(o))
	}
	return orders, nil
}

// SubmitOrder 市价单，当日有效
func (e *AlpacaExecutor) SubmitOrder(ctx context.Context, symbol string, side model.Side, qty int) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("invalid order qty %d for %s", qty, symbol)
	}
	req := alpacaOrderRequest{
		Symbol:      symbol,
		Qty:         strconv.Itoa(qty),
		Side:        side.String(),
		Type:        "market",
		TimeInForce: "day",
	}
	var resp alpacaOrder
	if err := e.doRequest(ctx, http.MethodPost, e.cfg.BaseURL, "/v2/orders", nil, req, &resp); err != nil {
		return "", err
	}
	e.logger.Info("Order submitted",
		zap.String("symbol", symbol), zap.String("side", side.String()),
		zap.Int("qty", qty), zap.String("order_id", resp.ID))
	return resp.ID, nil
}

func (e *AlpacaExecutor) ListAssets(ctx context.Context) ([]model.Asset, error) {
	q := url.Values{}
	q.Set("status", "active")
	q.Set("asset_class", "us_equity")
	var raw []alpacaAsset
	if err := e.doRequest(ctx, http.MethodGet, e.cfg.BaseURL, "/v2/assets", q, nil, &raw); err != nil {
		return nil, err
	}
	assets := make([]model.Asset, 0, len(raw))
	for _, a := range raw {
		assets = append(assets, model.Asset(a))
	}
	return assets, nil
}

// GetBars 以 sort=desc 取最近 limit 根，再翻转为从旧到新
func (e *AlpacaExecutor) GetBars(ctx context.Context, symbol string, limit int) (model.BarSeries, error) {
	q := url.Values{}
	q.Set("timeframe", e.timeframe)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "desc")
	var resp alpacaBarsResponse
	endpoint := "/v2/stocks/" + url.PathEscape(symbol) + "/bars"
	if err := e.doRequest(ctx, http.MethodGet, e.cfg.DataURL, endpoint, q, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Bars) == 0 {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}

	bars := make(model.BarSeries, len(resp.Bars))
	for i, b := range resp.Bars {
		bars[len(resp.Bars)-1-i] = model.Bar{
			Timestamp: b.Timestamp.In(e.cfg.Location),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}
	return bars, nil
}

// GetQuote 最新买一/卖一
func (e *AlpacaExecutor) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	var resp alpacaQuoteResponse
	endpoint := "/v2/stocks/" + url.PathEscape(symbol) + "/quotes/latest"
	if err := e.doRequest(ctx, http.MethodGet, e.cfg.DataURL, endpoint, nil, nil, &resp); err != nil {
		return model.Quote{}, err
	}
	return model.Quote{Bid: resp.Quote.BidPrice, Ask: resp.Quote.AskPrice}, nil
}
