package model

import "time"

// Bar 代表聚合后的 K 线数据 (固定周期，默认 5 分钟)
type Bar struct {
	Timestamp time.Time `json:"t"` // K 线起始时间 (交易时区)
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// BarSeries 按时间从旧到新排列的 K 线序列
type BarSeries []Bar

// Last 返回最新一根 K 线，序列为空时 ok=false
func (s BarSeries) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// Closes 收盘价序列
func (s BarSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

func (s BarSeries) Highs() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.High
	}
	return out
}

func (s BarSeries) Lows() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Low
	}
	return out
}

func (s BarSeries) Volumes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Volume
	}
	return out
}

// Since 返回时间戳 >= t 的子序列 (共享底层数组)
func (s BarSeries) Since(t time.Time) BarSeries {
	for i, b := range s {
		if !b.Timestamp.Before(t) {
			return s[i:]
		}
	}
	return nil
}

// Quote 最新买卖报价
type Quote struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// Asset 由标的来源提供的可交易属性，不在本系统内计算
type Asset struct {
	Symbol       string `json:"symbol"`
	Tradable     bool   `json:"tradable"`
	Shortable    bool   `json:"shortable"`
	EasyToBorrow bool   `json:"easy_to_borrow"`
}
