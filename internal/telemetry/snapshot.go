package telemetry

import (
	"sync"
	"time"

	"intraday-trend-trader/internal/state"
)

// Status 引擎运行状态
type Status struct {
	Timestamp     time.Time `json:"timestamp"`
	TradingDay    string    `json:"trading_day"`
	TradingHalted bool      `json:"trading_halted"`
	BenchmarkPerf float64   `json:"benchmark_perf"`
}

// PositionView 持仓与其退出评估
type PositionView struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value"`
	State         string  `json:"state,omitempty"`
	AnchorPrice   float64 `json:"anchor_price,omitempty"`
	LastClose     float64 `json:"last_close,omitempty"`
	Stop          float64 `json:"stop,omitempty"`
	Trail         float64 `json:"trail,omitempty"`
}

// CandidateView 本轮扫描的候选标的，nil 收益表示历史不足
type CandidateView struct {
	Symbol   string   `json:"symbol"`
	Score    float64  `json:"score"`
	RetDay   *float64 `json:"ret_day"`
	Ret1h    *float64 `json:"ret_1h"`
	Ret3h    *float64 `json:"ret_3h"`
	VolRatio *float64 `json:"vol_ratio"`
}

// Snapshot 每轮结束时发布的只读快照，发布后不再修改
type Snapshot struct {
	Version    uint64          `json:"version"`
	Status     Status          `json:"status"`
	Metrics    state.Summary   `json:"metrics"`
	Positions  []PositionView  `json:"positions"`
	Candidates []CandidateView `json:"candidates"`
}

// Store 保存最新快照，读者拿到的指针不可修改
type Store struct {
	mu      sync.RWMutex
	latest  *Snapshot
	version uint64
	subs    map[chan *Snapshot]struct{}
}

func NewStore() *Store {
	return &Store{subs: make(map[chan *Snapshot]struct{})}
}

// Publish 分配新版本号并替换当前快照，然后通知订阅者
func (s *Store) Publish(snap Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	snap.Version = s.version
	if snap.Positions == nil {
		snap.Positions = []PositionView{}
	}
	if snap.Candidates == nil {
		snap.Candidates = []CandidateView{}
	}
	p := &snap
	s.latest = p

	for ch := range s.subs {
		// 慢订阅者只保留最新一份
		select {
		case <-ch:
		default:
		}
		ch <- p
	}
	return p
}

// Latest 当前快照，尚未发布时为 nil
func (s *Store) Latest() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Subscribe 订阅后续发布的快照，返回取消函数
func (s *Store) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}
