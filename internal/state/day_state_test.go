package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func newTestState(t *testing.T, store Store, clock *fakeClock) *DayState {
	t.Helper()
	return New(store, newYork(t), zap.NewNop(), WithClock(clock.Now))
}

func TestNew_EmptyStoreStartsWithDefaults(t *testing.T) {
	store := &MemoryStore{}
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	ds := newTestState(t, store, clock)

	assert.Equal(t, "", ds.TradingDay())
	assert.False(t, ds.TradingHalted())
	_, ok := ds.StartEquity()
	assert.False(t, ok)
	assert.Equal(t, 1, store.Saves, "state is written once after load")
}

func TestNew_CorruptFileStartsWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	clock := &fakeClock{t: time.Now()}
	ds := newTestState(t, NewFileStore(path), clock)

	assert.Equal(t, "", ds.TradingDay(), "corrupt state must reset to defaults, not fail")
	assert.False(t, ds.TradingHalted())

	// 损坏的文件被默认记录覆盖
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "", rec.TradingDay)
}

func TestNew_ToleratesMissingKeysAndLegacyLedger(t *testing.T) {
	store := &MemoryStore{}
	require.NoError(t, store.Save([]byte(`{
		"trading_day": "2024-03-01",
		"trading_halted": true,
		"traded_symbols": {"AAPL": true, "MSFT": {"last_loss_at": "2024-03-01T10:00:00-05:00"}},
		"metrics": {"wins": 2}
	}`)))

	clock := &fakeClock{t: time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)}
	ds := newTestState(t, store, clock)

	assert.Equal(t, "2024-03-01", ds.TradingDay())
	assert.True(t, ds.TradingHalted())
	assert.True(t, ds.HasTradedSymbol("AAPL"))
	assert.True(t, ds.HasTradedSymbol("MSFT"))
	assert.False(t, ds.HasTradedSymbol("TSLA"))

	rec := ds.Record()
	assert.Equal(t, 2, rec.Metrics.Wins)
	assert.NotNil(t, rec.Metrics.PnLBySymbol, "missing maps are defaulted")
	assert.Equal(t, 0.0, rec.Metrics.MaxDrawdown)
}

func TestResetForDay(t *testing.T) {
	store := &MemoryStore{}
	loc := newYork(t)
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, loc)}
	ds := newTestState(t, store, clock)

	reset, err := ds.ResetForDay(clock.Now(), 100_000)
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, "2024-03-01", ds.TradingDay())

	require.NoError(t, ds.RecordSymbolTrade("AAPL"))
	require.NoError(t, ds.UpdateMetrics("AAPL", -50, 100, 99.5))
	_, err = ds.HaltTrading()
	require.NoError(t, err)
	require.NoError(t, ds.UpdateDrawdown(99_000))

	// 同一天再次调用不重置
	reset, err = ds.ResetForDay(clock.Now().Add(time.Hour), 50_000)
	require.NoError(t, err)
	assert.False(t, reset)
	eq, _ := ds.StartEquity()
	assert.Equal(t, 100_000.0, eq)

	// 跨日整体重置
	clock.Advance(24 * time.Hour)
	reset, err = ds.ResetForDay(clock.Now(), 99_000)
	require.NoError(t, err)
	assert.True(t, reset)

	rec := ds.Record()
	assert.Equal(t, "2024-03-02", rec.TradingDay)
	assert.False(t, rec.TradingHalted)
	assert.Empty(t, rec.TradedSymbols)
	assert.Equal(t, 0, rec.Metrics.TotalTrades)
	assert.Equal(t, 0.0, rec.Metrics.MaxDrawdown)
	assert.Nil(t, rec.Metrics.MaxEquity)
	eq, _ = ds.StartEquity()
	assert.Equal(t, 99_000.0, eq)
}

func TestResetForDay_UsesTradingTimezone(t *testing.T) {
	loc := newYork(t)
	clock := &fakeClock{t: time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)} // 2024-03-01 22:00 纽约
	ds := newTestState(t, &MemoryStore{}, clock)

	_, err := ds.ResetForDay(clock.Now(), 1000)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", ds.TradingDay())

	start, ok := ds.TradingDayStart()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, loc), start)
}

func TestUpdateDrawdown_NonIncreasingWithinDay(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)}
	ds := newTestState(t, &MemoryStore{}, clock)
	_, err := ds.ResetForDay(clock.Now(), 100)
	require.NoError(t, err)

	equities := []float64{100, 105, 103, 110, 99, 104, 120, 119}
	prev := 0.0
	for _, eq := range equities {
		require.NoError(t, ds.UpdateDrawdown(eq))
		dd := ds.Record().Metrics.MaxDrawdown
		assert.LessOrEqual(t, dd, prev, "drawdown never relaxes upward within a day")
		assert.LessOrEqual(t, dd, 0.0)
		prev = dd
	}
	assert.InDelta(t, (99.0-110.0)/110.0, prev, 1e-12)
	assert.Equal(t, 120.0, *ds.Record().Metrics.MaxEquity)
}

func TestUpdateMetrics(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)}
	ds := newTestState(t, &MemoryStore{}, clock)

	require.NoError(t, ds.UpdateMetrics("AAPL", 120, 100, 101.2))
	require.NoError(t, ds.UpdateMetrics("AAPL", -30, 100, 99.7))
	require.NoError(t, ds.UpdateMetrics("MSFT", -70, 50, 49.3))

	m := ds.Record().Metrics
	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 1, m.Wins)
	assert.Equal(t, 2, m.Losses)
	assert.Equal(t, 120.0, m.GrossProfit)
	assert.Equal(t, -100.0, m.GrossLoss)
	assert.Equal(t, 90.0, m.PnLBySymbol["AAPL"])
	assert.Equal(t, -70.0, m.PnLBySymbol["MSFT"])
}

func TestUpdateMetrics_WinDoesNotStartCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)}
	ds := newTestState(t, &MemoryStore{}, clock)

	require.NoError(t, ds.UpdateMetrics("AAPL", 10, 100, 101))
	assert.False(t, ds.SymbolInCooldown("AAPL", 60))
}

func TestSymbolInCooldown_Boundary(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)}
	ds := newTestState(t, &MemoryStore{}, clock)

	require.NoError(t, ds.UpdateMetrics("AAPL", -25, 100, 99.75))
	assert.True(t, ds.SymbolInCooldown("AAPL", 60))
	assert.True(t, ds.HasTradedSymbol("AAPL"))

	clock.Advance(60*time.Minute - time.Nanosecond)
	assert.True(t, ds.SymbolInCooldown("AAPL", 60), "still cooling down just before the limit")

	clock.Advance(2 * time.Nanosecond)
	assert.False(t, ds.SymbolInCooldown("AAPL", 60), "eligible right after the limit")

	assert.False(t, ds.SymbolInCooldown("MSFT", 60))
}

func TestHaltTrading_Idempotent(t *testing.T) {
	store := &MemoryStore{}
	clock := &fakeClock{t: time.Now()}
	ds := newTestState(t, store, clock)
	saves := store.Saves

	changed, err := ds.HaltTrading()
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = ds.HaltTrading()
	require.NoError(t, err)
	assert.False(t, changed)

	assert.True(t, ds.TradingHalted())
	assert.Equal(t, saves+1, store.Saves)
}

func TestMutationsArePersistedBeforeReturn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	clock := &fakeClock{t: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)}
	ds := newTestState(t, NewFileStore(path), clock)

	_, err := ds.ResetForDay(clock.Now(), 100_000)
	require.NoError(t, err)
	require.NoError(t, ds.RecordTrade())
	require.NoError(t, ds.RecordSymbolTrade("NVDA"))

	// 模拟重启：从同一文件恢复
	restored := newTestState(t, NewFileStore(path), clock)
	assert.Equal(t, "2024-03-01", restored.TradingDay())
	assert.True(t, restored.HasTradedSymbol("NVDA"))
	assert.Equal(t, 1, restored.Record().TradesExecuted)
	eq, ok := restored.StartEquity()
	require.True(t, ok)
	assert.Equal(t, 100_000.0, eq)
}

func TestSummary(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	ds := newTestState(t, &MemoryStore{}, clock)

	s := ds.Summary(100_000)
	assert.Equal(t, 0, s.Trades)
	require.NotNil(t, s.ProfitFactor)
	assert.Equal(t, 0.0, *s.ProfitFactor)

	require.NoError(t, ds.UpdateMetrics("AAPL", 300, 100, 103))
	s = ds.Summary(100_300)
	assert.Nil(t, s.ProfitFactor, "no losses with wins means an unbounded profit factor")

	require.NoError(t, ds.UpdateMetrics("MSFT", -100, 100, 99))
	s = ds.Summary(100_200)
	assert.Equal(t, 2, s.Trades)
	assert.Equal(t, 50.0, s.WinRate)
	assert.Equal(t, 300.0, s.AvgWin)
	assert.Equal(t, -100.0, s.AvgLoss)
	assert.InDelta(t, 100.0, s.Expectancy, 1e-9)
	require.NotNil(t, s.ProfitFactor)
	assert.Equal(t, 3.0, *s.ProfitFactor)
}
