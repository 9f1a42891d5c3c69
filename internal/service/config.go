// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全部运行参数，启动时注入，运行期间不变
type Config struct {
	Exchange ExchangeConfig `mapstructure:"Exchange"`
	Session  SessionConfig  `mapstructure:"Session"`
	Strategy StrategyConfig `mapstructure:"Strategy"`
	Universe UniverseConfig `mapstructure:"Universe"`
	Risk     RiskConfig     `mapstructure:"Risk"`
	API      APIConfig      `mapstructure:"API"`
	Log      LogConfig      `mapstructure:"Log"`
}

// ExchangeConfig 定义了券商的连接信息 (密钥见 Credentials)
type ExchangeConfig struct {
	Name           string
	DataURL        string
	BarTimeframe   time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// SessionConfig 交易时段与循环节奏
type SessionConfig struct {
	Timezone      string
	WindowStart   string // "09:45"
	WindowEnd     string // "15:30"
	CheckInterval time.Duration
	StateFile     string
}

// StrategyConfig 入场信号参数
type StrategyConfig struct {
	EMAFast              int
	EMASlow              int
	PullbackTolerancePct float64
	MinVolumeRatio       float64
}

// UniverseConfig 标的池扫描参数
type UniverseConfig struct {
	ScanLimit            int // 上游限频的硬上限
	TopN                 int
	MinBars              int
	BarLimit             int
	MaxSymbolLen         int
	VolumeAccelThreshold float64
	Benchmarks           []string
	BenchmarkBarLimit    int
}

// RiskConfig 定义了风控参数
type RiskConfig struct {
	StopLossPct         float64
	TrailTriggerPct     float64
	TrailOffsetPct      float64
	RiskPerTradePct     float64
	AggressiveRiskPct   float64
	Aggressive          bool
	MaxPositionPct      float64
	DailyLossLimit      float64
	IntradayEquityGuard float64
	MaxTotalExposurePct float64
	SymbolCooldownMin   int
	MinBarDollarVolume  float64
	MaxSpreadPct        float64
	MaxSpreadAbs        float64
	PositionBarLimit    int
}

// APIConfig 遥测 HTTP 服务
type APIConfig struct {
	Host          string
	Port          int
	LogBufferSize int
}

type LogConfig struct {
	Level string
}

// Location 解析交易时区
func (s SessionConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

// Window 返回交易窗口的起止 (一天内的偏移量)
func (s SessionConfig) Window() (start, end time.Duration, err error) {
	if start, err = ParseClock(s.WindowStart); err != nil {
		return 0, 0, err
	}
	if end, err = ParseClock(s.WindowEnd); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// Addr gin 监听地址
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Exchange.Name", "alpaca")
	v.SetDefault("Exchange.DataURL", "https://data.alpaca.markets")
	v.SetDefault("Exchange.BarTimeframe", 5*time.Minute)
	v.SetDefault("Exchange.RequestTimeout", 10*time.Second)
	v.SetDefault("Exchange.MaxRetries", 2)
	v.SetDefault("Exchange.RetryBackoff", 500*time.Millisecond)

	v.SetDefault("Session.Timezone", "America/New_York")
	v.SetDefault("Session.WindowStart", "09:45") // 避开开盘前 15 分钟
	v.SetDefault("Session.WindowEnd", "15:30")   // 收盘前 30 分钟全部离场
	v.SetDefault("Session.CheckInterval", 60*time.Second)
	v.SetDefault("Session.StateFile", "bot_state.json")

	v.SetDefault("Strategy.EMAFast", 21)
	v.SetDefault("Strategy.EMASlow", 50)
	v.SetDefault("Strategy.PullbackTolerancePct", 0.003)
	v.SetDefault("Strategy.MinVolumeRatio", 1.2)

	v.SetDefault("Universe.ScanLimit", 40)
	v.SetDefault("Universe.TopN", 20)
	v.SetDefault("Universe.MinBars", 60)
	v.SetDefault("Universe.BarLimit", 120)
	v.SetDefault("Universe.MaxSymbolLen", 4)
	v.SetDefault("Universe.VolumeAccelThreshold", 1.5)
	v.SetDefault("Universe.Benchmarks", []string{"SPY", "QQQ"})
	v.SetDefault("Universe.BenchmarkBarLimit", 120)

	v.SetDefault("Risk.StopLossPct", 0.007)
	v.SetDefault("Risk.TrailTriggerPct", 0.01)
	v.SetDefault("Risk.TrailOffsetPct", 0.012)
	v.SetDefault("Risk.RiskPerTradePct", 0.0075)
	v.SetDefault("Risk.AggressiveRiskPct", 0.01)
	v.SetDefault("Risk.Aggressive", false)
	v.SetDefault("Risk.MaxPositionPct", 0.1)
	v.SetDefault("Risk.DailyLossLimit", 0.02)
	v.SetDefault("Risk.IntradayEquityGuard", 0.015)
	v.SetDefault("Risk.MaxTotalExposurePct", 0.5)
	v.SetDefault("Risk.SymbolCooldownMin", 60)
	v.SetDefault("Risk.MinBarDollarVolume", 2_000_000)
	v.SetDefault("Risk.MaxSpreadPct", 0.0015)
	v.SetDefault("Risk.MaxSpreadAbs", 0.05)
	v.SetDefault("Risk.PositionBarLimit", 150)

	v.SetDefault("API.Host", "0.0.0.0")
	v.SetDefault("API.Port", 8000)
	v.SetDefault("API.LogBufferSize", 500)

	v.SetDefault("Log.Level", "info")
}

// DefaultConfig 只包含默认值的配置 (测试与无配置文件时使用)
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config does not decode: %v", err))
	}
	return &cfg
}

// LoadConfig 读取并解析配置文件 configPath/config.yaml，
// 环境变量 BOT_<SECTION>_<KEY> 可覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 设置配置文件的名称、类型和路径
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 查找并读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found in %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// 将配置绑定到结构体
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查启动期配置错误
func (c *Config) Validate() error {
	if _, err := c.Session.Location(); err != nil {
		return fmt.Errorf("invalid Session.Timezone %q: %w", c.Session.Timezone, err)
	}
	start, end, err := c.Session.Window()
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("Session.WindowEnd %s must be after WindowStart %s", c.Session.WindowEnd, c.Session.WindowStart)
	}
	if c.Session.CheckInterval <= 0 {
		return errors.New("Session.CheckInterval must be positive")
	}
	if c.Strategy.EMAFast <= 0 || c.Strategy.EMAFast >= c.Strategy.EMASlow {
		return fmt.Errorf("Strategy.EMAFast (%d) must be positive and below EMASlow (%d)", c.Strategy.EMAFast, c.Strategy.EMASlow)
	}
	if c.Universe.ScanLimit <= 0 || c.Universe.TopN <= 0 {
		return errors.New("Universe.ScanLimit and Universe.TopN must be positive")
	}

	pcts := map[string]float64{
		"Risk.StopLossPct":         c.Risk.StopLossPct,
		"Risk.TrailTriggerPct":     c.Risk.TrailTriggerPct,
		"Risk.TrailOffsetPct":      c.Risk.TrailOffsetPct,
		"Risk.RiskPerTradePct":     c.Risk.RiskPerTradePct,
		"Risk.MaxPositionPct":      c.Risk.MaxPositionPct,
		"Risk.DailyLossLimit":      c.Risk.DailyLossLimit,
		"Risk.IntradayEquityGuard": c.Risk.IntradayEquityGuard,
		"Risk.MaxTotalExposurePct": c.Risk.MaxTotalExposurePct,
	}
	for name, v := range pcts {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	return nil
}
