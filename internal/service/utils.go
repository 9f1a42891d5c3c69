package service

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// StringToFloat 解析券商返回的数字字符串，空串视为 0
func StringToFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func StringToInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// RoundPrice 价格保留 places 位小数 (四舍五入)
func RoundPrice(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// 将 time.Duration 格式化为 Alpaca 的 timeframe 字符串，如 "5Min", "1Hour", "1Day"
func FormatTimeframe(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dDay", d/(24*time.Hour))
	}
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dHour", d/time.Hour)
	}
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dMin", d/time.Minute)
	}
	// 不支持秒级周期，退回 1 分钟
	return "1Min"
}

// ParseClock 将 "HH:MM" 解析为距当天零点的偏移
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM): %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// SinceMidnight now 在其所在时区距当天零点的偏移
func SinceMidnight(now time.Time) time.Duration {
	h, m, s := now.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second +
		time.Duration(now.Nanosecond())
}

// StartOfDay now 所在日期在 loc 时区的零点
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
