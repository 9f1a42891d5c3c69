package service

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 是全局日志接口
// 在其他模块中使用：service.Logger.Info("Order submitted", zap.String("symbol", sym))
var Logger = zap.NewNop()

// InitLogger 初始化高性能的 Zap 日志，extra 中的 core (如遥测日志缓冲) 会与标准输出并联
func InitLogger(level string, extra ...zapcore.Core) {
	// 配置 Zap 日志
	config := zap.NewProductionConfig()

	// 格式化时间
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			log.Fatalf("Invalid log level %q: %v", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	var err error
	Logger, err = config.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		if len(extra) == 0 {
			return core
		}
		return zapcore.NewTee(append([]zapcore.Core{core}, extra...)...)
	}))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
}
