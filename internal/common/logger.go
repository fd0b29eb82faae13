package common

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

var logger *zap.Logger

// InitLogger 初始化全局日志系统
//
// development 模式输出彩色可读格式，否则输出生产 JSON 格式。
// LOG_LEVEL 环境变量可覆盖默认级别。
func InitLogger(development bool) error {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logLevel)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	built, err := config.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	logger = built
	return nil
}

// GetLogger 获取全局日志记录器，未初始化时退回开发配置
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// ComponentLogger 创建带组件标记的日志记录器
func ComponentLogger(component string) *zap.Logger {
	return GetLogger().With(zap.String("component", component))
}

// ContextWithLogger 把日志记录器挂到上下文，请求范围的字段随之向下传递
func ContextWithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFromContext 取出上下文携带的日志记录器，没有时退回全局
func LoggerFromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return GetLogger()
}

// Sync 刷新日志缓冲区
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
