// Package logger 提供引擎统一的 zap 日志构造。
// 所有进程内组件通过 Named 子 logger 区分来源，默认字段标识实例。
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger 创建引擎根 Logger
// level: "debug", "info", "warn", "error" (默认: "info")
// format: "json" 或 "console" (默认: "json")
// serviceName: 服务名称，作为全局字段附加到每条日志
func NewLogger(level string, format string, serviceName string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var config zap.Config
	if format == "console" {
		// 本地调试用控制台输出
		config = zap.NewDevelopmentConfig()
	} else {
		// 生产 JSON 输出，写标准输出交给容器日志收集
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	baseLogger, err := config.Build(zap.Fields(instanceFields(serviceName)...))
	if err != nil {
		return nil, err
	}
	return baseLogger, nil
}

// instanceFields 组装实例级默认字段。引擎常多副本部署并共抢延迟队列，
// 主机名和进程号用于在汇聚日志里定位是哪个实例抢到了任务。
func instanceFields(serviceName string) []zap.Field {
	fields := []zap.Field{zap.Int("pid", os.Getpid())}
	if serviceName != "" {
		fields = append(fields, zap.String("service_name", serviceName))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		fields = append(fields, zap.String("hostname", hostname))
	}
	return fields
}
