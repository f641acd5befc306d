// Package log is a thin wrapper around a process-wide zap logger.
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"valtimo-authz/internal/config"
)

const (
	FieldNameComponent    = "component"
	FieldNameResourceType = "resource_type"
	FieldNameAction       = "action"
)

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(zap.NewNop())
}

// Init builds the global logger from config. It is safe to call more than once.
func Init(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	ReplaceGlobal(logger)
	return logger, nil
}

// ReplaceGlobal swaps the global logger. Tests use it with zaptest/observer loggers.
func ReplaceGlobal(logger *zap.Logger) {
	global.Store(logger)
}

// L returns the global logger.
func L() *zap.Logger {
	return global.Load()
}

// With returns a child of the global logger carrying the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Sync flushes buffered log entries.
func Sync() {
	_ = L().Sync()
}

// FieldComponent returns a zap field with the component name.
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldResourceType returns a zap field with the authorization resource type.
func FieldResourceType(resourceType string) zap.Field {
	return zap.String(FieldNameResourceType, resourceType)
}

// FieldAction returns a zap field with the authorization action.
func FieldAction(action string) zap.Field {
	return zap.String(FieldNameAction, action)
}
