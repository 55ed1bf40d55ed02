package observ

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

func init() {
	logger = newDefaultLogger()
}

func newDefaultLogger() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.MessageKey = "event"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stdout), zapcore.InfoLevel)
	return zap.New(core)
}

// SetLogger overrides the package logger, used by cmd/ entry points to
// install sinks (file, syslog) beyond stdout.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func current() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Log emits one structured event at INFO, matching the shape every
// caller in this codebase already uses: an event name plus a bag of
// key/value context.
func Log(event string, kv map[string]any) {
	current().Info(event, fieldsFromMap(kv)...)
}

// Warn emits a structured event at WARNING.
func Warn(event string, kv map[string]any) {
	current().Warn(event, fieldsFromMap(kv)...)
}

// Critical emits a structured event at ERROR with a critical=true
// marker field, used for emergency alerts that must stand out in logs.
func Critical(event string, kv map[string]any) {
	fields := fieldsFromMap(kv)
	fields = append(fields, zap.Bool("critical", true))
	current().Error(event, fields...)
}

func fieldsFromMap(kv map[string]any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	fields := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// Sync flushes any buffered log entries, called on shutdown.
func Sync() error {
	return current().Sync()
}
