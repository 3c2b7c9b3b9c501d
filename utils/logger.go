package utils

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	tenantIDKey      contextKey = "tenant_id"
	userIDKey        contextKey = "user_id"
)

type Logger struct {
	service string
}

var (
	baseMu sync.RWMutex
	base   = newBaseLogger()
)

var defaultLogger = &Logger{service: "inboxflow"}

func newBaseLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = zapcore.DebugLevel
	}
	l, err := buildLogger(level)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func buildLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// ConfigureLogger rebuilds the base logger at level ("debug", "info", ...).
func ConfigureLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	l, err := buildLogger(lvl)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger replaces the zap logger backing every Logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	baseMu.Lock()
	base = l
	baseMu.Unlock()
}

func Sync() {
	baseMu.RLock()
	defer baseMu.RUnlock()
	_ = base.Sync()
}

func NewLogger(service string) *Logger {
	return &Logger{service: service}
}

func (l *Logger) Debug(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.DebugLevel, message, fields...)
}

func (l *Logger) Info(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.InfoLevel, message, fields...)
}

func (l *Logger) Warn(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.WarnLevel, message, fields...)
}

func (l *Logger) Error(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, zapcore.ErrorLevel, message, fields...)
}

func (l *Logger) log(ctx context.Context, level zapcore.Level, message string, fields ...map[string]interface{}) {
	baseMu.RLock()
	zl := base
	baseMu.RUnlock()

	if ce := zl.Check(level, message); ce != nil {
		ce.Write(l.fields(ctx, fields...)...)
	}
}

func (l *Logger) fields(ctx context.Context, extra ...map[string]interface{}) []zap.Field {
	out := []zap.Field{zap.String("service", l.service)}
	if ctx != nil {
		if id := GetCorrelationID(ctx); id != "" {
			out = append(out, zap.String("correlation_id", id))
		}
		if id := GetTenantID(ctx); id != "" {
			out = append(out, zap.String("tenant_id", id))
		}
		if id := GetUserID(ctx); id != "" {
			out = append(out, zap.String("user_id", id))
		}
	}
	if len(extra) == 0 || extra[0] == nil {
		return out
	}

	keys := make([]string, 0, len(extra[0]))
	for k := range extra[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := extra[0][k]
		if isSensitiveKey(k) {
			if s, ok := v.(string); ok {
				v = MaskSecret(s)
			}
		}
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

var sensitiveKeys = []string{"secret", "token", "api_key", "password", "authorization", "hmac"}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// MaskSecret keeps only the last four characters of value.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}

func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func Debug(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Debug(ctx, message, fields...)
}

func Info(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Info(ctx, message, fields...)
}

func Warn(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Warn(ctx, message, fields...)
}

func Error(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Error(ctx, message, fields...)
}
