package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

// Config controls logger initialization
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

var (
	mu         sync.RWMutex
	baseLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// InitLogging initializes logging
func InitLogging(cfg Config) {
	InitLoggingWithWriter(cfg, os.Stdout)
}

// InitLoggingWithWriter initializes logging with a custom writer
func InitLoggingWithWriter(cfg Config, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339

	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	baseLogger = zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the base logger
func Logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := baseLogger
	return &l
}

// WithCorrelationID stores the correlation id in the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id carried by ctx, if any
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// Ctx returns a logger enriched with the correlation id from ctx
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Logger()
	if id := CorrelationID(ctx); id != "" {
		enriched := l.With().Str("correlation_id", id).Logger()
		return &enriched
	}
	return l
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	Logger().Info().Msgf(format, v...)
}

// Warnf logs warn level messages
func Warnf(format string, v ...interface{}) {
	Logger().Warn().Msgf(format, v...)
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	Logger().Error().Msgf(format, v...)
}

// Debugf logs debug level messages
func Debugf(format string, v ...interface{}) {
	Logger().Debug().Msgf(format, v...)
}
