// Package logger configures the process-wide slog logger and provides
// context- and component-scoped helpers.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey struct{}

func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if requestID, ok := ctx.Value(contextKey{}).(string); ok {
		logger = logger.With("request_id", requestID)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Printf adapts slog to the printf-style logger interface expected by
// embedded storage engines (Errorf, Warningf, Infof, Debugf).
type Printf struct {
	logger *slog.Logger
}

func NewPrintf(component string) *Printf {
	return &Printf{logger: WithComponent(component)}
}

func (p *Printf) Errorf(format string, args ...any) {
	p.logger.Error(trim(format, args))
}

func (p *Printf) Warningf(format string, args ...any) {
	p.logger.Warn(trim(format, args))
}

func (p *Printf) Infof(format string, args ...any) {
	p.logger.Info(trim(format, args))
}

func (p *Printf) Debugf(format string, args ...any) {
	p.logger.Debug(trim(format, args))
}

func trim(format string, args []any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
