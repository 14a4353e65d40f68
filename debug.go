package pulse

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the structured logger shared by a sync context and its
// adapters. Debug raises the level to debug. A non-empty path sends JSON
// logs to that file instead of stderr.
func NewLogger(debug bool, path string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Sampling = nil
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	if path != "" {
		config.OutputPaths = []string{path}
		config.ErrorOutputPaths = []string{path}
	} else {
		config.Encoding = "console"
		config.OutputPaths = []string{"stderr"}
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// DebugLogger provides debug logging for Pulse operations.
// When enabled, it logs transport traffic, reconciliation outcomes, and
// full error details. A nil *DebugLogger is valid and logs nothing.
type DebugLogger struct {
	enabled bool
	logger  *zap.Logger
}

// NewDebugLogger wraps a zap logger. A nil logger discards output.
func NewDebugLogger(enabled bool, logger *zap.Logger) *DebugLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DebugLogger{enabled: enabled, logger: logger.Named("pulse")}
}

// Close flushes buffered log entries.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	_ = l.logger.Sync()
	return nil
}

// Log writes a debug message if logging is enabled.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || !l.enabled {
		return
	}
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// LogRequest logs an outgoing transport call.
func (l *DebugLogger) LogRequest(adapter, op, table string, body []byte) {
	if l == nil || !l.enabled {
		return
	}
	fields := []zap.Field{zap.String("adapter", adapter), zap.String("op", op), zap.String("table", table)}
	if len(body) > 0 {
		fields = append(fields, zap.String("body", truncateForLog(string(body), 2000)))
	}
	l.logger.Debug("request", fields...)
}

// LogResponse logs the size of a transport result.
func (l *DebugLogger) LogResponse(adapter, op, table string, rows int) {
	if l == nil || !l.enabled {
		return
	}
	l.logger.Debug("response",
		zap.String("adapter", adapter),
		zap.String("op", op),
		zap.String("table", table),
		zap.Int("rows", rows),
	)
}

// LogError logs an error with full details. Errors are always recorded at
// warn level; Debug only controls the verbose channel.
func (l *DebugLogger) LogError(operation string, err error) {
	if l == nil || err == nil {
		return
	}
	l.logger.Warn(operation, zap.Error(err))
}

// LogSync logs reconciliation details.
func (l *DebugLogger) LogSync(operation string, details string) {
	if l == nil || !l.enabled {
		return
	}
	l.logger.Debug("sync", zap.String("op", operation), zap.String("details", details))
}

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
