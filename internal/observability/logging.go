// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// CorrelationID is the context key carrying the per-request correlation ID.
const CorrelationID LogContextKey = "correlation_id"

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationID).(string); ok {
		return id
	}
	return ""
}

// RepoLogger provides structured logging for repository operations.
type RepoLogger struct {
	tableName string
	logger    *Logger
}

// NewRepoLogger creates a new RepoLogger for the given table.
func NewRepoLogger(tableName string) *RepoLogger {
	return &RepoLogger{
		tableName: tableName,
		logger:    GlobalLogger,
	}
}

// LogError logs a repository error.
func (l *RepoLogger) LogError(ctx context.Context, err error, operation string) {
	l.logger.ErrorContext(ctx, "repository error",
		slog.String("table", l.tableName),
		slog.String("operation", operation),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
		slog.String("error", err.Error()),
	)
}

// RealtimeLogger provides structured logging for realtime subscription events.
type RealtimeLogger struct {
	component string
	logger    *Logger
}

// NewRealtimeLogger creates a new RealtimeLogger for the given component.
func NewRealtimeLogger(component string) *RealtimeLogger {
	return &RealtimeLogger{
		component: component,
		logger:    GlobalLogger,
	}
}

// LogSubscribe logs a feed subscription event.
func (l *RealtimeLogger) LogSubscribe(ctx context.Context, roomID uint, feed string) {
	l.logger.InfoContext(ctx, "feed subscribed",
		slog.String("component", l.component),
		slog.Uint64("room_id", uint64(roomID)),
		slog.String("feed", feed),
	)
}

// LogUnsubscribe logs a feed teardown event.
func (l *RealtimeLogger) LogUnsubscribe(ctx context.Context, roomID uint, feed string) {
	l.logger.InfoContext(ctx, "feed unsubscribed",
		slog.String("component", l.component),
		slog.Uint64("room_id", uint64(roomID)),
		slog.String("feed", feed),
	)
}

// LogDroppedEvent logs an event that could not be delivered downstream.
func (l *RealtimeLogger) LogDroppedEvent(ctx context.Context, roomID uint, feed, reason string) {
	l.logger.WarnContext(ctx, "realtime event dropped",
		slog.String("component", l.component),
		slog.Uint64("room_id", uint64(roomID)),
		slog.String("feed", feed),
		slog.String("reason", reason),
	)
}

// LogError logs a realtime transport error.
func (l *RealtimeLogger) LogError(ctx context.Context, roomID uint, feed string, err error) {
	l.logger.ErrorContext(ctx, "realtime error",
		slog.String("component", l.component),
		slog.Uint64("room_id", uint64(roomID)),
		slog.String("feed", feed),
		slog.String("error", err.Error()),
	)
}

// WSLogger provides structured logging for WebSocket operations.
type WSLogger struct {
	hubName string
	logger  *Logger
}

// NewWSLogger creates a new WSLogger for the given hub.
func NewWSLogger(hubName string) *WSLogger {
	return &WSLogger{
		hubName: hubName,
		logger:  GlobalLogger,
	}
}

// LogConnect logs a WebSocket connection event.
func (l *WSLogger) LogConnect(ctx context.Context, userID uint) {
	l.logger.InfoContext(ctx, "websocket connected",
		slog.String("hub", l.hubName),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogDisconnect logs a WebSocket disconnection event.
func (l *WSLogger) LogDisconnect(ctx context.Context, userID uint, reason string) {
	l.logger.InfoContext(ctx, "websocket disconnected",
		slog.String("hub", l.hubName),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("reason", reason),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogError logs a WebSocket error event.
func (l *WSLogger) LogError(ctx context.Context, userID uint, err error, eventType string) {
	l.logger.ErrorContext(ctx, "websocket error",
		slog.String("hub", l.hubName),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}
