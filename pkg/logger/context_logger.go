package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	// RoomIDKey and PeerIDKey are set by the signaling server when a
	// connection is established, so every log line on that connection
	// carries the session identity.
	RoomIDKey    contextKey = "room_id"
	PeerIDKey    contextKey = "peer_id"
	RequestIDKey contextKey = "request_id"
)

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the session fields stored in ctx to the logger.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if roomID := ctx.Value(RoomIDKey); roomID != nil {
		if id, ok := roomID.(string); ok {
			fields = append(fields, zap.String("room_id", id))
		}
	}
	if peerID := ctx.Value(PeerIDKey); peerID != nil {
		if id, ok := peerID.(string); ok {
			fields = append(fields, zap.String("peer_id", id))
		}
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		if id, ok := requestID.(string); ok {
			fields = append(fields, zap.String("request_id", id))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// WithFields adds custom fields to logger
func (cl *ContextLogger) WithFields(fields ...zapcore.Field) *zap.Logger {
	return cl.logger.With(fields...)
}

// WithError adds error to logger
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}
