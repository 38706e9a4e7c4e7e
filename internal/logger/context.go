package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithConversationID adds a conversation ID to the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ContextKeyConversationID, conversationID)
}

// WithSessionID adds a visitor session ID to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithOperation adds an operation name to the context.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, operation)
}

// ConversationIDFromContext returns the conversation ID, if set.
func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyConversationID).(string)
	return id
}

// SessionIDFromContext returns the visitor session ID, if set.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeySessionID).(string)
	return id
}

// GenerateRequestID generates a new request ID.
func GenerateRequestID() string {
	requestID := uuid.New()
	return requestID.String()
}
