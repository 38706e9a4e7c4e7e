package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InvocationRow is one recorded model invocation attempt.
type InvocationRow struct {
	ConversationID   string
	SessionID        string
	Model            string
	Streaming        bool
	Outcome          string
	LatencyMS        int64
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// InvocationStore persists invocation records.
type InvocationStore struct {
	db *sql.DB
}

func NewInvocationStore(db *sql.DB) *InvocationStore {
	return &InvocationStore{db: db}
}

func (s *InvocationStore) Insert(ctx context.Context, row InvocationRow) error {
	var promptTokens, completionTokens, totalTokens sql.NullInt32
	if row.PromptTokens != nil {
		promptTokens = sql.NullInt32{Int32: int32(*row.PromptTokens), Valid: true}
	}
	if row.CompletionTokens != nil {
		completionTokens = sql.NullInt32{Int32: int32(*row.CompletionTokens), Valid: true}
	}
	if row.TotalTokens != nil {
		totalTokens = sql.NullInt32{Int32: int32(*row.TotalTokens), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_invocations (
			conversation_id, session_id, model, streaming, outcome,
			latency_ms, prompt_tokens, completion_tokens, total_tokens
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.ConversationID, row.SessionID, row.Model, row.Streaming, row.Outcome,
		row.LatencyMS, promptTokens, completionTokens, totalTokens)
	if err != nil {
		return fmt.Errorf("insert invocation record: %w", err)
	}
	return nil
}

// CountSince returns invocation attempts for a conversation since the
// given time.
func (s *InvocationStore) CountSince(ctx context.Context, conversationID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM model_invocations
		WHERE conversation_id = $1 AND created_at >= $2`,
		conversationID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count invocations: %w", err)
	}
	return count, nil
}

// TokenTotalsSince returns summed token usage for a conversation since
// the given time. Rows without usage data count as zero.
func (s *InvocationStore) TokenTotalsSince(ctx context.Context, conversationID string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(total_tokens) FROM model_invocations
		WHERE conversation_id = $1 AND created_at >= $2`,
		conversationID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum token usage: %w", err)
	}
	return total.Int64, nil
}
