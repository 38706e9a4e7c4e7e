// Package engine drives one conversation turn end to end: safety gate,
// model stream, normalized outward events, and terminal persistence.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hatchbot-ai/engine/internal/llm"
)

// MessageStatus is the lifecycle of one persisted message. Statuses
// only move forward; failed is terminal from any state.
type MessageStatus string

const (
	StatusSent       MessageStatus = "sent"
	StatusProcessing MessageStatus = "processing"
	StatusStreaming  MessageStatus = "streaming"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// Message is one persisted transcript entry.
type Message struct {
	ID        string        `json:"id"`
	Role      llm.Role      `json:"role"`
	Text      string        `json:"text"`
	Status    MessageStatus `json:"status"`
	Usage     *llm.Usage    `json:"usage,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Conversation is an ordered message sequence owned by one chatbot and
// one visitor session.
type Conversation struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// maxMessages bounds a conversation; older messages are pruned once the
// cap is exceeded.
const maxMessages = 200

// Store is the in-memory conversation store: the single source of truth
// for persisted transcripts. Messages are only appended, never
// rewritten.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	now           func() time.Time
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
		now:           time.Now,
	}
}

// GetOrCreate returns the conversation, creating it on first use. An
// empty id mints a new conversation.
func (s *Store) GetOrCreate(id string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	conv, ok := s.conversations[id]
	if !ok {
		conv = &Conversation{ID: id}
		s.conversations[id] = conv
	}
	return s.snapshot(conv)
}

// Get returns a copy of the conversation, if it exists.
func (s *Store) Get(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	return s.snapshot(conv), true
}

// Append persists one message, assigning a server id, and returns the
// stored copy.
func (s *Store) Append(conversationID string, msg Message) (Message, error) {
	if conversationID == "" {
		return Message{}, fmt.Errorf("append message: missing conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID}
		s.conversations[conversationID] = conv
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	conv.Messages = append(conv.Messages, msg)

	if len(conv.Messages) > maxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-maxMessages:]
	}

	return msg, nil
}

// SetTitle stores a lazily generated title. Implements title.Sink.
func (s *Store) SetTitle(_ context.Context, conversationID, newTitle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("set title: unknown conversation %s", conversationID)
	}
	conv.Title = newTitle
	return nil
}

// TurnCount returns how many user turns the conversation holds.
func (s *Store) TurnCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0
	}
	count := 0
	for _, m := range conv.Messages {
		if m.Role == llm.RoleUser {
			count++
		}
	}
	return count
}

// History returns the conversation as model turns, oldest first. Failed
// messages are excluded: they never feed the next turn.
func (s *Store) History(conversationID string) []llm.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}

	turns := make([]llm.Turn, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.Status == StatusFailed {
			continue
		}
		turns = append(turns, llm.Turn{Role: m.Role, Text: m.Text})
	}
	return turns
}

// snapshot copies a conversation so callers never alias store state.
func (s *Store) snapshot(conv *Conversation) *Conversation {
	out := &Conversation{ID: conv.ID, Title: conv.Title}
	out.Messages = make([]Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	return out
}

// IDs returns all conversation ids, sorted for stable listings.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
