package llm

import (
	"fmt"
)

// DefaultHistoryTurns is how many trailing turns of a multi-turn request
// are actually sent. Older turns are silently dropped; callers needing
// full history persist it separately.
const DefaultHistoryTurns = 20

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates typed content blocks inside a turn.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockImage    BlockType = "image"
	BlockDocument BlockType = "document"
)

// ContentBlock is one typed unit of turn content. Text blocks carry
// Text; image and document blocks carry a media type plus base64 data.
type ContentBlock struct {
	Type      BlockType `json:"type"`
	Text      string    `json:"text,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// Turn is one prior message in a multi-turn request. Content may be
// plain text (Text set, Blocks nil) or a list of typed blocks.
type Turn struct {
	Role   Role
	Text   string
	Blocks []ContentBlock
}

// Request describes one model invocation: either a single Prompt or an
// ordered list of Turns. Exactly one of the two should be populated.
type Request struct {
	Model  string
	System string

	Prompt string
	Turns  []Turn

	MaxTokens   int
	Temperature float64

	// Tools advertised for this invocation (nil for plain generation).
	Tools []ToolDefinition

	// MaxHistoryTurns bounds how many trailing Turns are sent.
	// Zero means DefaultHistoryTurns.
	MaxHistoryTurns int

	// JSONResponse asks for structured output on non-streaming calls:
	// the response text is run through the layered extraction strategy
	// and the invocation fails with a structured-extraction error when
	// no layer yields valid JSON. Ignored by InvokeStreaming, whose
	// deltas are already forwarded verbatim.
	JSONResponse bool
}

// ToolDefinition is the provider-facing tool schema entry.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
}

// Validate checks preconditions that must fail before any network call.
func (r *Request) Validate() error {
	if r.Prompt == "" && len(r.Turns) == 0 {
		return NewInvocationError(KindValidation, fmt.Errorf("request has neither prompt nor turns"))
	}
	if len(r.Turns) > 0 && r.Turns[len(r.Turns)-1].Role != RoleUser {
		return NewInvocationError(KindValidation, fmt.Errorf("last turn must be a user turn, got %q", r.Turns[len(r.Turns)-1].Role))
	}
	return nil
}

// boundedTurns returns the trailing window of turns actually sent.
func (r *Request) boundedTurns() []Turn {
	limit := r.MaxHistoryTurns
	if limit <= 0 {
		limit = DefaultHistoryTurns
	}
	if len(r.Turns) <= limit {
		return r.Turns
	}
	return r.Turns[len(r.Turns)-limit:]
}

// Usage is the token accounting reported once the stream ends.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolInvocation is one fully-assembled tool call extracted from the
// stream: the name plus the concatenated, parsed argument JSON.
type ToolInvocation struct {
	ID         string
	Name       string
	Parameters []byte
}

// Response is the terminal result of an invocation.
type Response struct {
	Text       string
	ToolCalls  []ToolInvocation
	Usage      Usage
	StopReason string
}
