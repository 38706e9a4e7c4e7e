package llm

// Wire-level frames of the model's SSE stream. Each data: line carries
// one JSON object whose "type" field discriminates the frame.
const (
	eventMessageStart      = "message_start"
	eventContentBlockStart = "content_block_start"
	eventContentBlockDelta = "content_block_delta"
	eventContentBlockStop  = "content_block_stop"
	eventMessageDelta      = "message_delta"
	eventMessageStop       = "message_stop"
	eventError             = "error"

	deltaText        = "text_delta"
	deltaPartialJSON = "input_json_delta"

	blockTypeToolUse = "tool_use"
)

type wireEvent struct {
	Type string `json:"type"`

	// message_start
	Message *wireMessage `json:"message,omitempty"`

	// content_block_start / content_block_delta / content_block_stop
	Index        int               `json:"index"`
	ContentBlock *wireContentBlock `json:"content_block,omitempty"`

	// content_block_delta and message_delta
	Delta *wireDelta `json:"delta,omitempty"`

	// message_delta
	Usage *wireUsage `json:"usage,omitempty"`

	// error
	Error *wireError `json:"error,omitempty"`
}

type wireMessage struct {
	ID    string     `json:"id"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type wireContentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Non-streaming response body.
type wireResponse struct {
	ID         string            `json:"id"`
	Content    []wireContentFull `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      wireUsage         `json:"usage"`
	Error      *wireError        `json:"error,omitempty"`
}

type wireContentFull struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}
