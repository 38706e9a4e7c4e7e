package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hatchbot-ai/engine/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

// sseBody joins wire frames into an SSE response body.
func sseBody(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return b.String()
}

func newSSEServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
}

func TestInvokeStreamingContentOrder(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":12}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Our plans "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"start at "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"$29/month."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	)
	server := newSSEServer(t, body)
	defer server.Close()

	client := NewClient(server.URL, "test-key", testLogger())

	var chunks []string
	resp, err := client.InvokeStreaming(context.Background(), &Request{
		Model:  "test-model",
		Prompt: "What's your pricing?",
	}, StreamCallbacks{
		OnText: func(text string) { chunks = append(chunks, text) },
	})
	if err != nil {
		t.Fatalf("InvokeStreaming failed: %v", err)
	}

	// Concatenating all deltas must equal the final text.
	if joined := strings.Join(chunks, ""); joined != resp.Text {
		t.Errorf("delta concatenation %q != final text %q", joined, resp.Text)
	}
	if resp.Text != "Our plans start at $29/month." {
		t.Errorf("unexpected final text: %q", resp.Text)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 9 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("unexpected stop reason: %q", resp.StopReason)
	}
}

func TestInvokeStreamingToolReassembly(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":5}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"capture_lead"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"email\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"a@b.co\""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":4}}`,
	)
	server := newSSEServer(t, body)
	defer server.Close()

	client := NewClient(server.URL, "test-key", testLogger())

	var invocations []ToolInvocation
	resp, err := client.InvokeStreaming(context.Background(), &Request{
		Model:  "test-model",
		Prompt: "I'd like someone to contact me",
	}, StreamCallbacks{
		OnToolUse: func(inv ToolInvocation) { invocations = append(invocations, inv) },
	})
	if err != nil {
		t.Fatalf("InvokeStreaming failed: %v", err)
	}

	if len(invocations) != 1 {
		t.Fatalf("expected exactly one invocation, got %d", len(invocations))
	}
	if invocations[0].Name != "capture_lead" {
		t.Errorf("unexpected tool name: %s", invocations[0].Name)
	}
	if string(invocations[0].Parameters) != `{"email":"a@b.co"}` {
		t.Errorf("unexpected parameters: %s", invocations[0].Parameters)
	}
	if len(resp.ToolCalls) != 1 {
		t.Errorf("expected one tool call on the response, got %d", len(resp.ToolCalls))
	}
}

func TestInvokeStreamingMalformedToolDropped(t *testing.T) {
	body := sseBody(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"capture_lead"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"broken\": "}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Happy to help."}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
	)
	server := newSSEServer(t, body)
	defer server.Close()

	client := NewClient(server.URL, "test-key", testLogger())

	toolCalls := 0
	resp, err := client.InvokeStreaming(context.Background(), &Request{
		Model:  "test-model",
		Prompt: "hi",
	}, StreamCallbacks{
		OnToolUse: func(ToolInvocation) { toolCalls++ },
	})
	// A malformed tool call degrades gracefully; the turn succeeds.
	if err != nil {
		t.Fatalf("turn must not fail on a malformed tool call: %v", err)
	}
	if toolCalls != 0 {
		t.Errorf("malformed tool call must be dropped, got %d invocations", toolCalls)
	}
	if resp.Text != "Happy to help." {
		t.Errorf("text content must survive the dropped tool call, got %q", resp.Text)
	}
}

func TestLastTurnMustBeUser(t *testing.T) {
	// Precondition failures are raised before any network call.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call may happen for an invalid request")
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", testLogger())

	_, err := client.InvokeStreaming(context.Background(), &Request{
		Model: "test-model",
		Turns: []Turn{
			{Role: RoleUser, Text: "hello"},
			{Role: RoleAssistant, Text: "hi there"},
		},
	}, StreamCallbacks{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Kind != KindValidation {
		t.Errorf("expected %s, got %v", KindValidation, err)
	}
	if ie.Retryable() {
		t.Error("validation errors must not be retryable")
	}
}

func TestErrorKindMapping(t *testing.T) {
	cases := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusTooManyRequests, KindThrottling, true},
		{http.StatusBadRequest, KindValidation, false},
		{http.StatusForbidden, KindAccessDenied, false},
		{http.StatusNotFound, KindModelNotFound, false},
		{http.StatusInternalServerError, KindUnknown, false},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, `{"error":{"type":"x","message":"upstream detail"}}`)
		}))

		client := NewClient(server.URL, "test-key", testLogger())
		_, err := client.Invoke(context.Background(), &Request{Model: "m", Prompt: "p"})
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		var ie *InvocationError
		if !errors.As(err, &ie) {
			t.Fatalf("status %d: expected InvocationError, got %T", tc.status, err)
		}
		if ie.Kind != tc.kind {
			t.Errorf("status %d: expected kind %s, got %s", tc.status, tc.kind, ie.Kind)
		}
		if ie.Retryable() != tc.retryable {
			t.Errorf("status %d: expected retryable=%t", tc.status, tc.retryable)
		}
	}
}

func newJSONServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
}

func TestInvokeJSONResponseExtraction(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"direct", `{"score": 7}`, `{"score": 7}`},
		{"fenced", "Here you go:\n```json\n{\"score\": 7}\n```\nAnything else?", `{"score": 7}`},
		{"embedded", `The result is {"score": 7} as requested.`, `{"score": 7}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(map[string]interface{}{
				"id":          "msg_1",
				"content":     []map[string]string{{"type": "text", "text": tc.text}},
				"stop_reason": "end_turn",
				"usage":       map[string]int{"input_tokens": 3, "output_tokens": 5},
			})
			if err != nil {
				t.Fatal(err)
			}
			server := newJSONServer(t, string(body))
			defer server.Close()

			client := NewClient(server.URL, "test-key", testLogger())
			resp, err := client.Invoke(context.Background(), &Request{
				Model:        "m",
				Prompt:       "score this",
				JSONResponse: true,
			})
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if resp.Text != tc.want {
				t.Errorf("extracted text = %q, want %q", resp.Text, tc.want)
			}
		})
	}
}

func TestInvokeJSONResponseProseFails(t *testing.T) {
	server := newJSONServer(t,
		`{"id":"msg_1","content":[{"type":"text","text":"Sure! Happy to help with that."}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`)
	defer server.Close()

	client := NewClient(server.URL, "test-key", testLogger())
	_, err := client.Invoke(context.Background(), &Request{
		Model:        "m",
		Prompt:       "score this",
		JSONResponse: true,
	})
	if err == nil {
		t.Fatal("expected a structured-extraction failure for prose output")
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Kind != KindStructuredExtraction {
		t.Errorf("expected %s, got %v", KindStructuredExtraction, err)
	}
	if ie.Retryable() {
		t.Error("extraction failures must not be retryable")
	}
}

func TestInvokeWithoutJSONResponseLeavesProse(t *testing.T) {
	server := newJSONServer(t,
		`{"id":"msg_1","content":[{"type":"text","text":"Sure! Happy to help with that."}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`)
	defer server.Close()

	client := NewClient(server.URL, "test-key", testLogger())
	resp, err := client.Invoke(context.Background(), &Request{Model: "m", Prompt: "chat"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Text != "Sure! Happy to help with that." {
		t.Errorf("unexpected text: %q", resp.Text)
	}
}

func TestHistoryBounding(t *testing.T) {
	turns := make([]Turn, 0, 25)
	for i := 0; i < 25; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Text: fmt.Sprintf("turn %d", i)})
	}
	// 25 turns ending on an even index (user).
	req := &Request{Model: "m", Turns: turns[:25]}

	bounded := req.boundedTurns()
	if len(bounded) != DefaultHistoryTurns {
		t.Fatalf("expected %d turns, got %d", DefaultHistoryTurns, len(bounded))
	}
	// Oldest turns are the ones dropped.
	if bounded[len(bounded)-1].Text != "turn 24" {
		t.Errorf("last turn must be preserved, got %q", bounded[len(bounded)-1].Text)
	}
	if bounded[0].Text != "turn 5" {
		t.Errorf("expected window to start at turn 5, got %q", bounded[0].Text)
	}
}
