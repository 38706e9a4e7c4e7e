package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/hatchbot-ai/engine/internal/config"
	"github.com/hatchbot-ai/engine/internal/engine"
	"github.com/hatchbot-ai/engine/internal/guard"
	"github.com/hatchbot-ai/engine/internal/leads"
	"github.com/hatchbot-ai/engine/internal/llm"
	"github.com/hatchbot-ai/engine/internal/logger"
	"github.com/hatchbot-ai/engine/internal/session"
	"github.com/hatchbot-ai/engine/internal/storage/local"
	"github.com/hatchbot-ai/engine/internal/stream"
	"github.com/hatchbot-ai/engine/internal/tools"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

type safeClassifier struct{}

func (safeClassifier) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: `{"isMalicious": false, "confidence": 0.02}`}},
		},
	}, nil
}

func modelBody(deltas ...string) string {
	frames := []string{
		`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":10}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
	}
	for _, d := range deltas {
		frames = append(frames, fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, d))
	}
	frames = append(frames,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	)
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return b.String()
}

type testEnv struct {
	server   *httptest.Server
	sessions *session.Store
	leads    *leads.MemoryStore
}

func newTestEnv(t *testing.T, body string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(model.Close)

	log := testLogger()
	kv, err := session.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	sessions := session.NewStore(kv, log)
	leadStore := leads.NewMemoryStore()
	leadSvc := leads.NewService(leadStore, log)

	gate := guard.NewAnalyzer(config.DefaultGuardPolicy(), safeClassifier{}, "classifier-model", log)
	client := llm.NewClient(model.URL, "test-key", log)
	orch := engine.NewOrchestrator(gate, client, engine.NewStore(), tools.NewRegistry(), "chat-model", log)

	uploads, err := local.NewStore(t.TempDir())
	require.NoError(t, err)

	handlers := NewHandlers(orch, sessions, leadSvc, log)
	router := NewRouter(handlers, uploads, &config.Config{CORSAllowedOrigins: "*"})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, sessions: sessions, leads: leadStore}
}

func postTurn(t *testing.T, env *testEnv, conversationID string, body TurnBody) (*http.Response, []stream.Event) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(env.server.URL+"/v1/conversations/"+conversationID+"/messages", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	var events []stream.Event
	reader := stream.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	return resp, events
}

func TestPostTurnStreamsNDJSON(t *testing.T) {
	env := newTestEnv(t, modelBody("Our plans ", "start at ", "$29/month."))

	resp, events := postTurn(t, env, "conv-1", TurnBody{Message: "What's your pricing?"})

	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Session-Id"))

	require.NotEmpty(t, events)
	require.Equal(t, stream.EventStart, events[0].Type)

	last := events[len(events)-1]
	require.Equal(t, stream.EventComplete, last.Type)
	require.Equal(t, "Our plans start at $29/month.", last.FinalText)
	require.NotEmpty(t, last.ServerMessageID)

	var joined strings.Builder
	for _, ev := range events {
		if ev.Type == stream.EventContent {
			joined.WriteString(ev.Text)
		}
	}
	require.Equal(t, last.FinalText, joined.String())
}

func TestPostTurnRejectsMissingMessage(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	resp, _ := postTurn(t, env, "conv-1", TurnBody{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostTurnMintsAndReusesSession(t *testing.T) {
	env := newTestEnv(t, modelBody("hello"))

	resp, _ := postTurn(t, env, "conv-1", TurnBody{Message: "hi"})
	minted := resp.Header.Get("X-Session-Id")
	require.NotEmpty(t, minted)

	resp2, _ := postTurn(t, env, "conv-1", TurnBody{Message: "hi again", SessionID: minted})
	require.Equal(t, minted, resp2.Header.Get("X-Session-Id"))
}

func TestPostLead(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	payload := `{"sessionId":"sess-1","formData":{"name":"Dana","email":"dana@example.com"},"source":"LEAD_FORM"}`
	resp, err := http.Post(env.server.URL+"/v1/leads", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		ID         string `json:"id"`
		ReceivedAt string `json:"receivedAt"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.ID)
	require.Len(t, env.leads.All(), 1)
}

func TestPostLeadRejectsBadSubmission(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	payload := `{"sessionId":"","formData":{},"source":"LEAD_FORM"}`
	resp, err := http.Post(env.server.URL+"/v1/leads", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, env.leads.All())
}

func TestPostAttachment(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	body := map[string]string{
		"name":     "brief.pdf",
		"mimeType": "application/pdf",
		"base64":   base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")),
	}
	payload, _ := json.Marshal(body)

	resp, err := http.Post(env.server.URL+"/v1/attachments", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		FileName   string  `json:"fileName"`
		StorageKey *string `json:"storageKey"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "brief.pdf", result.FileName)
	require.NotNil(t, result.StorageKey)
}

func TestPostAttachmentDegradesOnBadPayload(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	body := map[string]string{
		"name":     "photo.jpg",
		"mimeType": "image/jpeg",
		"base64":   "!!not-base64!!",
	}
	payload, _ := json.Marshal(body)

	resp, err := http.Post(env.server.URL+"/v1/attachments", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	// Bad payloads degrade to a null storage key instead of failing the
	// request; the client shows an unavailable badge.
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		StorageKey *string `json:"storageKey"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Nil(t, result.StorageKey)
}

func TestGetSessionMintsWhenMissing(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	resp, err := http.Get(env.server.URL + "/v1/sessions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	require.NotEmpty(t, sess.SessionID)
	require.NotEqual(t, "does-not-exist", sess.SessionID)
}

func TestStreamSocketTurn(t *testing.T) {
	env := newTestEnv(t, modelBody("Hello ", "there."))

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/conversations/conv-ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(TurnBody{Message: "hi"}))

	var events []stream.Event
	for {
		var ev stream.Event
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
		if ev.IsTerminal() {
			break
		}
	}

	require.Equal(t, stream.EventStart, events[0].Type)
	last := events[len(events)-1]
	require.Equal(t, stream.EventComplete, last.Type)
	require.Equal(t, "Hello there.", last.FinalText)
}

func TestStreamSocketRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/conversations/conv-ws2/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(TurnBody{}))

	var ev stream.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, stream.EventError, ev.Type)
	require.Equal(t, "VALIDATION_ERROR", ev.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "hatchbot_")
}

func TestCORSPreflightAllowed(t *testing.T) {
	env := newTestEnv(t, modelBody("hi"))

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/v1/leads", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://customer.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
