package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hatchbot-ai/engine/internal/logger"
	"github.com/hatchbot-ai/engine/internal/metrics"
)

const (
	// maxLineSize bounds a single SSE line. 64KB initial, 1MB max.
	initialLineBuffer = 64 * 1024
	maxLineSize       = 1024 * 1024

	messagesPath = "/v1/messages"
)

// StreamCallbacks receive incremental output during a streaming
// invocation. OnText is called for every text delta in arrival order,
// at-least-once. OnToolUse is called once per fully-assembled tool
// invocation. Either may be nil.
type StreamCallbacks struct {
	OnText    func(text string)
	OnToolUse func(inv ToolInvocation)
}

// Recorder observes every invocation attempt, success or failure,
// independent of whether the caller retries.
type Recorder interface {
	RecordInvocation(ctx context.Context, rec InvocationRecord)
}

// InvocationRecord is one observed invocation attempt.
type InvocationRecord struct {
	Model     string
	Streaming bool
	Outcome   string // "success" or an ErrorKind
	Latency   time.Duration
	Usage     Usage
}

// Client talks to the generative-text backend over its SSE wire
// protocol. One Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
	recorder   Recorder

	// inactivityWindow fails a stalled stream after no frame arrives
	// for this long. Zero disables the watchdog.
	inactivityWindow time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRecorder attaches an invocation recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithInactivityWindow sets the stalled-stream watchdog.
func WithInactivityWindow(d time.Duration) Option {
	return func(c *Client) { c.inactivityWindow = d }
}

// NewClient creates a streaming client for the given backend.
func NewClient(baseURL, apiKey string, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// No overall timeout: streams are long-lived. Cancellation comes
		// from the caller's context and the inactivity watchdog.
		httpClient: &http.Client{},
		logger:     log.WithComponent("llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke performs a non-streaming invocation and returns the complete
// response.
func (c *Client) Invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := c.invoke(ctx, req)
	c.record(ctx, req, false, start, resp, err)
	return resp, err
}

// InvokeStreaming performs a streaming invocation, forwarding text
// deltas and assembled tool invocations through cb as they arrive. The
// returned Response carries the accumulated text, tool calls, token
// usage and stop reason.
func (c *Client) InvokeStreaming(ctx context.Context, req *Request, cb StreamCallbacks) (*Response, error) {
	start := time.Now()
	resp, err := c.invokeStreaming(ctx, req, cb)
	c.record(ctx, req, true, start, resp, err)
	return resp, err
}

func (c *Client) record(ctx context.Context, req *Request, streaming bool, start time.Time, resp *Response, err error) {
	outcome := "success"
	var usage Usage
	if err != nil {
		outcome = string(KindOf(err))
	} else if resp != nil {
		usage = resp.Usage
	}
	latency := time.Since(start)

	metrics.ModelInvocations.WithLabelValues(req.Model, outcome).Inc()
	metrics.ModelLatency.WithLabelValues(req.Model, fmt.Sprintf("%t", streaming)).Observe(latency.Seconds())
	if usage.InputTokens > 0 {
		metrics.ModelTokens.WithLabelValues(req.Model, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		metrics.ModelTokens.WithLabelValues(req.Model, "output").Add(float64(usage.OutputTokens))
	}

	if c.recorder != nil {
		c.recorder.RecordInvocation(ctx, InvocationRecord{
			Model:     req.Model,
			Streaming: streaming,
			Outcome:   outcome,
			Latency:   latency,
			Usage:     usage,
		})
	}
}

func (c *Client) invoke(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := c.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewInvocationError(KindUnknown, fmt.Errorf("read response: %w", err))
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, NewInvocationError(KindUnknown, fmt.Errorf("decode response: %w", err))
	}
	if wire.Error != nil {
		return nil, NewInvocationError(KindUnknown, fmt.Errorf("backend error: %s", wire.Error.Message))
	}

	resp := &Response{
		StopReason: wire.StopReason,
		Usage: Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case blockTypeToolUse:
			params, err := json.Marshal(block.Input)
			if err != nil {
				c.logger.Warn("dropping tool call with unmarshalable input",
					slog.String("tool", block.Name))
				continue
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolInvocation{
				ID:         block.ID,
				Name:       block.Name,
				Parameters: params,
			})
		}
	}
	resp.Text = text.String()

	if req.JSONResponse {
		data, err := ExtractJSON(resp.Text)
		if err != nil {
			return nil, err
		}
		resp.Text = string(data)
	}

	return resp, nil
}

func (c *Client) invokeStreaming(ctx context.Context, req *Request, cb StreamCallbacks) (*Response, error) {
	// Stalled-stream watchdog: cancel the read when no frame arrives
	// within the inactivity window.
	var stalled *time.Timer
	if c.inactivityWindow > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stalled = time.AfterFunc(c.inactivityWindow, cancel)
		defer stalled.Stop()
	}

	httpResp, err := c.send(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	resp := &Response{}
	var text strings.Builder
	acc := newToolAccumulator()

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineSize)

	for scanner.Scan() {
		if stalled != nil {
			stalled.Reset(c.inactivityWindow)
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev wireEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Debug("skipping undecodable stream frame", slog.String("error", err.Error()))
			continue
		}

		switch ev.Type {
		case eventMessageStart:
			if ev.Message != nil && ev.Message.Usage != nil {
				resp.Usage.InputTokens = ev.Message.Usage.InputTokens
			}

		case eventContentBlockStart:
			if ev.ContentBlock != nil && ev.ContentBlock.Type == blockTypeToolUse {
				acc.Open(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name)
			}

		case eventContentBlockDelta:
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case deltaText:
				text.WriteString(ev.Delta.Text)
				if cb.OnText != nil {
					cb.OnText(ev.Delta.Text)
				}
			case deltaPartialJSON:
				acc.Append(ev.Index, ev.Delta.PartialJSON)
			}

		case eventContentBlockStop:
			if !acc.IsOpen(ev.Index) {
				continue
			}
			inv, ok := acc.Close(ev.Index)
			if !ok {
				metrics.DroppedToolCalls.Inc()
				c.logger.Warn("dropping tool invocation with malformed argument JSON",
					slog.Int("block_index", ev.Index))
				continue
			}
			resp.ToolCalls = append(resp.ToolCalls, inv)
			if cb.OnToolUse != nil {
				cb.OnToolUse(inv)
			}

		case eventMessageDelta:
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				resp.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				resp.Usage.OutputTokens = ev.Usage.OutputTokens
			}

		case eventMessageStop:
			// Terminal frame; usage and stop reason already captured.

		case eventError:
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return nil, NewInvocationError(KindUnknown, fmt.Errorf("backend stream error: %s", msg))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, NewInvocationError(KindUnknown, fmt.Errorf("stream cancelled: %w", ctx.Err()))
		}
		return nil, NewInvocationError(KindUnknown, fmt.Errorf("stream read: %w", err))
	}

	resp.Text = text.String()
	return resp, nil
}

// send validates, builds and issues the HTTP request. Precondition
// failures are raised before any network call.
func (c *Client) send(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
		"stream":     stream,
		"messages":   buildMessages(req),
	}
	if payload["max_tokens"] == 0 {
		payload["max_tokens"] = 2048
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewInvocationError(KindUnknown, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, NewInvocationError(KindUnknown, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Accept-Encoding", "identity")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewInvocationError(KindUnknown, fmt.Errorf("call backend: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		kind := kindFromStatus(httpResp.StatusCode)
		return nil, NewInvocationError(kind,
			fmt.Errorf("backend returned %d: %s", httpResp.StatusCode, string(respBody)))
	}

	return httpResp, nil
}

// buildMessages converts the request into the backend's messages array,
// applying the history bound.
func buildMessages(req *Request) []map[string]interface{} {
	if req.Prompt != "" && len(req.Turns) == 0 {
		return []map[string]interface{}{
			{"role": string(RoleUser), "content": req.Prompt},
		}
	}

	turns := req.boundedTurns()
	messages := make([]map[string]interface{}, 0, len(turns))
	for _, turn := range turns {
		if len(turn.Blocks) == 0 {
			messages = append(messages, map[string]interface{}{
				"role":    string(turn.Role),
				"content": turn.Text,
			})
			continue
		}

		blocks := make([]map[string]interface{}, 0, len(turn.Blocks))
		for _, b := range turn.Blocks {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": b.Text,
				})
			case BlockImage, BlockDocument:
				blocks = append(blocks, map[string]interface{}{
					"type": string(b.Type),
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": b.MediaType,
						"data":       b.Data,
					},
				})
			}
		}
		messages = append(messages, map[string]interface{}{
			"role":    string(turn.Role),
			"content": blocks,
		})
	}
	return messages
}
