// Package title generates short conversation titles from the first
// visitor turn, asynchronously so the streaming path never waits on it.
package title

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	maxRetries     = 3
	requestTimeout = 30 * time.Second
	maxTokens      = 60
	temperature    = 0.7
)

const systemPrompt = `Generate a short title for a website chat conversation from the visitor's first message.
Rules: at most six words, no quotes, no trailing punctuation, same language as the message.`

// Generator produces a title via a single chat-completions call.
type Generator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewGenerator(baseURL, apiKey, model string) *Generator {
	return &Generator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Generate returns a title for the first visitor message, retrying
// transient failures with linear backoff.
func (g *Generator) Generate(ctx context.Context, firstMessage string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		title, err := g.call(ctx, firstMessage)
		if err == nil {
			return title, nil
		}

		lastErr = err

		if isRetryableError(err) && attempt < maxRetries {
			backoff := time.Duration(attempt) * time.Second
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return "", fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			}
		}
		break
	}

	return "", lastErr
}

func (g *Generator) call(ctx context.Context, firstMessage string) (string, error) {
	payload := map[string]interface{}{
		"model": g.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": firstMessage},
		},
		"max_tokens":  maxTokens,
		"temperature": temperature,
		"stream":      false,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := g.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call title model at %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("title model returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	title := strings.TrimSpace(result.Choices[0].Message.Content)
	title = strings.Trim(title, `"'`)

	return title, nil
}

// isRetryableError checks if an error is transient and worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	retryablePatterns := []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"no such host", "EOF", "503", "502", "504", "429", "500",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
