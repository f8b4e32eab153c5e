package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama calls a local Ollama chat model.
type Ollama struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOllama creates a reasoner for Ollama's chat API.
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		timeout: timeout,
		// HTTP timeout slightly beyond the per-call context timeout.
		httpClient: &http.Client{Timeout: timeout + 5*time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Reason sends the context as the system message and the prompt as the
// user message.
func (o *Ollama) Reason(ctx context.Context, prompt, context string) (string, error) {
	callCtx, cancel := callContext(ctx, o.timeout)
	defer cancel()

	body, err := json.Marshal(ollamaChatRequest{
		Model:    o.model,
		Messages: messages(prompt, context),
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", classify(ctx, callCtx, "ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	return result.Message.Content, nil
}

func messages(prompt, context string) []chatMessage {
	var out []chatMessage
	if context != "" {
		out = append(out, chatMessage{Role: "system", Content: context})
	}
	return append(out, chatMessage{Role: "user", Content: prompt})
}
