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

const openAIChatURL = "https://api.openai.com/v1/chat/completions"

// OpenAI calls the OpenAI chat completions API.
type OpenAI struct {
	apiKey     string
	model      string
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOpenAI creates a reasoner for the OpenAI API. An empty model means
// gpt-4o-mini.
func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAI{
		apiKey:     apiKey,
		model:      model,
		url:        openAIChatURL,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout + 5*time.Second},
	}
}

type openAIChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Reason returns the first choice's content.
func (o *OpenAI) Reason(ctx context.Context, prompt, context string) (string, error) {
	callCtx, cancel := callContext(ctx, o.timeout)
	defer cancel()

	body, err := json.Marshal(openAIChatRequest{Model: o.model, Messages: messages(prompt, context)})
	if err != nil {
		return "", fmt.Errorf("openai: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", classify(ctx, callCtx, "openai", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
