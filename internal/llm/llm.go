// Package llm provides the text reasoning capability used by the
// Diagnostician and Strategist pipeline stages.
//
// A Reasoner is a black box: it takes a prompt plus context and returns
// text. Every call carries its own deadline; a call that runs past it fails
// with model.ErrDependencyTimeout so the caller can retry the record later
// instead of leaving it in progress.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// Reasoner produces free text for a prompt.
type Reasoner interface {
	Reason(ctx context.Context, prompt, context string) (string, error)
}

// ErrDisabled is returned by Noop. Callers fall back to rule-based output.
var ErrDisabled = errors.New("llm: reasoning disabled")

// DefaultTimeout bounds a single call when none is configured.
const DefaultTimeout = 15 * time.Second

// Noop is used when no provider is configured.
type Noop struct{}

// Reason always returns ErrDisabled.
func (Noop) Reason(context.Context, string, string) (string, error) { return "", ErrDisabled }

// Config selects and configures a provider.
type Config struct {
	// Provider is auto, ollama, openai or noop. Auto picks Ollama when a
	// model is set, then OpenAI when a key is set, then noop.
	Provider     string
	OllamaURL    string
	Model        string
	OpenAIAPIKey string
	Timeout      time.Duration
}

// New builds the Reasoner described by cfg.
func New(cfg Config, logger *slog.Logger) (Reasoner, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	provider := cfg.Provider
	if provider == "" || provider == "auto" {
		switch {
		case cfg.Model != "":
			provider = "ollama"
		case cfg.OpenAIAPIKey != "":
			provider = "openai"
		default:
			provider = "noop"
		}
	}
	switch provider {
	case "ollama":
		if cfg.Model == "" {
			return nil, fmt.Errorf("llm: ollama needs a model")
		}
		logger.Info("llm: ollama", "model", cfg.Model, "url", cfg.OllamaURL)
		return NewOllama(cfg.OllamaURL, cfg.Model, cfg.Timeout), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("llm: openai needs an api key")
		}
		logger.Info("llm: openai", "model", cfg.Model)
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.Model, cfg.Timeout), nil
	case "noop":
		logger.Info("llm: disabled, pipeline uses rule-based reasoning")
		return Noop{}, nil
	}
	return nil, fmt.Errorf("llm: unknown provider %q", provider)
}

// callContext derives the per-call deadline.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// classify turns a transport error into ErrDependencyTimeout when the
// per-call deadline fired and the parent context is still alive.
func classify(parent, call context.Context, provider string, err error) error {
	if errors.Is(call.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %s did not answer in time", model.ErrDependencyTimeout, provider)
	}
	return fmt.Errorf("%s: request failed: %w", provider, err)
}
