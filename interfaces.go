package mitoshi

import (
	"context"
	"net/http"
)

// Reasoner produces free text for a prompt. When provided via WithReasoner
// it replaces the configured Ollama/OpenAI/noop provider used by the
// Diagnostician and Strategist stages.
//
// A call that outlives its context must return promptly; the pipeline
// releases the record for a later retry.
type Reasoner interface {
	Reason(ctx context.Context, prompt, context string) (string, error)
}

// NotificationSender delivers one alert notification for a channel type.
// Register it with WithSender. Returning an error schedules a retry with
// backoff until the attempt limit.
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

// Middleware wraps the root HTTP handler. It runs before routing, so it sees
// every request including /health. Middlewares apply in registration order:
// the first registered is outermost.
type Middleware func(http.Handler) http.Handler
