package alerts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// Sender delivers one notification to one channel type.
type Sender interface {
	Send(ctx context.Context, n model.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n model.Notification) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, n model.Notification) error { return f(ctx, n) }

// LogSender writes notifications to the log. It is the default channel and
// never fails.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the notification payload.
func (s LogSender) Send(_ context.Context, n model.Notification) error {
	s.Logger.Info("alerts: notification",
		"notification_id", n.ID,
		"alert_id", n.AlertID,
		"payload", string(n.Payload),
	)
	return nil
}

// WebhookSender POSTs the payload as JSON to the channel's "url" config.
type WebhookSender struct {
	httpClient *http.Client
}

// NewWebhookSender creates a webhook sender whose requests time out after
// timeout.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{httpClient: &http.Client{Timeout: timeout}}
}

// Send delivers n. Any non-2xx response is an error. The notification id is
// sent as Idempotency-Key so receivers can drop redeliveries.
func (s *WebhookSender) Send(ctx context.Context, n model.Notification) error {
	url := n.ChannelConfig["url"]
	if url == "" {
		return fmt.Errorf("webhook: channel has no url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(n.Payload))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID.String())
	if secret := n.ChannelConfig["authorization"]; secret != "" {
		req.Header.Set("Authorization", secret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
