package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// PerSecond caps outbound posts; Slack rejects bursts above one per second.
	PerSecond float64
	Burst     int
}

// WebhookProvider posts to a Slack incoming webhook.
type WebhookProvider struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhookProvider(cfg WebhookConfig) *WebhookProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	return &WebhookProvider{
		url: cfg.URL,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst),
	}
}

type webhookPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack rate limit: %w", err)
	}

	body, err := json.Marshal(webhookPayload{Channel: channelID, Text: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("slack post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
