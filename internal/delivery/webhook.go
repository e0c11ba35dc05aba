package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Webhook POSTs each batch as JSON. 4xx responses other than 429 are
// permanent failures; everything else may be retried by the caller.
type Webhook struct {
	name   string
	url    string
	limits trend.Limits
	client *http.Client
}

// NewWebhook builds a webhook channel.
func NewWebhook(name, url string, limits trend.Limits, client *http.Client) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("channel %s: webhook url is required", name)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{name: name, url: url, limits: limits, client: client}, nil
}

// Name implements trend.Channel.
func (w *Webhook) Name() string { return w.name }

// Limits implements trend.Channel.
func (w *Webhook) Limits() trend.Limits { return w.limits }

// Send implements trend.Channel.
func (w *Webhook) Send(ctx context.Context, b trend.Batch) error {
	body, err := json.Marshal(payloadFor(b))
	if err != nil {
		return fmt.Errorf("marshal batch: %w: %w", trend.ErrDeliveryRejected, err)
	}
	ctx, cancel := sendContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w: %w", trend.ErrDeliveryRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return fmt.Errorf("webhook status %d: %w", resp.StatusCode, trend.ErrDeliveryRejected)
	}
}
