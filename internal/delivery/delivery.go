// Package delivery implements the channels digest batches are sent to.
package delivery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/config"
	"github.com/JakeFAU/trendradar/internal/trend"
)

// Channel types accepted in configuration.
const (
	TypeWebhook = "webhook"
	TypePubSub  = "pubsub"
	TypeLog     = "log"
	TypeMemory  = "memory"
)

// Deps carries shared clients used to build channels.
type Deps struct {
	HTTPClient *http.Client
	// PubSub is required only when a pubsub channel is configured.
	PubSub Publisher
	Logger *zap.Logger
}

// Build constructs the configured channels in order.
func Build(cfgs []config.ChannelConfig, deps Deps) ([]trend.Channel, error) {
	out := make([]trend.Channel, 0, len(cfgs))
	for _, cfg := range cfgs {
		ch, err := New(cfg, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// New constructs one channel from its configuration.
func New(cfg config.ChannelConfig, deps Deps) (trend.Channel, error) {
	limits := trend.Limits{MaxItems: cfg.MaxItems, MaxBytes: cfg.MaxBytes}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case TypeWebhook:
		client := deps.HTTPClient
		if client == nil {
			timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			client = &http.Client{Timeout: timeout}
		}
		return NewWebhook(cfg.Name, cfg.URL, limits, client)
	case TypePubSub:
		if deps.PubSub == nil {
			return nil, fmt.Errorf("channel %s: pubsub publisher is not configured", cfg.Name)
		}
		return NewPubSub(cfg.Name, cfg.Topic, limits, deps.PubSub)
	case TypeLog:
		return NewLog(cfg.Name, limits, logger), nil
	case TypeMemory:
		return NewMemory(cfg.Name, limits), nil
	default:
		return nil, fmt.Errorf("channel %s: unknown type %q", cfg.Name, cfg.Type)
	}
}

// Payload is the JSON body sent by the webhook and pubsub channels.
type Payload struct {
	Channel    string              `json:"channel"`
	ReportType string              `json:"report_type"`
	Batch      int                 `json:"batch"`
	Batches    int                 `json:"batches"`
	Items      []trend.DigestEntry `json:"items"`
}

func payloadFor(b trend.Batch) Payload {
	return Payload{
		Channel:    b.Channel,
		ReportType: b.ReportType,
		Batch:      b.Index + 1,
		Batches:    b.Total,
		Items:      b.Entries,
	}
}

// sendContext guards against channels used without a deadline.
func sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 30*time.Second)
}
