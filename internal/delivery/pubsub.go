package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Publisher publishes one message to a topic and returns its server id.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

// PubSub publishes each batch as one Pub/Sub message.
type PubSub struct {
	name   string
	topic  string
	limits trend.Limits
	pub    Publisher
}

// NewPubSub builds a Pub/Sub channel.
func NewPubSub(name, topic string, limits trend.Limits, pub Publisher) (*PubSub, error) {
	if topic == "" {
		return nil, fmt.Errorf("channel %s: pubsub topic is required", name)
	}
	if pub == nil {
		return nil, fmt.Errorf("channel %s: publisher is required", name)
	}
	return &PubSub{name: name, topic: topic, limits: limits, pub: pub}, nil
}

// Name implements trend.Channel.
func (p *PubSub) Name() string { return p.name }

// Limits implements trend.Channel.
func (p *PubSub) Limits() trend.Limits { return p.limits }

// Send implements trend.Channel.
func (p *PubSub) Send(ctx context.Context, b trend.Batch) error {
	data, err := json.Marshal(payloadFor(b))
	if err != nil {
		return fmt.Errorf("marshal batch: %w: %w", trend.ErrDeliveryRejected, err)
	}
	ctx, cancel := sendContext(ctx)
	defer cancel()

	attrs := map[string]string{
		"channel":     b.Channel,
		"report_type": b.ReportType,
		"batch":       strconv.Itoa(b.Index + 1),
		"batches":     strconv.Itoa(b.Total),
	}
	if _, err := p.pub.Publish(ctx, p.topic, data, attrs); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

// CloudPublisher publishes through a Cloud Pub/Sub client, reusing one topic
// handle per topic id.
type CloudPublisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewCloudPublisher connects to Pub/Sub for the project.
func NewCloudPublisher(ctx context.Context, projectID string) (*CloudPublisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &CloudPublisher{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

func (c *CloudPublisher) topic(id string) *pubsub.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[id]
	if !ok {
		t = c.client.Topic(id)
		c.topics[id] = t
	}
	return t
}

// Publish implements Publisher.
func (c *CloudPublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	result := c.topic(topic).Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (c *CloudPublisher) Close() error {
	c.mu.Lock()
	for _, t := range c.topics {
		t.Stop()
	}
	c.mu.Unlock()
	return c.client.Close()
}
