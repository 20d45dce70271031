package events

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"signd/internal/signing"
)

// PubSubPublisher implements signing.Publisher on Google Cloud Pub/Sub.
type PubSubPublisher struct {
	Client *pubsub.Client
	Topic  *pubsub.Topic
	Logger *zap.Logger
}

// NewPubSubPublisher creates a Pub/Sub client and gets a handle to the
// specified topic. It authenticates using Google Cloud's Application
// Default Credentials and fails fast if the topic does not exist.
func NewPubSubPublisher(ctx context.Context, logger *zap.Logger, projectID, topicID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &PubSubPublisher{Client: client, Topic: topic, Logger: logger}, nil
}

// Publish sends a rotation event to the topic and waits for the server
// acknowledgement, so a broker failure is reported to the caller. Rotations
// are rare, so the synchronous round trip does not sit on any hot path.
func (p *PubSubPublisher) Publish(ctx context.Context, ev signing.RotationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal rotation event: %w", err)
	}

	result := p.Topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"new_hash": ev.NewHash,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish rotation event: %w", err)
	}

	return nil
}

// Close stops the topic's publisher and closes the underlying client
// connection, flushing any pending messages.
func (p *PubSubPublisher) Close() error {
	p.Topic.Stop()
	if err := p.Client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
