// Package pubsub implements the completion-event publisher on Google
// Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Publisher emits chapter completion events to a Pub/Sub topic.
// Authentication uses Application Default Credentials.
type Publisher struct {
	client *pubsub.Client
	topics map[string]*pubsub.Topic
}

// New connects a client and verifies the default topic exists, failing
// fast on misconfiguration.
func New(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &Publisher{
		client: client,
		topics: map[string]*pubsub.Topic{topicID: topic},
	}, nil
}

// Publish marshals payload to JSON, publishes it, and returns the
// server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topicID string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	topic, ok := p.topics[topicID]
	if !ok {
		topic = p.client.Topic(topicID)
		p.topics[topicID] = topic
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topicID, err)
	}
	return id, nil
}

// Close stops the topics' publish goroutines and closes the client.
func (p *Publisher) Close() error {
	for _, topic := range p.topics {
		topic.Stop()
	}
	return p.client.Close()
}
