// Package noop provides a publisher that drops every event, for
// deployments without a message broker.
package noop

import "context"

// Publisher discards all events.
type Publisher struct{}

// New creates the publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish discards the payload.
func (*Publisher) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
