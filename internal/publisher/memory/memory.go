// Package memory provides an in-memory publisher for tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one published payload.
type Message struct {
	Topic string
	Data  []byte
}

// Publisher records published messages in order.
type Publisher struct {
	mu     sync.Mutex
	nextID int
	msgs   []Message
	// Err, when set, is returned by every Publish call.
	Err error
}

// New creates an empty publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a synthetic message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return "", p.Err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.nextID++
	p.msgs = append(p.msgs, Message{Topic: topic, Data: data})
	return fmt.Sprintf("mem-%d", p.nextID), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}
