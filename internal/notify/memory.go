package notify

import (
	"context"
	"fmt"
	"sync"
)

// MemoryPublisher keeps published events in-process. It backs
// single-process deployments (no broker configured) and lets tests
// assert on exactly what the domain emitted.
type MemoryPublisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// NewMemory returns a MemoryPublisher.
func NewMemory() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *MemoryPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns every recorded publish in order.
func (p *MemoryPublisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ByTopic returns the recorded publishes for one topic, in order.
func (p *MemoryPublisher) ByTopic(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
