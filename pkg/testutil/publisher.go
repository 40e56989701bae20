package testutil

import (
	"context"
	"sync"

	"github.com/agentmux/agentmux/pkg/eventbus"
	"github.com/agentmux/agentmux/pkg/events"
)

// CollectingPublisher records every published event for assertions.
type CollectingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func NewCollectingPublisher() *CollectingPublisher {
	return &CollectingPublisher{}
}

func (p *CollectingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

// Events returns a snapshot of everything published so far.
func (p *CollectingPublisher) Events() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]eventbus.Event, len(p.events))
	copy(out, p.events)

	return out
}

// TypesSeen returns the distinct event types in publish order.
func (p *CollectingPublisher) TypesSeen() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[events.EventType]bool)
	types := make([]events.EventType, 0, len(p.events))

	for _, event := range p.events {
		if !seen[event.GetType()] {
			seen[event.GetType()] = true
			types = append(types, event.GetType())
		}
	}

	return types
}

// CountOf returns how many events of the given type were published.
func (p *CollectingPublisher) CountOf(eventType events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0

	for _, event := range p.events {
		if event.GetType() == eventType {
			count++
		}
	}

	return count
}
