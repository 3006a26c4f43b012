// Package local is an in-process event channel for hosts that embed the
// bridge and the foreground consumer in one binary.
package local

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

type Bus struct {
	events chan receiver.Event

	mu      sync.RWMutex
	handler func(receiver.Event)
}

// NewBus creates a bus whose outbound queue holds buffer events.
func NewBus(buffer int) *Bus {
	return &Bus{events: make(chan receiver.Event, buffer)}
}

// Send queues an outbound event, blocking while the queue is full.
func (b *Bus) Send(ctx context.Context, ev receiver.Event) error {
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the foreground side of the outbound queue.
func (b *Bus) Events() <-chan receiver.Event {
	return b.events
}

// OnEvent installs the receiver of inbound events.
func (b *Bus) OnEvent(handler func(receiver.Event)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Emit delivers an inbound event from the foreground side. It returns false
// when no handler is installed.
func (b *Bus) Emit(ev receiver.Event) bool {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler == nil {
		return false
	}
	handler(ev)
	return true
}
