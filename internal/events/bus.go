package events

import (
	"log"
	"sync"
	"time"
)

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	types   map[EventType]struct{} // nil subscribes to everything
	handler Handler
}

func (s subscription) matches(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is the panel's in-process pub/sub fabric. Publishing is
// synchronous: handlers run on the publisher's goroutine, and a
// subscriber that needs to do slow work (the notify dispatcher) queues
// internally instead of blocking here.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the listed event types, or for every
// event when none are listed.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish delivers the event to every matching subscriber, stamping the
// time if the caller left it zero. A panicking handler is contained; the
// remaining subscribers still run.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.matches(e.Type) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] subscriber panic on %s: %v", e.Type, r)
				}
			}()
			sub.handler(e)
		}()
	}
}
