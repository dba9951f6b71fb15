// Package events provides the Connector's internal connection-lifecycle
// pub-sub: the connection manager emits an event on each connect, open,
// disconnect and close. Nothing in the Connector subscribes to it; the
// Control Port streams connection lifecycle to the attached Processor from
// its journal subscription instead. The mechanism is the teacher's EventBus, repurposed from UI pane focus
// events to connection lifecycle events.
package events

import (
	"sync"
	"time"
)

// Source identifies who raised an event.
type Source string

const (
	SourceIRC     Source = "irc"
	SourceControl Source = "control"
	SourceSystem  Source = "system"
)

// Connection lifecycle event types, named after the first word of the
// journal's CONNECTION lines (spec.md 4.4).
const (
	TypeConnect    = "connect"
	TypeOpened     = "opened"
	TypeDisconnect = "disconnect"
	TypeClosed     = "closed"
)

// Event is one connection lifecycle notification.
type Event struct {
	Type      string
	ConnID    int64
	Data      map[string]interface{}
	Timestamp time.Time
	Source    Source
}

// Subscriber receives events.
type Subscriber interface {
	OnEvent(event Event)
}

// Bus routes events to subscribers, by type or via the "*" wildcard.
type Bus struct {
	subscribers map[string][]Subscriber
	mu          sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]Subscriber)}
}

// Subscribe registers subscriber for eventType (or "*" for everything).
func (b *Bus) Subscribe(eventType string, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// Unsubscribe removes subscriber from eventType.
func (b *Bus) Unsubscribe(eventType string, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, sub := range subs {
		if sub == subscriber {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Emit delivers event to matching subscribers asynchronously. The Control
// Port's single attached session must still see events in commit order;
// callers relying on ordering should use EmitSync instead, since each
// asynchronous delivery here runs in its own goroutine.
func (b *Bus) Emit(event Event) {
	for _, sub := range b.matching(event.Type) {
		go sub.OnEvent(event)
	}
}

// EmitSync delivers event to matching subscribers synchronously and in
// registration order, preserving the Control Port's ordering requirement.
func (b *Bus) EmitSync(event Event) {
	for _, sub := range b.matching(event.Type) {
		sub.OnEvent(event)
	}
}

func (b *Bus) matching(eventType string) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.subscribers["*"]))
	subs = append(subs, b.subscribers[eventType]...)
	subs = append(subs, b.subscribers["*"]...)
	return subs
}
