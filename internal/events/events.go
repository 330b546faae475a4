// Package events fans project lifecycle changes out to connected clients.
// The broker is in-memory; every gateway client watching a user's project
// list holds one subscriber.
package events

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// EventType identifies a project lifecycle event.
type EventType string

const (
	EventTypeProjectCreated EventType = "project_created"
	EventTypeProjectUpdated EventType = "project_updated"
	EventTypeProjectDeleted EventType = "project_deleted"
)

// Event is one broadcast to project-list watchers.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscriber receives events for one user's projects.
type Subscriber struct {
	ID     string
	UserID string
	Events chan *Event

	mu       sync.Mutex
	done     chan struct{}
	isClosed bool
}

// Close shuts the subscriber down. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isClosed {
		s.isClosed = true
		close(s.done)
		close(s.Events)
	}
}

// Done is closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Broker tracks subscribers keyed by user and broadcasts events to them.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscriber // userID -> subscriberID -> sub
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe registers a watcher for a user's project events.
func (b *Broker) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New().String(),
		UserID: userID,
		Events: make(chan *Event, 32),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[string]*Subscriber)
	}
	b.subs[userID][sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if userSubs, ok := b.subs[sub.UserID]; ok {
		delete(userSubs, sub.ID)
		if len(userSubs) == 0 {
			delete(b.subs, sub.UserID)
		}
	}
	b.mu.Unlock()
	sub.Close()
}

// Publish marshals data and delivers the event to every subscriber of the
// user. Slow subscribers are skipped rather than blocking the publisher.
func (b *Broker) Publish(userID string, eventType EventType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	event := &Event{Type: eventType, Data: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[userID] {
		select {
		case sub.Events <- event:
		case <-sub.Done():
		default:
			// Subscriber backed up; drop the event for it.
		}
	}
}
