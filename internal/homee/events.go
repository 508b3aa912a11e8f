package homee

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType is the closed set of events a Client publishes.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnect    EventType = "reconnect"
	EventMaxRetries   EventType = "maxRetries"
	EventError        EventType = "error"
	EventMessage      EventType = "message"
	EventHistory      EventType = "history"

	EventAll           EventType = "all"
	EventNode          EventType = "node"
	EventNodes         EventType = "nodes"
	EventGroup         EventType = "group"
	EventGroups        EventType = "groups"
	EventRelationship  EventType = "relationship"
	EventRelationships EventType = "relationships"
	EventPlan          EventType = "plan"
	EventPlans         EventType = "plans"
	EventHomeegram     EventType = "homeegram"
	EventHomeegrams    EventType = "homeegrams"
	EventAttribute     EventType = "attribute"

	// EventOther carries message kinds without dedicated handling.
	EventOther EventType = "other"
)

// ParseEventType validates an event name given as text.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventConnected, EventDisconnected, EventReconnect, EventMaxRetries, EventError,
		EventMessage, EventHistory, EventAll, EventNode, EventNodes, EventGroup, EventGroups,
		EventRelationship, EventRelationships, EventPlan, EventPlans, EventHomeegram,
		EventHomeegrams, EventAttribute, EventOther:
		return t, nil
	}
	return "", &ValidationError{Field: "event", Reason: fmt.Sprintf("%q is unknown", s)}
}

// Default bus configuration. A single worker keeps delivery in publish order.
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 256
)

// Event is implemented by every payload published on the Bus.
type Event interface {
	Type() EventType
}

type ConnectedEvent struct {
	SessionID string
}

type DisconnectedEvent struct {
	Reason string
}

type ReconnectEvent struct {
	Attempt int
}

type MaxRetriesEvent struct {
	Max int
}

type ErrorEvent struct {
	Err error
}

// MessageEvent is published for every parsed frame, after kind specific handling.
type MessageEvent struct {
	Kind    string
	Message map[string]json.RawMessage
}

// HistoryEvent carries a history answer; Kind is "node", "attribute" or "homeegram".
type HistoryEvent struct {
	Kind    string
	Payload json.RawMessage
}

type AllEvent struct{ Snapshot Snapshot }
type NodeEvent struct{ Node Node }
type NodesEvent struct{ Nodes []Node }
type GroupEvent struct{ Group Group }
type GroupsEvent struct{ Groups []Group }
type RelationshipEvent struct{ Relationship Relationship }
type RelationshipsEvent struct{ Relationships []Relationship }
type PlanEvent struct{ Plan Plan }
type PlansEvent struct{ Plans []Plan }
type HomeegramEvent struct{ Homeegram Homeegram }
type HomeegramsEvent struct{ Homeegrams []Homeegram }

// AttributeEvent carries an updated attribute. Node is nil when the owning
// node or the attribute itself is not in the mirror.
type AttributeEvent struct {
	Attribute Attribute
	Node      *Node
}

// OtherEvent carries a message kind the client does not interpret.
type OtherEvent struct {
	Kind    string
	Payload json.RawMessage
}

func (ConnectedEvent) Type() EventType     { return EventConnected }
func (DisconnectedEvent) Type() EventType  { return EventDisconnected }
func (ReconnectEvent) Type() EventType     { return EventReconnect }
func (MaxRetriesEvent) Type() EventType    { return EventMaxRetries }
func (ErrorEvent) Type() EventType         { return EventError }
func (MessageEvent) Type() EventType       { return EventMessage }
func (HistoryEvent) Type() EventType       { return EventHistory }
func (AllEvent) Type() EventType           { return EventAll }
func (NodeEvent) Type() EventType          { return EventNode }
func (NodesEvent) Type() EventType         { return EventNodes }
func (GroupEvent) Type() EventType         { return EventGroup }
func (GroupsEvent) Type() EventType        { return EventGroups }
func (RelationshipEvent) Type() EventType  { return EventRelationship }
func (RelationshipsEvent) Type() EventType { return EventRelationships }
func (PlanEvent) Type() EventType          { return EventPlan }
func (PlansEvent) Type() EventType         { return EventPlans }
func (HomeegramEvent) Type() EventType     { return EventHomeegram }
func (HomeegramsEvent) Type() EventType    { return EventHomeegrams }
func (AttributeEvent) Type() EventType     { return EventAttribute }
func (OtherEvent) Type() EventType         { return EventOther }

// Handler handles a published event.
type Handler func(Event)

type work struct {
	event   Event
	handler Handler
}

// Bus routes events to subscribers through a bounded worker pool.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	closed   bool

	workQueue chan work
	wg        sync.WaitGroup
}

// NewBus creates a bus with workerCount workers and a queue of queueSize events.
func NewBus(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
	}

	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type())).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers handler for every event of type t.
func (b *Bus) Subscribe(t EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[t] = append(b.handlers[t], handler)
}

// Subscribe registers a handler typed on the concrete event payload.
func Subscribe[E Event](b *Bus, fn func(E)) {
	var zero E
	b.Subscribe(zero.Type(), func(e Event) {
		if typed, ok := e.(E); ok {
			fn(typed)
		}
	})
}

// Publish queues event for every subscribed handler. It never blocks:
// when the queue is full or the bus is closed the event is dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		log.Warn().Str("event_type", string(event.Type())).Msg("Event bus closed, dropping event")
		return
	}

	for _, handler := range b.handlers[event.Type()] {
		select {
		case b.workQueue <- work{event: event, handler: handler}:
		default:
			log.Warn().
				Str("event_type", string(event.Type())).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close stops accepting events and waits for queued handlers until ctx is done.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.workQueue)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
