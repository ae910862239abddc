package events

import (
	"sync"
	"time"

	"github.com/quarrylabs/quarry/pkg/types"
)

// EventType represents the type of scheduling event
type EventType string

const (
	EventMachineAdded   EventType = "machine.added"
	EventMachineRemoved EventType = "machine.removed"
	EventJobSubmitted   EventType = "job.submitted"
	EventJobCompleted   EventType = "job.completed"
	EventTaskSubmitted  EventType = "task.submitted"
	EventTaskPlaced     EventType = "task.placed"
	EventTaskEvicted    EventType = "task.evicted"
	EventTaskMigrated   EventType = "task.migrated"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventTaskKilled     EventType = "task.killed"
	EventSchedulerRun   EventType = "scheduler.run"
)

// Event represents one scheduling decision or cluster change
type Event struct {
	Type       EventType
	Timestamp  time.Time
	TaskID     types.TaskID
	JobID      string
	ResourceID string
	Message    string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans scheduling events out to subscribers. Publishing never blocks
// the scheduler: slow subscribers drop events.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}
