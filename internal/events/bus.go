package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Publisher is the producer side of the bus.
type Publisher interface {
	Emit(event Event)
}

// allTopics keys the subscribers that receive every event.
const allTopics = "*"

const defaultBuffer = 256

// EventBus fans events out to buffered subscriber channels. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the event,
// and the miss is counted in Dropped.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates an open bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published on topic.
// A bufSize <= 0 uses the default buffer.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving events of every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(allTopics, bufSize)
}

func (b *EventBus) subscribe(key string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[key] = append(b.subs[key], ch)
	return ch
}

// Publish delivers event to the subscribers of topic and to SubscribeAll
// channels. It is a no-op once the bus is closed.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.subs[topic], event)
	if topic != allTopics {
		b.deliver(b.subs[allTopics], event)
	}
}

func (b *EventBus) deliver(chans []chan Event, event Event) {
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes event on the topic matching its type prefix: session events
// on TopicSession, everything else on TopicTask.
func (b *EventBus) Emit(event Event) {
	if strings.HasPrefix(event.EventType(), TopicSession+".") {
		b.Publish(TopicSession, event)
		return
	}
	b.Publish(TopicTask, event)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later calls do nothing.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
}
