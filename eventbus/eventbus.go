// Package eventbus provides the in-process pub/sub fabric connecting the
// task manager, harness engine, transports, and the HTTP event stream.
package eventbus

import (
	"sync"

	"github.com/fetchcore/fetch/model"
)

// subscriberBuffer is the per-subscriber channel depth. Publish never
// blocks; events beyond the buffer are dropped for that subscriber.
const subscriberBuffer = 64

// TopicAll is the firehose topic; its subscribers receive every
// published event. Pass it to Unsubscribe for channels obtained from
// SubscribeAll.
const TopicAll = "*"

// Well-known topics. Event types within a topic carry the
// "topic:verb" form, e.g. "task:created" or "mode:changed".
const (
	TopicTask      = "task"
	TopicHarness   = "harness"
	TopicMode      = "mode"
	TopicWorkspace = "workspace"
	TopicChat      = "chat"
	TopicSchedule  = "schedule"
	TopicAgent     = "agent"
)

// Bus is a topic-keyed publish/subscribe event bus. The "*" topic
// receives everything.
type Bus interface {
	// Publish delivers an event to subscribers of topic and of "*".
	// It never blocks; slow subscribers miss events.
	Publish(topic string, event model.Event)
	// Subscribe returns a channel receiving events for topic.
	Subscribe(topic string) chan model.Event
	// SubscribeAll returns a channel receiving every published event.
	SubscribeAll() chan model.Event
	// Unsubscribe removes and closes a channel returned by Subscribe.
	Unsubscribe(topic string, ch chan model.Event)
	// Close tears down all subscriptions.
	Close()
}

// InMemoryBus is the only Bus implementation; everything runs in-process.
type InMemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan model.Event
	closed bool
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan model.Event)}
}

// Publish delivers event to topic and firehose (TopicAll) subscribers without blocking.
func (b *InMemoryBus) Publish(topic string, event model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	if topic == TopicAll {
		return
	}
	for _, ch := range b.subs[TopicAll] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber channel for topic.
func (b *InMemoryBus) Subscribe(topic string) chan model.Event {
	ch := make(chan model.Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll registers a firehose subscriber.
func (b *InMemoryBus) SubscribeAll() chan model.Event {
	return b.Subscribe(TopicAll)
}

// Unsubscribe removes ch from topic and closes it.
func (b *InMemoryBus) Unsubscribe(topic string, ch chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.subs[topic]
	for i, c := range chans {
		if c == ch {
			b.subs[topic] = append(chans[:i], chans[i+1:]...)
			close(c)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Close closes every subscriber channel and rejects further publishes.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, topic)
	}
}
