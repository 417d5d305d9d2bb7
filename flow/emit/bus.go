package emit

import (
	"strings"
	"sync"
)

// DefaultSubscriptionBuffer is the channel capacity used by Subscribe
// when no explicit buffer size is given.
const DefaultSubscriptionBuffer = 64

// Bus is an in-process publish/subscribe hub keyed by topic string.
//
// Delivery is best-effort and fire-and-forget: a slow subscriber never
// blocks a publisher. Each subscription owns a buffered channel; when
// the buffer is full, new events for that subscriber are dropped.
//
// Topic conventions:
//   - "workflows:{id}"  per-workflow event stream
//   - "workflows:*"     all-workflow firehose
//   - "chaos:events"    fault-injection audit
//   - "dlq:updates"     DLQ state changes
//
// Publishing to "workflows:{id}" also delivers to "workflows:*"
// subscribers. Publish iterates a snapshot of the subscriber list so no
// lock is held while delivering.
//
// Emitter sinks (logging, tracing, buffering) can be attached with
// Attach; they observe every published event regardless of topic.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]*Subscription // topic -> subscribers
	emitters []Emitter
	closed   bool
}

// Subscription is a single subscriber's handle on a Bus topic.
//
// Events arrive on C. Close the subscription when done to release the
// channel; after Close, C is closed and no further events arrive.
type Subscription struct {
	topic string
	ch    chan Event
	bus   *Bus

	once sync.Once
}

// C returns the receive channel for this subscription.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]*Subscription),
	}
}

// Subscribe registers a new subscriber on the given topic with the
// default buffer size.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, DefaultSubscriptionBuffer)
}

// SubscribeBuffered registers a new subscriber on the given topic with
// an explicit channel capacity. A larger buffer tolerates slower
// consumers before events are dropped.
func (b *Bus) SubscribeBuffered(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}

	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, buffer),
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Closed bus: hand back a subscription that will never fire.
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Attach registers an Emitter sink that observes every published event.
func (b *Bus) Attach(e Emitter) {
	if e == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitters = append(b.emitters, e)
}

// Publish delivers an event to all subscribers of the topic, to the
// "workflows:*" firehose when the topic is a per-workflow stream, and
// to every attached emitter.
//
// Publish never blocks: subscribers whose buffers are full miss the
// event. Errors from emitters are swallowed by the emitters themselves.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}

	// Snapshot receivers so no lock is held across channel sends.
	targets := make([]*Subscription, 0, 8)
	targets = append(targets, b.subs[topic]...)
	if topic != TopicAllWorkflows && strings.HasPrefix(topic, "workflows:") {
		targets = append(targets, b.subs[TopicAllWorkflows]...)
	}
	sinks := make([]Emitter, len(b.emitters))
	copy(sinks, b.emitters)
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full: drop (best-effort delivery).
		}
	}

	for _, sink := range sinks {
		sink.Emit(event)
	}
}

// Close shuts the bus down. All subscriptions are closed and further
// publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*Subscription, 0)
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// unsubscribe removes a subscription from the topic list.
func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
}
