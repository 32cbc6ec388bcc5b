package esl

import "sync"

// eventBroadcastBuffer bounds each subscriber's private queue. A
// subscriber that falls behind this many events is disconnected rather
// than allowed to stall the parser.
const eventBroadcastBuffer = 64

// eventBroadcaster is the event socket's single-producer, many-consumer
// fan-out. The parser goroutine is the only producer; Subscribe may
// be called from any goroutine at any time and always receives every
// event published after the call returns.
//
// No pub/sub library appears anywhere in the retrieval pack for this
// domain; every example repo fans events out with a plain channel (see
// fiorix-go-eventsocket and seun104-go-switch's `evt chan *Event`), so this
// stays a small stdlib primitive built the same way, generalized to
// support many independent subscribers instead of one.
type eventBroadcaster struct {
	mu          sync.Mutex
	subscribers map[*eventSubscription]struct{}
	closed      bool
}

// eventSubscription is one consumer's private queue plus its filter.
type eventSubscription struct {
	ch     chan *EventMessage
	done   chan struct{}
	filter func(*EventMessage) bool

	closedOnce sync.Once
}

func newEventBroadcaster() *eventBroadcaster {
	return &eventBroadcaster{subscribers: map[*eventSubscription]struct{}{}}
}

// subscribe registers a new consumer. A nil filter matches every event.
func (b *eventBroadcaster) subscribe(filter func(*EventMessage) bool) *eventSubscription {
	sub := &eventSubscription{
		ch:     make(chan *EventMessage, eventBroadcastBuffer),
		done:   make(chan struct{}),
		filter: filter,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.done)
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// unsubscribe removes a consumer. Idempotent.
func (b *eventBroadcaster) unsubscribe(sub *eventSubscription) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.closedOnce.Do(func() { close(sub.done) })
}

// publish fans an event out to every subscriber whose filter matches.
// Never blocks on a slow consumer: a full queue means that consumer is
// dropped and its done channel closed.
func (b *eventBroadcaster) publish(ev *EventMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(b.subscribers, sub)
			sub.closedOnce.Do(func() { close(sub.done) })
		}
	}
}

// closeAll tears every subscription down, used when the connection dies,
// so callers of the event stream see it end instead of blocking forever.
func (b *eventBroadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		sub.closedOnce.Do(func() { close(sub.done) })
	}
}
