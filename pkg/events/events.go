package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yoyogias2011/TUID/pkg/metrics"
)

// Type names a state change in the annotation cache.
type Type string

const (
	AnnotationCreated Type = "annotation.created"
	FileTombstoned    Type = "file.tombstoned"
	FrontierMoved     Type = "frontier.moved"
	FrontierDeleted   Type = "frontier.deleted"
	FileFailed        Type = "file.failed"
	BatchDeferred     Type = "batch.deferred"
)

// Event describes one state change of one (file, revision) pair.
type Event struct {
	Type     Type
	File     string
	Revision string
	// Detail carries the event-specific extra: the old frontier for a
	// move, the error for a failure, the batch id for a deferral.
	Detail string
	At     time.Time
}

// Broker fans events out to subscribers without ever blocking the
// resolve path. There is no dispatch goroutine: the publisher delivers
// directly, and a subscriber that falls behind loses events. Losses
// are counted, both on the broker and in the events_dropped metric.
type Broker struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	closed  bool
	dropped atomic.Uint64
}

// NewBroker creates an empty broker, ready to publish into.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a receiver with the given buffer size. The
// channel is closed by Close or Unsubscribe.
func (b *Broker) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the receiver and closes its channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Publish delivers the event to every subscriber that has room. The
// call never blocks; events to full subscribers are dropped and
// counted.
func (b *Broker) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

// Dropped returns how many events were lost to full subscribers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of registered receivers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
