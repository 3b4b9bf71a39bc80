package kernel

import (
	"sync"
)

const DefaultSubscriberQueue = 256

// Broadcaster fans one kernel's broadcast stream out to every attached
// observer in emission order. Observers that fall behind their bounded queue
// are evicted with ErrResourceExhausted rather than buffered without limit;
// this is the uniform backpressure policy for all broadcast bridges.
// Observers never receive messages published before they subscribed.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextSubID uint64
	queueSize int
	closed    bool
	closeOnce sync.Once
}

// Subscription is one observer's view of the broadcast stream. C is closed
// when the subscription ends; Err reports why.
type Subscription struct {
	C <-chan Message

	ch     chan Message
	mu     sync.Mutex
	reason error
}

// Err is valid once C is closed: nil after a voluntary cancel,
// ErrKernelStale after kernel teardown, ErrResourceExhausted after eviction.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) setReason(err error) {
	s.mu.Lock()
	s.reason = err
	s.mu.Unlock()
}

func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueue
	}
	return &Broadcaster{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe attaches an observer starting at the current position of the
// stream. There is no replay of earlier messages.
func (b *Broadcaster) Subscribe() (*Subscription, func()) {
	ch := make(chan Message, b.queueSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.setReason(ErrKernelStale)
		close(ch)
		return sub, func() {}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing.ch)
		}
		b.mu.Unlock()
	}
	return sub, cancel
}

// Publish delivers to every observer in call order. Publishers are never
// blocked: an observer whose queue is full is removed on the spot.
func (b *Broadcaster) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			delete(b.subs, id)
			sub.setReason(ErrResourceExhausted)
			close(sub.ch)
		}
	}
}

// Close ends every subscription with ErrKernelStale. Used on kernel stop,
// restart, and unexpected exit; the bridge layer turns it into the single
// terminal staleness notification.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for id, sub := range b.subs {
			delete(b.subs, id)
			sub.setReason(ErrKernelStale)
			close(sub.ch)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
