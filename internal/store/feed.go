package store

import "sync"

const subscriberBuffer = 100

// Feed fans saved records out to subscribers.
//
// Subscribers receive records via buffered channels (buffer size 100).
// Records are sent non-blocking; if a subscriber's buffer is full, the
// record is dropped for that subscriber to prevent blocking persistence.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[chan Record]struct{}
}

// NewFeed creates an empty [Feed].
func NewFeed() *Feed {
	return &Feed{subscribers: make(map[chan Record]struct{})}
}

// Subscribe creates a new subscription.
//
// Caller must call [Feed.Unsubscribe] when done to prevent resource leaks.
func (f *Feed) Subscribe() <-chan Record {
	ch := make(chan Record, subscriberBuffer)

	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times or with an unknown channel.
func (f *Feed) Unsubscribe(ch <-chan Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subscribers {
		if sub == ch {
			delete(f.subscribers, sub)
			close(sub)
			break
		}
	}
}

// Publish sends rec to every subscriber without blocking.
func (f *Feed) Publish(rec Record) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for ch := range f.subscribers {
		select {
		case ch <- rec:
		default:
			// subscriber is slow, drop the record
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
