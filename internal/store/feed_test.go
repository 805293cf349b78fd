package store

import (
	"testing"
	"time"
)

func TestFeed_Subscribe(t *testing.T) {
	feed := NewFeed()

	ch := feed.Subscribe()
	defer feed.Unsubscribe(ch)

	feed.Publish(Record{Locator: "a"})

	select {
	case rec := <-ch:
		if rec.Locator != "a" {
			t.Errorf("received %q, want %q", rec.Locator, "a")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for record")
	}
}

func TestFeed_MultipleSubscribers(t *testing.T) {
	feed := NewFeed()

	ch1 := feed.Subscribe()
	ch2 := feed.Subscribe()
	defer feed.Unsubscribe(ch1)
	defer feed.Unsubscribe(ch2)

	if feed.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d, want 2", feed.Subscribers())
	}

	feed.Publish(Record{Locator: "a"})

	for i, ch := range []<-chan Record{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timeout waiting for record", i+1)
		}
	}
}

func TestFeed_Unsubscribe(t *testing.T) {
	feed := NewFeed()

	ch := feed.Subscribe()
	feed.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if feed.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", feed.Subscribers())
	}

	// second call is a no-op
	feed.Unsubscribe(ch)
}

func TestFeed_SlowSubscriber(t *testing.T) {
	feed := NewFeed()

	ch := feed.Subscribe()
	defer feed.Unsubscribe(ch)

	// more than the buffer; must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			feed.Publish(Record{Locator: "a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on slow subscriber")
	}

	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
}
