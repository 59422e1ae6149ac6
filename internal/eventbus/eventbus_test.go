package eventbus

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(testLogger())
	ch, unsubscribe := b.Subscribe(TopicMigrating)
	defer unsubscribe()

	b.Publish(TopicMigrating, "go")

	select {
	case got := <-ch:
		if got != "go" {
			t.Errorf("got %v, want %q", got, "go")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published payload")
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	b := New(testLogger())
	// Should not panic or block with no subscribers.
	b.Publish(TopicCPUInfo, 42)
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	b := New(testLogger())
	ch1, unsub1 := b.Subscribe(TopicPersistState)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(TopicPersistState)
	defer unsub2()

	b.Publish(TopicPersistState, "flush")

	for _, ch := range []<-chan any{ch1, ch2} {
		select {
		case got := <-ch:
			if got != "flush" {
				t.Errorf("got %v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(testLogger())
	ch, unsubscribe := b.Subscribe(TopicMigrating)
	unsubscribe()

	b.Publish(TopicMigrating, "go")

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := New(testLogger())
	ch, unsubscribe := b.Subscribe(TopicCPUInfo)
	defer unsubscribe()

	// The channel buffer is 16; publishing beyond that must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TopicCPUInfo, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
	<-ch // drain one to avoid leaking a goroutine warning in -race runs
}
