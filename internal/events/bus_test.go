package events

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/meshbridge/internal/wifi"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	if missed := b.Publish(DeviceRemoved(time.Now(), "sys-1", "dev-1")); missed != 0 {
		t.Errorf("Publish on nil bus = %d, want 0", missed)
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() on nil bus = %d, want 0", got)
	}
}

func TestDeviceAdded(t *testing.T) {
	ts := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	dev := &wifi.Device{ID: "dev-1", Name: "Pixel"}

	e := DeviceAdded(ts, "sys-1", dev)
	if e.Kind != KindDeviceAdded || e.SystemID != "sys-1" || e.DeviceID != "dev-1" || e.Device != dev {
		t.Errorf("DeviceAdded = %+v", e)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, ts)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Publish(DeviceAdded(time.Now(), "sys-1", &wifi.Device{ID: "dev-1"}))

	select {
	case got := <-ch:
		if got.Kind != KindDeviceAdded || got.DeviceID != "dev-1" {
			t.Errorf("got event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(DeviceRemoved(time.Now(), "sys-1", "dev-9"))

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindDeviceRemoved || got.DeviceID != "dev-9" {
				t.Errorf("subscriber %d: got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	if missed := b.Publish(Event{Kind: "first"}); missed != 0 {
		t.Errorf("first publish missed %d", missed)
	}
	if missed := b.Publish(Event{Kind: "second"}); missed != 1 {
		t.Errorf("second publish missed %d, want 1", missed)
	}

	got := <-ch
	if got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}

	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}

	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}

	// Second call and later publishes must not panic.
	b.Unsubscribe(ch)
	b.Publish(Event{Kind: KindDeviceAdded})

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup
	ch := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for range publishers {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for range eventsPerPublisher {
				b.Publish(DeviceRemoved(time.Now(), "sys-1", "dev"))
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	wg.Wait()
}
