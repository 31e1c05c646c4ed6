// Package events carries inventory signals from the coordinator to the
// entity layer, the MQTT bridge, and WebSocket clients. Delivery is a
// non-blocking broadcast: a subscriber that falls behind loses signals
// instead of stalling a refresh. The bus is nil-safe, so Publish on a
// nil *Bus is a no-op and publishers need no guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/meshbridge/internal/wifi"
)

// Signal kinds.
const (
	// KindDeviceAdded reports a device ID seen for the first time.
	// SystemID, DeviceID and Device are set.
	KindDeviceAdded = "device_added"
	// KindDeviceRemoved reports a device ID absent from the latest
	// refresh. Only DeviceID is guaranteed.
	KindDeviceRemoved = "device_removed"
)

// Event is one inventory signal.
type Event struct {
	Timestamp time.Time    `json:"ts"`
	Kind      string       `json:"kind"`
	SystemID  string       `json:"system_id,omitempty"`
	DeviceID  string       `json:"device_id"`
	Device    *wifi.Device `json:"device,omitempty"`
}

// DeviceAdded builds a device_added signal.
func DeviceAdded(ts time.Time, systemID string, dev *wifi.Device) Event {
	return Event{
		Timestamp: ts,
		Kind:      KindDeviceAdded,
		SystemID:  systemID,
		DeviceID:  dev.ID,
		Device:    dev,
	}
}

// DeviceRemoved builds a device_removed signal.
func DeviceRemoved(ts time.Time, systemID, deviceID string) Event {
	return Event{
		Timestamp: ts,
		Kind:      KindDeviceRemoved,
		SystemID:  systemID,
		DeviceID:  deviceID,
	}
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back
	// to the channel stored in subs so Unsubscribe can close it.
	recvToSend map[<-chan Event]chan Event

	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends e to every subscriber whose buffer has room and
// returns the number of subscribers that missed it.
func (b *Bus) Publish(e Event) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	missed := 0
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			missed++
		}
	}
	if missed > 0 {
		b.dropped.Add(uint64(missed))
	}
	return missed
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// twice is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
