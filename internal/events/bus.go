// Package events fans link events out to application subscribers such as
// websocket clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
)

// Type classifies an event for subscribers.
type Type string

const (
	Connection Type = "connection"
	Terminal   Type = "terminal"
	Telemetry  Type = "telemetry"
	FSTree     Type = "fs_tree"
	Version    Type = "version"
	Update     Type = "update"
	Plugins    Type = "plugins"
	RunError   Type = "run_error"
	Joystick   Type = "joystick"
)

// Event is the JSON envelope delivered to subscribers.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ConnectionData is carried by Connection events.
type ConnectionData struct {
	Status    string `json:"status"` // "connected" or "disconnected"
	Transport string `json:"transport"`
	Device    string `json:"device,omitempty"`
}

// UpdateData tells the user a newer firmware or library is available.
type UpdateData struct {
	Component string `json:"component"` // "micropython" or "library"
	Current   string `json:"current"`
	Latest    string `json:"latest"`
}

// subscriberBuffer is the per-subscriber backlog; events past it are dropped.
const subscriberBuffer = 64

const topic = "events"

// Bus delivers every published event to all current subscribers.
type Bus struct {
	ps   *pubsub.PubSub
	subs atomic.Int32
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{ps: pubsub.New(subscriberBuffer)}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; calling it more than once is harmless.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	raw := b.ps.Sub(topic)
	out := make(chan Event)
	done := make(chan struct{})
	b.subs.Add(1)

	go func() {
		defer close(out)
		// raw is closed by the broker once Unsub is processed
		for v := range raw {
			e, ok := v.(Event)
			if !ok {
				continue
			}
			select {
			case out <- e:
			case <-done:
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			b.subs.Add(-1)
			close(done)
			b.ps.Unsub(raw, topic)
		})
	}
}

// Publish never blocks on a subscriber: one whose backlog is full misses
// the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.ps.TryPub(e, topic)
}

// Emit publishes data as an event of type t.
func (b *Bus) Emit(t Type, data any) {
	b.Publish(Event{Type: t, Data: data})
}

// Len returns the subscriber count.
func (b *Bus) Len() int {
	return int(b.subs.Load())
}
