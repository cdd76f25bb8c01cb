package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubA()
	defer unsubC()

	b.Emit(Terminal, "hello")

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, Terminal, e.Type)
		assert.Equal(t, "hello", e.Data)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestBusUnsubscribeClosesOnce(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	require.Equal(t, 1, b.Len())

	unsub()
	unsub()
	assert.Zero(t, b.Len())

	_, ok := <-ch
	assert.False(t, ok)

	// publishing with nobody listening is fine
	b.Emit(Connection, ConnectionData{Status: "disconnected"})
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	const n = subscriberBuffer * 10
	published := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			b.Emit(Telemetry, i)
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a subscriber that is not reading")
	}

	var got []any
	for {
		select {
		case e := <-ch:
			got = append(got, e.Data)
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	require.NotEmpty(t, got)
	assert.Equal(t, 0, got[0])
	assert.Less(t, len(got), n)
}

func TestBusEventsArriveInOrder(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Emit(Terminal, i)
	}
	for i := 0; i < 10; i++ {
		select {
		case e := <-ch:
			assert.Equal(t, i, e.Data)
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}
