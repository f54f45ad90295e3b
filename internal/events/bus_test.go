package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPreservesOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received := make(chan int, 100)
	bus.Subscribe(EventDataPacket, func(ev Event) {
		received <- ev.Payload.(int)
	})

	for i := 0; i < 100; i++ {
		bus.Emit(EventDataPacket, i)
	}

	for i := 0; i < 100; i++ {
		select {
		case got := <-received:
			require.Equal(t, i, got, "events must arrive in publish order")
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received := make(chan struct{}, 10)
	unsubscribe := bus.Subscribe(EventConnected, func(Event) {
		received <- struct{}{}
	})

	bus.Emit(EventConnected, nil)
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("event not delivered before unsubscribe")
	}

	unsubscribe()
	bus.Emit(EventConnected, nil)

	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusOnlyMatchingKind(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	connected := make(chan struct{}, 1)
	bus.Subscribe(EventConnected, func(Event) { connected <- struct{}{} })

	bus.Emit(EventDisconnected, nil)
	bus.Emit(EventConnected, nil)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connected event not delivered")
	}
	assert.Empty(t, connected)
}

func TestBusCloseIsTotal(t *testing.T) {
	bus := NewBus()

	received := make(chan struct{}, 1)
	bus.Subscribe(EventConnected, func(Event) { received <- struct{}{} })

	bus.Close()
	bus.Close()
	bus.Emit(EventConnected, nil)

	select {
	case <-received:
		t.Fatal("event delivered after close")
	case <-time.After(50 * time.Millisecond):
	}

	// 关闭后订阅是空操作
	cancel := bus.Subscribe(EventConnected, func(Event) {})
	cancel()
}
