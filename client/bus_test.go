package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mace/protocol"
)

func TestBus(t *testing.T) {
	bus := NewBus()
	var a, b int
	subA := bus.On("doc1", func(*protocol.Update) { a++ })
	bus.On("doc1", func(*protocol.Update) { b++ })
	bus.On("doc2", func(*protocol.Update) { t.Fatal("wrong key") })

	bus.Emit("doc1", &protocol.Update{})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)

	bus.Off("doc1", subA)
	bus.Emit("doc1", &protocol.Update{})
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)

	// Off with an unknown subscription is harmless.
	bus.Off("doc3", subA)
}

func TestBusHandlerMayUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	var sub *Subscription
	sub = bus.On("doc1", func(*protocol.Update) {
		calls++
		bus.Off("doc1", sub)
	})
	bus.Emit("doc1", &protocol.Update{})
	bus.Emit("doc1", &protocol.Update{})
	assert.Equal(t, 1, calls)
}
