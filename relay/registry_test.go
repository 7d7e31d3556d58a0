package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWindow struct {
	posted []any
}

func (w *fakeWindow) PostMessage(payload any) {
	w.posted = append(w.posted, payload)
}

type fakeHandler struct {
	requests []Message
}

func (h *fakeHandler) OnRequest(message Message) {
	h.requests = append(h.requests, message)
}

func TestRegistry_Dispatch(t *testing.T) {
	t.Run("routes by window identity", func(t *testing.T) {
		registry := NewRegistry()
		window := &fakeWindow{}
		owner := &fakeHandler{}
		registry.Register(window, owner)

		delivered := registry.Dispatch(window, Message{"messageId": "1", "messageType": "scope.get", "payload": "x"})
		require.True(t, delivered)
		require.Len(t, owner.requests, 1)
		assert.Equal(t, "1", owner.requests[0].ID())
		assert.Equal(t, "scope.get", owner.requests[0].Type())
	})
	t.Run("unregistered window is ignored", func(t *testing.T) {
		registry := NewRegistry()
		assert.False(t, registry.Dispatch(&fakeWindow{}, Message{"messageId": "1", "messageType": "t"}))
	})
	t.Run("message without identifier or type is dropped", func(t *testing.T) {
		registry := NewRegistry()
		window := &fakeWindow{}
		owner := &fakeHandler{}
		registry.Register(window, owner)

		assert.False(t, registry.Dispatch(window, Message{"messageType": "t"}))
		assert.False(t, registry.Dispatch(window, Message{"messageId": "1"}))
		assert.Empty(t, owner.requests)
	})
}

func TestRegistry_Respond(t *testing.T) {
	registry := NewRegistry()
	window := &fakeWindow{}
	owner := &fakeHandler{}
	registry.Register(window, owner)

	registry.Respond(owner, map[string]any{"messageId": "1", "messageType": EventResponse})
	require.Len(t, window.posted, 1)

	// Responding for an unknown owner is a no-op.
	registry.Respond(&fakeHandler{}, "ignored")
	assert.Len(t, window.posted, 1)
}

func TestRegistry_Register(t *testing.T) {
	t.Run("new window replaces the owner's prior window", func(t *testing.T) {
		registry := NewRegistry()
		owner := &fakeHandler{}
		first := &fakeWindow{}
		second := &fakeWindow{}
		registry.Register(first, owner)
		registry.Register(second, owner)

		assert.Equal(t, 1, registry.Count())
		assert.False(t, registry.Dispatch(first, Message{"messageId": "1", "messageType": "t"}))
		assert.True(t, registry.Dispatch(second, Message{"messageId": "2", "messageType": "t"}))
	})
	t.Run("unregister clears the entry", func(t *testing.T) {
		registry := NewRegistry()
		owner := &fakeHandler{}
		window := &fakeWindow{}
		registry.Register(window, owner)
		registry.Unregister(window)

		assert.Equal(t, 0, registry.Count())
		assert.False(t, registry.Dispatch(window, Message{"messageId": "1", "messageType": "t"}))
	})
	t.Run("nil window or owner is a no-op", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(nil, &fakeHandler{})
		registry.Register(&fakeWindow{}, nil)
		registry.Unregister(nil)
		assert.Equal(t, 0, registry.Count())
	})
}
