// Package relay bridges messages between embedded app frames and their host.
// An inbound message from a registered window is forwarded to the owner that
// registered it; the owner's response is posted back into that window.
package relay

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event names for messages crossing the bridge.
const (
	EventRequest  = "smart_request"
	EventResponse = "smart_response"
)

// Message is the payload exchanged with an embedded frame. A message is only
// routable when it carries both a message identifier and a message type.
type Message map[string]any

// ID returns the message identifier, or the empty string.
func (m Message) ID() string {
	id, _ := m["messageId"].(string)
	return id
}

// Type returns the message type, or the empty string.
func (m Message) Type() string {
	messageType, _ := m["messageType"].(string)
	return messageType
}

// Window is a handle to an embedded frame that can receive posted payloads.
type Window interface {
	PostMessage(payload any)
}

// Handler owns a registered window and receives the requests it sends.
type Handler interface {
	OnRequest(message Message)
}

type entry struct {
	window Window
	owner  Handler
}

// Registry maps windows to their owners. At most one window is registered per
// owner; registering a new window first unregisters the owner's prior one.
type Registry struct {
	mu      sync.Mutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds a window to its owner. Any window previously registered for
// the same owner is unregistered first.
func (r *Registry) Register(window Window, owner Handler) {
	if window == nil || owner == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(func(e entry) bool { return e.owner == owner })
	r.entries = append(r.entries, entry{window: window, owner: owner})
}

// Unregister removes the entry for the given window, if any.
func (r *Registry) Unregister(window Window) {
	if window == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(func(e entry) bool { return e.window == window })
}

// Dispatch routes a message from a source window to the owner that registered
// it. Messages from unregistered windows, and messages lacking an identifier
// or type, are dropped. It reports whether the message was delivered.
func (r *Registry) Dispatch(source Window, message Message) bool {
	owner := r.ownerOf(source)
	if owner == nil {
		return false
	}
	if message.ID() == "" || message.Type() == "" {
		log.Debug().Msg("Dropping frame message without messageId or messageType")
		return false
	}
	owner.OnRequest(message)
	return true
}

// Respond posts a payload back into the window registered for the given
// owner. The payload is posted unconditionally; it is up to the owner to only
// respond to requests it received.
func (r *Registry) Respond(owner Handler, payload any) {
	window := r.windowOf(owner)
	if window == nil {
		return
	}
	window.PostMessage(payload)
}

// Count returns the number of registered windows.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) ownerOf(window Window) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.window == window {
			return e.owner
		}
	}
	return nil
}

func (r *Registry) windowOf(owner Handler) Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.owner == owner {
			return e.window
		}
	}
	return nil
}

func (r *Registry) removeLocked(match func(entry) bool) {
	remaining := r.entries[:0]
	for _, e := range r.entries {
		if !match(e) {
			remaining = append(remaining, e)
		}
	}
	r.entries = remaining
}
