package wire

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc processes one inbound message. Handlers may send further
// messages through the node they were registered on.
type HandlerFunc func(ctx context.Context, from PeerInfo, msg Message)

// Router registers handlers by message kind.
type Router interface {
	Handle(kind Kind, h HandlerFunc)
}

// Sender delivers messages directly to a peer.
type Sender interface {
	Self() PeerInfo
	// SendMessage reports whether the receiver acknowledged the message.
	SendMessage(ctx context.Context, to PeerInfo, msg Message) bool
}

// Transport is what protocol services need from the node.
type Transport interface {
	Sender
	Router
}

// Mux dispatches decoded envelopes to the handler registered for their kind.
type Mux struct {
	handlers map[Kind]HandlerFunc
	mu       sync.RWMutex
}

// NewMux creates an empty dispatcher.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]HandlerFunc)}
}

// Handle registers h for kind, replacing any previous handler.
func (m *Mux) Handle(kind Kind, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Has reports whether a handler exists for kind.
func (m *Mux) Has(kind Kind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[kind]
	return ok
}

// Dispatch decodes env and runs its handler on the calling goroutine.
func (m *Mux) Dispatch(ctx context.Context, env *Envelope) error {
	msg, err := env.Decode()
	if err != nil {
		return err
	}
	m.mu.RLock()
	h, ok := m.handlers[env.Kind]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for %s", env.Kind)
	}
	h(ctx, env.Sender, msg)
	return nil
}
