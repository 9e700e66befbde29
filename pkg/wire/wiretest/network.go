// Package wiretest provides an in-memory message network for exercising
// protocol services without libp2p.
package wiretest

import (
	"context"
	"sync"

	"github.com/baderanaas/unada/pkg/wire"
)

// Filter decides whether a message is delivered. Returning false drops it
// and makes SendMessage report failure.
type Filter func(from, to wire.PeerInfo, msg wire.Message) bool

// Network routes envelopes between endpoints by peer id.
type Network struct {
	endpoints map[string]*Endpoint
	down      map[string]bool
	filter    Filter
	mu        sync.RWMutex
	inflight  sync.WaitGroup
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		down:      make(map[string]bool),
	}
}

// Join attaches a new endpoint for info.
func (n *Network) Join(info wire.PeerInfo) *Endpoint {
	ep := &Endpoint{Mux: wire.NewMux(), net: n, self: info}
	n.mu.Lock()
	n.endpoints[info.ID] = ep
	n.mu.Unlock()
	return ep
}

// SetDown makes sends to id fail until it is brought back up.
func (n *Network) SetDown(id string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

// SetFilter installs f for all subsequent sends.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Wait blocks until every delivered message has been handled.
func (n *Network) Wait() {
	n.inflight.Wait()
}

// Endpoint is one peer on the network. It implements wire.Transport.
type Endpoint struct {
	*wire.Mux
	net  *Network
	self wire.PeerInfo
}

// Self returns the endpoint's identity.
func (e *Endpoint) Self() wire.PeerInfo {
	return e.self
}

// SendMessage encodes msg, hands it to the destination's mux on a new
// goroutine and returns once the message is accepted, like the stream ack.
func (e *Endpoint) SendMessage(ctx context.Context, to wire.PeerInfo, msg wire.Message) bool {
	if ctx.Err() != nil {
		return false
	}
	e.net.mu.RLock()
	dst, ok := e.net.endpoints[to.ID]
	down := e.net.down[to.ID] || e.net.down[e.self.ID]
	filter := e.net.filter
	e.net.mu.RUnlock()
	if !ok || down {
		return false
	}
	if filter != nil && !filter(e.self, to, msg) {
		return false
	}
	env, err := wire.Encode(e.self, msg)
	if err != nil {
		return false
	}
	e.net.inflight.Add(1)
	go func() {
		defer e.net.inflight.Done()
		_ = dst.Dispatch(context.Background(), env)
	}()
	return true
}
