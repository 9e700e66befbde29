// Package peers keeps the node's view of its neighbors.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/wire"
	"github.com/benbjohnson/clock"
)

type entry struct {
	info     wire.PeerInfo
	lastSeen time.Time
	pins     int
}

// Table is the neighbor directory cache. It never holds the local peer.
type Table struct {
	self     string
	clk      clock.Clock
	peers    map[string]*entry
	mu       sync.RWMutex
	onRemove []func(id string)
	hooksMu  sync.RWMutex
}

// NewTable creates a table that ignores selfID.
func NewTable(selfID string, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		self:  selfID,
		clk:   clk,
		peers: make(map[string]*entry),
	}
}

// OnRemove registers fn to run after a peer leaves the table.
func (t *Table) OnRemove(fn func(id string)) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.onRemove = append(t.onRemove, fn)
}

// Observe records a fresh contact with info and returns the stored record.
// A measured hop count is kept when the new record is unconfirmed.
func (t *Table) Observe(info wire.PeerInfo) (wire.PeerInfo, bool) {
	if info.ID == "" || info.ID == t.self {
		return wire.PeerInfo{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.peers[info.ID]
	if !ok {
		e = &entry{}
		t.peers[info.ID] = e
	} else if e.info.Confirmed() && !info.Confirmed() {
		info.HopCount = e.info.HopCount
	}
	if info.Address == "" {
		info.Address = e.info.Address
	}
	if len(info.Addrs) == 0 {
		info.Addrs = e.info.Addrs
	}
	e.info = info
	e.lastSeen = t.clk.Now()
	return e.info, true
}

// Get returns the record for id.
func (t *Table) Get(id string) (wire.PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[id]
	if !ok {
		return wire.PeerInfo{}, false
	}
	return e.info, true
}

// SetHopCount stores a measured hop count for id.
func (t *Table) SetHopCount(id string, hops int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[id]
	if !ok {
		return false
	}
	e.info.HopCount = hops
	return true
}

// Remove drops id unless a session still references it.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	e, ok := t.peers[id]
	if !ok || e.pins > 0 {
		t.mu.Unlock()
		return false
	}
	delete(t.peers, id)
	t.mu.Unlock()

	t.notifyRemoved(id)
	return true
}

// Pin protects id from eviction until the matching Unpin.
func (t *Table) Pin(info wire.PeerInfo) {
	if info.ID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[info.ID]
	if !ok {
		e = &entry{info: info, lastSeen: t.clk.Now()}
		t.peers[info.ID] = e
	}
	e.pins++
}

// Unpin releases one Pin.
func (t *Table) Unpin(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.peers[id]; ok && e.pins > 0 {
		e.pins--
	}
}

// List returns all neighbors ordered by id.
func (t *Table) List() []wire.PeerInfo {
	t.mu.RLock()
	out := make([]wire.PeerInfo, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, e.info)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of neighbors.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// EvictStale removes unpinned peers not seen within maxAge.
func (t *Table) EvictStale(maxAge time.Duration) []string {
	threshold := t.clk.Now().Add(-maxAge)
	var evicted []string

	t.mu.Lock()
	for id, e := range t.peers {
		if e.pins == 0 && e.lastSeen.Before(threshold) {
			delete(t.peers, id)
			evicted = append(evicted, id)
		}
	}
	t.mu.Unlock()

	for _, id := range evicted {
		t.notifyRemoved(id)
	}
	sort.Strings(evicted)
	return evicted
}

func (t *Table) notifyRemoved(id string) {
	t.hooksMu.RLock()
	hooks := append([]func(string){}, t.onRemove...)
	t.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}
