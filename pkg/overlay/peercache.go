package overlay

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/baderanaas/unada/pkg/wire"
)

// maxCachedPeers bounds the bootstrap candidates kept across restarts.
const maxCachedPeers = 32

// PeerCache persists known neighbors so a restarted node can rejoin
// without its configured bootstrap peer.
type PeerCache struct {
	peers    []wire.PeerInfo
	lock     sync.RWMutex
	filePath string
}

// NewPeerCache loads the cache stored at filePath, if any.
func NewPeerCache(filePath string) (*PeerCache, error) {
	pc := &PeerCache{filePath: filePath}
	if err := pc.Load(); err != nil {
		return nil, err
	}
	return pc, nil
}

// Load reads the cache file. A missing file is an empty cache.
func (pc *PeerCache) Load() error {
	pc.lock.Lock()
	defer pc.lock.Unlock()

	file, err := os.ReadFile(pc.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			pc.peers = nil
			return nil
		}
		return err
	}
	return json.Unmarshal(file, &pc.peers)
}

// Save writes the cache file.
func (pc *PeerCache) Save() error {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	file, err := json.MarshalIndent(pc.peers, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(pc.filePath, file, 0600)
}

// Replace swaps the cached peers for list, keeping the most recently
// published ones with dialable addresses.
func (pc *PeerCache) Replace(list []wire.PeerInfo) {
	kept := make([]wire.PeerInfo, 0, len(list))
	for _, p := range list {
		if len(p.Addrs) > 0 {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp.After(kept[j].Timestamp)
	})
	if len(kept) > maxCachedPeers {
		kept = kept[:maxCachedPeers]
	}
	pc.lock.Lock()
	defer pc.lock.Unlock()
	pc.peers = kept
}

// Peers returns the cached peers.
func (pc *PeerCache) Peers() []wire.PeerInfo {
	pc.lock.RLock()
	defer pc.lock.RUnlock()
	return append([]wire.PeerInfo(nil), pc.peers...)
}

// savePeerCache snapshots the neighbor table into the cache file. An empty
// table leaves the previous cache untouched.
func (n *Node) savePeerCache() error {
	list := n.table.List()
	if len(list) == 0 {
		return nil
	}
	n.cache.Replace(list)
	return n.cache.Save()
}
