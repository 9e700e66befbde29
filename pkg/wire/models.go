package wire

import (
	"math"
	"time"
)

// UnknownHops marks a peer learned indirectly whose distance has not been
// confirmed yet.
const UnknownHops = math.MaxInt32

// PeerInfo is a node's identity record as published in the directory and
// carried in every message envelope.
type PeerInfo struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Addrs     []string  `json:"addrs,omitempty"`
	TCPPort   int       `json:"tcp_port"`
	UDPPort   int       `json:"udp_port"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	HopCount  int       `json:"hop_count"`
	Timestamp time.Time `json:"timestamp"`
}

// Confirmed reports whether the peer's hop count has been measured.
func (p PeerInfo) Confirmed() bool {
	return p.HopCount != UnknownHops
}

// Unconfirmed returns a copy of p tagged as learned indirectly.
func (p PeerInfo) Unconfirmed() PeerInfo {
	p.HopCount = UnknownHops
	return p
}

// Short returns an abbreviated id for logs and the shell.
func (p PeerInfo) Short() string {
	if len(p.ID) > 12 {
		return p.ID[len(p.ID)-12:]
	}
	return p.ID
}

// ContentRef identifies a content item and its size.
type ContentRef struct {
	ID   int64 `json:"id"`
	Size int64 `json:"size"`
}

// ASVector is the AS path toward Peer, nearest hop first. Zero marks a hop
// that could not be attributed to an AS.
type ASVector struct {
	Peer PeerInfo `json:"peer"`
	Path []uint32 `json:"path"`
}

// HopCount converts the path into the neighbor hop estimate: one less than
// the path length, or 1 when any hop is unresolved.
func (v ASVector) HopCount() int {
	if len(v.Path) == 0 {
		return UnknownHops
	}
	for _, as := range v.Path {
		if as == 0 {
			return 1
		}
	}
	return len(v.Path) - 1
}
