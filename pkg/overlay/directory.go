package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baderanaas/unada/pkg/wire"
	kb "github.com/libp2p/go-libp2p-kbucket"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const connectTimeout = 30 * time.Second

// ErrPeerNotFound is returned when the directory holds no record for a peer.
var ErrPeerNotFound = errors.New("peer not found")

// JoinError reports a failed attempt to enter the overlay.
type JoinError struct {
	Bootstrap []string
	Err       error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join overlay via %s: %v", strings.Join(e.Bootstrap, ","), e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// recordKey is the DHT key of a peer's record.
func recordKey(id string) string {
	return "/" + RecordNamespace + "/" + id
}

// recordValidator accepts PeerInfo records stored under their own id and
// prefers the most recently published one.
type recordValidator struct{}

var _ record.Validator = recordValidator{}

func (recordValidator) Validate(key string, value []byte) error {
	ns, id, err := record.SplitKey(key)
	if err != nil {
		return err
	}
	if ns != RecordNamespace {
		return fmt.Errorf("unexpected namespace %q", ns)
	}
	var info wire.PeerInfo
	if err := json.Unmarshal(value, &info); err != nil {
		return fmt.Errorf("decode peer record: %w", err)
	}
	if info.ID != id {
		return fmt.Errorf("record for %s stored under %s", info.ID, id)
	}
	return nil
}

func (recordValidator) Select(_ string, values [][]byte) (int, error) {
	best := -1
	var newest time.Time
	for i, v := range values {
		var info wire.PeerInfo
		if err := json.Unmarshal(v, &info); err != nil {
			continue
		}
		if best == -1 || info.Timestamp.After(newest) {
			best, newest = i, info.Timestamp
		}
	}
	if best == -1 {
		return 0, errors.New("no valid peer record")
	}
	return best, nil
}

// Create starts a fresh overlay with this node as its only member.
func (n *Node) Create(ctx context.Context) error {
	n.setStatus(StatusConnecting)
	if err := n.dht.Bootstrap(ctx); err != nil {
		n.setStatus(StatusError)
		return fmt.Errorf("bootstrap dht: %w", err)
	}
	if err := n.UpdateOverlay(ctx); err != nil {
		n.setStatus(StatusError)
		return err
	}
	n.setStatus(StatusOK)
	n.start()
	return nil
}

// Join contacts the bootstrap peers, plus any cached from a previous run,
// enters the DHT and publishes the local record.
func (n *Node) Join(ctx context.Context, bootstrap []string) error {
	n.setStatus(StatusConnecting)
	candidates := append([]string(nil), bootstrap...)
	for _, p := range n.cache.Peers() {
		candidates = append(candidates, p.Addrs...)
	}

	connected := 0
	var lastErr error
	for _, addr := range candidates {
		info, err := n.connectToPeer(ctx, addr)
		if err != nil {
			n.logger.Debug("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
			lastErr = err
			continue
		}
		connected++
		n.table.Observe(bootstrapInfo(info, addr))
	}
	if connected == 0 {
		n.setStatus(StatusError)
		if lastErr == nil {
			lastErr = errors.New("no bootstrap peers")
		}
		return &JoinError{Bootstrap: bootstrap, Err: lastErr}
	}

	if err := n.dht.Bootstrap(ctx); err != nil {
		n.logger.Warn("dht bootstrap warning", zap.Error(err))
	}
	n.waitRoutingTable(ctx)
	if err := n.UpdateOverlay(ctx); err != nil {
		n.setStatus(StatusError)
		return &JoinError{Bootstrap: bootstrap, Err: err}
	}
	n.setStatus(StatusOK)
	n.start()
	return nil
}

const routingTableWait = 5 * time.Second

// waitRoutingTable gives identify a moment to add connected peers to the
// DHT routing table before the first publish.
func (n *Node) waitRoutingTable(ctx context.Context) {
	deadline := n.opts.Clock.Timer(routingTableWait)
	defer deadline.Stop()
	tick := n.opts.Clock.Ticker(50 * time.Millisecond)
	defer tick.Stop()
	for n.dht.RoutingTable().Size() == 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// UpdateOverlay republishes the local PeerInfo. A lone node has no peers to
// store the record on; that is not an error.
func (n *Node) UpdateOverlay(ctx context.Context) error {
	self := n.Self()
	value, err := json.Marshal(self)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := n.dht.PutValue(ctx, recordKey(self.ID), value); err != nil && !errors.Is(err, kb.ErrLookupFailure) {
		return fmt.Errorf("publish peer record: %w", err)
	}
	return nil
}

// Resolve looks up a peer's record in the directory and makes its
// addresses dialable.
func (n *Node) Resolve(ctx context.Context, id string) (wire.PeerInfo, error) {
	pid, err := peer.Decode(id)
	if err != nil {
		return wire.PeerInfo{}, fmt.Errorf("decode peer id %q: %w", id, err)
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	value, err := n.dht.GetValue(ctx, recordKey(id))
	if err != nil {
		return wire.PeerInfo{}, fmt.Errorf("%w: %s: %v", ErrPeerNotFound, id, err)
	}
	var info wire.PeerInfo
	if err := json.Unmarshal(value, &info); err != nil {
		return wire.PeerInfo{}, fmt.Errorf("decode peer record: %w", err)
	}
	n.addAddrs(pid, info.Addrs, peerstore.TempAddrTTL)
	return info.Unconfirmed(), nil
}

// connectToPeer dials a peer given its full multiaddress.
func (n *Node) connectToPeer(ctx context.Context, addr string) (*peer.AddrInfo, error) {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return nil, err
	}
	if info.ID == n.host.ID() {
		return nil, errors.New("refusing to dial self")
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		return nil, err
	}
	return info, nil
}

// bootstrapInfo is the neighbor record of a peer known only by the address
// it was dialed on.
func bootstrapInfo(info *peer.AddrInfo, addr string) wire.PeerInfo {
	p := wire.PeerInfo{ID: info.ID.String(), Addrs: []string{addr}}
	for _, a := range info.Addrs {
		if ip, err := a.ValueForProtocol(multiaddr.P_IP4); err == nil {
			p.Address = ip
			break
		}
	}
	return p.Unconfirmed()
}
