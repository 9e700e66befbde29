package overlay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/baderanaas/unada/pkg/wire"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"go.uber.org/zap"
)

const discoveryInterval = time.Minute

// start launches the background loops once the node is in an overlay.
func (n *Node) start() {
	n.startOnce.Do(func() {
		if err := n.joinPresence(); err != nil {
			n.logger.Warn("presence gossip disabled", zap.Error(err))
		}
		if n.opts.MDNS {
			n.mdns = mdns.NewMdnsService(n.host, MDNSService, &discoveryNotifee{node: n})
			if err := n.mdns.Start(); err != nil {
				n.logger.Warn("mdns disabled", zap.Error(err))
			}
		}
		n.goBackground(n.startRendezvous)
		n.goBackground(n.maintainNetwork)
	})
}

func (n *Node) goBackground(fn func()) {
	n.background.Add(1)
	go func() {
		defer n.background.Done()
		fn()
	}()
}

// discoveryNotifee connects to peers found on the local network.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(d.node.ctx, connectTimeout)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err != nil {
		d.node.logger.Debug("failed to connect to mdns peer", zap.Stringer("peer", pi.ID), zap.Error(err))
		return
	}
	d.node.logger.Info("connected to local peer", zap.Stringer("peer", pi.ID))
	d.node.announcePresence()
}

// joinPresence subscribes to the presence topic. Every PeerInfo published
// there lands in the neighbor table.
func (n *Node) joinPresence() error {
	topic, err := n.pubsub.Join(PresenceTopic)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}
	n.presence = topic
	n.goBackground(func() { n.handlePresence(sub) })
	n.announcePresence()
	return nil
}

func (n *Node) handlePresence(sub *pubsub.Subscription) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == n.host.ID() {
			continue
		}
		var info wire.PeerInfo
		if err := json.Unmarshal(msg.GetData(), &info); err != nil {
			continue
		}
		if info.ID != msg.GetFrom().String() {
			n.logger.Debug("ignoring presence for another peer", zap.String("claimed", info.ID))
			continue
		}
		pid := msg.GetFrom()
		if len(n.host.Peerstore().Addrs(pid)) == 0 {
			n.addAddrs(pid, info.Addrs, n.opts.RecordTTL)
		}
		info.Address = n.connIP(pid)
		if _, ok := n.table.Observe(info.Unconfirmed()); ok {
			n.logger.Debug("presence", zap.String("peer", info.Short()))
		}
	}
}

// announcePresence publishes the local PeerInfo on the presence topic.
func (n *Node) announcePresence() {
	if n.presence == nil {
		return
	}
	data, err := json.Marshal(n.Self())
	if err != nil {
		return
	}
	if err := n.presence.Publish(n.ctx, data); err != nil {
		n.logger.Debug("failed to publish presence", zap.Error(err))
	}
}

// startRendezvous advertises the overlay namespace and periodically dials
// peers found under it.
func (n *Node) startRendezvous() {
	routingDiscovery := discovery.NewRoutingDiscovery(n.dht)
	util.Advertise(n.ctx, routingDiscovery, RendezvousNamespace)

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peerChan, err := routingDiscovery.FindPeers(n.ctx, RendezvousNamespace)
			if err != nil {
				continue
			}
			n.processPeerDiscovery(peerChan)
		}
	}
}

// processPeerDiscovery dials peers found via discovery that are not yet
// connected.
func (n *Node) processPeerDiscovery(peerChan <-chan peer.AddrInfo) {
	for p := range peerChan {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 || len(n.host.Network().ConnsToPeer(p.ID)) > 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 15*time.Second)
		err := n.host.Connect(ctx, p)
		cancel()
		if err == nil {
			n.logger.Info("connected to peer via rendezvous", zap.Stringer("peer", p.ID))
		}
	}
}
