package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/baderanaas/unada/pkg/metrics"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// ack is the receiver's answer on a message stream.
type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SendMessage delivers msg to the peer over a fresh stream and waits for
// its ack, bounded by the send timeout. It reports whether the peer
// accepted the message.
func (n *Node) SendMessage(ctx context.Context, to wire.PeerInfo, msg wire.Message) bool {
	kind := string(msg.Kind())
	if err := n.send(ctx, to, msg); err != nil {
		metrics.SendFailures.WithLabelValues(kind).Inc()
		n.logger.Debug("send failed", zap.String("peer", to.Short()), zap.String("kind", kind), zap.Error(err))
		return false
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()
	return true
}

func (n *Node) send(ctx context.Context, to wire.PeerInfo, msg wire.Message) error {
	pid, err := peer.Decode(to.ID)
	if err != nil {
		return fmt.Errorf("decode peer id: %w", err)
	}
	if pid == n.host.ID() {
		return errors.New("refusing to message self")
	}
	env, err := wire.Encode(n.Self(), msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.opts.SendTimeout)
	defer cancel()
	if len(n.host.Peerstore().Addrs(pid)) == 0 {
		n.addAddrs(pid, to.Addrs, peerstore.TempAddrTTL)
	}
	if len(n.host.Peerstore().Addrs(pid)) == 0 && n.Connected() > 0 {
		if _, err := n.Resolve(ctx, to.ID); err != nil {
			return err
		}
	}

	s, err := n.host.NewStream(ctx, pid, MessageProtocol)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			n.logger.Debug("error closing stream", zap.Error(err))
		}
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := json.NewEncoder(s).Encode(env); err != nil {
		_ = s.Reset()
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("close write: %w", err)
	}
	var a ack
	if err := json.NewDecoder(s).Decode(&a); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if !a.OK {
		return fmt.Errorf("rejected: %s", a.Error)
	}
	return nil
}

// handleStream reads one envelope, acks it and hands it to the inbound
// worker pool.
func (n *Node) handleStream(s network.Stream) {
	defer func() {
		if err := s.Close(); err != nil {
			n.logger.Debug("error closing stream", zap.Error(err))
		}
	}()
	_ = s.SetDeadline(time.Now().Add(n.opts.SendTimeout))

	var env wire.Envelope
	if err := json.NewDecoder(s).Decode(&env); err != nil {
		n.logger.Debug("failed to decode envelope", zap.Error(err))
		_ = json.NewEncoder(s).Encode(ack{Error: "malformed envelope"})
		return
	}
	if !n.Has(env.Kind) {
		_ = json.NewEncoder(s).Encode(ack{Error: "unsupported kind " + string(env.Kind)})
		return
	}

	env.Sender.ID = s.Conn().RemotePeer().String()
	env.Sender.Address = remoteIP(s.Conn().RemoteMultiaddr())
	if err := json.NewEncoder(s).Encode(ack{OK: true}); err != nil {
		n.logger.Debug("failed to ack", zap.String("peer", env.Sender.Short()), zap.Error(err))
		return
	}
	metrics.MessagesReceived.WithLabelValues(string(env.Kind)).Inc()

	if stored, ok := n.table.Observe(env.Sender.Unconfirmed()); ok {
		env.Sender = stored
	}
	n.inbound.Go(func() error {
		if err := n.Dispatch(n.ctx, &env); err != nil {
			n.logger.Debug("dispatch failed", zap.String("kind", string(env.Kind)), zap.Error(err))
		}
		return nil
	})
}

// remoteIP is the address the connection actually arrived from. Claimed
// sender addresses are never trusted since they become traceroute targets.
func remoteIP(addr multiaddr.Multiaddr) string {
	if ip, err := addr.ValueForProtocol(multiaddr.P_IP4); err == nil {
		return ip
	}
	if ip, err := addr.ValueForProtocol(multiaddr.P_IP6); err == nil {
		return ip
	}
	return ""
}

// connIP returns the remote address of a live connection to pid, or ""
// when there is none.
func (n *Node) connIP(pid peer.ID) string {
	for _, c := range n.host.Network().ConnsToPeer(pid) {
		if ip := remoteIP(c.RemoteMultiaddr()); ip != "" {
			return ip
		}
	}
	return ""
}

func (n *Node) addAddrs(pid peer.ID, addrs []string, ttl time.Duration) {
	for _, s := range addrs {
		info, err := peer.AddrInfoFromString(s)
		if err != nil || info.ID != pid {
			continue
		}
		n.host.Peerstore().AddAddrs(pid, info.Addrs, ttl)
	}
}
