package overlay

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/baderanaas/unada/pkg/wire"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peerstore"
	mh "github.com/multiformats/go-multihash"
)

// contentKey maps a content id to the CID its provider records live under.
func contentKey(contentID int64) (cid.Cid, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(contentID))
	hash, err := mh.Sum(buf[:], mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// Provide announces in the DHT that this node holds contentID.
func (n *Node) Provide(ctx context.Context, contentID int64) error {
	key, err := contentKey(contentID)
	if err != nil {
		return err
	}
	if err := n.dht.Provide(ctx, key, true); err != nil {
		return fmt.Errorf("provide %d: %w", contentID, err)
	}
	return nil
}

// FindProviders returns up to limit peers with a DHT provider record for
// contentID. Their hop counts are unconfirmed.
func (n *Node) FindProviders(ctx context.Context, contentID int64, limit int) ([]wire.PeerInfo, error) {
	key, err := contentKey(contentID)
	if err != nil {
		return nil, err
	}
	var out []wire.PeerInfo
	for info := range n.dht.FindProvidersAsync(ctx, key, limit) {
		if info.ID == n.host.ID() {
			continue
		}
		n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		p, ok := n.table.Get(info.ID.String())
		if !ok {
			p = wire.PeerInfo{ID: info.ID.String()}
			for _, addr := range info.Addrs {
				p.Addrs = append(p.Addrs, fmt.Sprintf("%s/p2p/%s", addr, info.ID))
			}
		}
		out = append(out, p.Unconfirmed())
	}
	if len(out) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return out, nil
}
