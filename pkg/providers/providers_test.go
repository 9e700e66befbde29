package providers

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/unada/pkg/bloom"
	"github.com/baderanaas/unada/pkg/peers"
	"github.com/baderanaas/unada/pkg/store"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/baderanaas/unada/pkg/wire/wiretest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testNode struct {
	info  wire.PeerInfo
	table *peers.Table
	store *store.Memory
	svc   *Service
}

func newTestNode(t *testing.T, net *wiretest.Network, id string, opts Options) *testNode {
	info := wire.PeerInfo{ID: id, Address: "192.0.2.1", HopCount: 0}
	table := peers.NewTable(id, nil)
	st := store.NewMemory()
	svc := New(net.Join(info), table, st, nil, nil, opts, zaptest.NewLogger(t))
	return &testNode{info: info, table: table, store: st, svc: svc}
}

func ids(list []wire.PeerInfo) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

type replyRecorder struct {
	mu      sync.Mutex
	replies []wire.ProviderReply
	to      []string
}

func (r *replyRecorder) filter(_ wire.PeerInfo, to wire.PeerInfo, msg wire.Message) bool {
	if reply, ok := msg.(wire.ProviderReply); ok {
		r.mu.Lock()
		r.replies = append(r.replies, reply)
		r.to = append(r.to, to.ID)
		r.mu.Unlock()
	}
	return true
}

func TestReplyNeverContainsRequester(t *testing.T) {
	net := wiretest.NewNetwork()
	rec := &replyRecorder{}
	net.SetFilter(rec.filter)

	a := newTestNode(t, net, "peer-a", Options{Timeout: time.Second})
	b := newTestNode(t, net, "peer-b", Options{Timeout: time.Second})
	newTestNode(t, net, "peer-d", Options{})

	a.table.Observe(b.info.Unconfirmed())
	b.svc.Add(5, a.info)
	b.svc.Add(5, wire.PeerInfo{ID: "peer-d"})
	_, err := b.store.Put(5, bytes.NewReader([]byte("cached")))
	require.NoError(t, err)

	found := a.svc.Find(context.Background(), 5)
	net.Wait()

	require.ElementsMatch(t, []string{"peer-b", "peer-d"}, ids(found))
	require.NotContains(t, ids(found), "peer-a")
	for _, p := range found {
		require.False(t, p.Confirmed(), "learned providers start unconfirmed")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.replies)
	for i, reply := range rec.replies {
		require.NotContains(t, ids(reply.Providers), rec.to[i])
	}
}

func TestRequestFilterExcludesKnownPeers(t *testing.T) {
	net := wiretest.NewNetwork()
	rec := &replyRecorder{}
	net.SetFilter(rec.filter)

	a := newTestNode(t, net, "peer-a", Options{})
	b := newTestNode(t, net, "peer-b", Options{})
	for _, id := range []string{"peer-c", "peer-d", "peer-e"} {
		b.svc.Add(11, wire.PeerInfo{ID: id})
	}

	enc := bloom.Of(bloom.DefaultCapacity, "peer-c", "peer-e").Encode()
	b.svc.handleRequest(context.Background(), a.info, wire.ProviderRequest{
		RequestID: "r1",
		ContentID: 11,
		Filter:    enc.Bits,
		Capacity:  enc.Capacity,
		Expected:  enc.Expected,
	})
	net.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.replies, 1)
	require.Equal(t, []string{"peer-d"}, ids(rec.replies[0].Providers))
	require.Equal(t, "r1", rec.replies[0].RequestID)
}

func TestAnnounceRecordsOwner(t *testing.T) {
	net := wiretest.NewNetwork()
	a := newTestNode(t, net, "peer-a", Options{Timeout: time.Second})
	b := newTestNode(t, net, "peer-b", Options{})
	a.table.Observe(b.info)

	a.svc.Announce(context.Background(), 9)
	net.Wait()

	require.Equal(t, []string{"peer-a"}, ids(b.svc.Providers(9)))
	require.Empty(t, a.svc.Providers(9), "a node is never its own provider")
}

func TestUnreachableProviderRemoved(t *testing.T) {
	net := wiretest.NewNetwork()
	a := newTestNode(t, net, "peer-a", Options{Timeout: 200 * time.Millisecond})
	newTestNode(t, net, "peer-b", Options{})
	a.svc.Add(3, wire.PeerInfo{ID: "peer-b"})
	a.svc.Add(4, wire.PeerInfo{ID: "peer-b"})
	net.SetDown("peer-b", true)

	require.Equal(t, 0, a.svc.Query(context.Background(), 3, false))
	require.Empty(t, a.svc.Providers(3))
	require.Empty(t, a.svc.Providers(4), "removal applies to every provider set")
	_, ok := a.table.Get("peer-b")
	require.False(t, ok)
}

func TestQueryTimesOutOnSilentPeer(t *testing.T) {
	net := wiretest.NewNetwork()
	a := newTestNode(t, net, "peer-a", Options{Timeout: 150 * time.Millisecond})
	newTestNode(t, net, "peer-b", Options{})
	a.svc.Add(3, wire.PeerInfo{ID: "peer-b"})
	net.SetFilter(func(_, _ wire.PeerInfo, msg wire.Message) bool {
		return msg.Kind() != wire.KindProviderReply
	})

	start := time.Now()
	require.Equal(t, 0, a.svc.Query(context.Background(), 3, false))
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	require.Equal(t, []string{"peer-b"}, ids(a.svc.Providers(3)), "silent but reachable provider stays")

	// A reply for a request that already timed out is discarded.
	a.svc.handleReply(context.Background(), wire.PeerInfo{ID: "peer-b"}, wire.ProviderReply{RequestID: "stale", ContentID: 3})
}

func TestQueryNotBlockedBySlowPeers(t *testing.T) {
	net := wiretest.NewNetwork()
	a := newTestNode(t, net, "peer-a", Options{Timeout: 300 * time.Millisecond, Fanout: 3})
	newTestNode(t, net, "peer-b", Options{})
	for _, id := range []string{"slow-0", "slow-1", "peer-b"} {
		a.svc.Add(3, wire.PeerInfo{ID: id})
	}
	net.SetFilter(func(_, to wire.PeerInfo, _ wire.Message) bool {
		if to.ID == "slow-0" || to.ID == "slow-1" {
			time.Sleep(200 * time.Millisecond)
			return false
		}
		return true
	})

	require.Equal(t, 1, a.svc.Query(context.Background(), 3, false))
	net.Wait()
	require.Equal(t, []string{"peer-b"}, ids(a.svc.Providers(3)))
}

type fakeRanker struct {
	vectors map[string][]uint32
}

func (f fakeRanker) SortClosest(_ context.Context, candidates []wire.PeerInfo) []wire.ASVector {
	var out []wire.ASVector
	for _, p := range candidates {
		if v, ok := f.vectors[p.ID]; ok {
			out = append(out, wire.ASVector{Peer: p, Path: v})
		}
	}
	return out
}

func TestClosestConfirmsHopCounts(t *testing.T) {
	net := wiretest.NewNetwork()
	a := newTestNode(t, net, "peer-a", Options{Timeout: time.Second})
	for _, id := range []string{"peer-b", "peer-c", "peer-d"} {
		newTestNode(t, net, id, Options{})
		a.svc.Add(1, wire.PeerInfo{ID: id, HopCount: wire.UnknownHops})
	}
	a.svc.SetRanker(fakeRanker{vectors: map[string][]uint32{
		"peer-c": {65000},
		"peer-b": {65000, 65001, 65002},
	}})

	closest := a.svc.Closest(context.Background(), 1)
	require.Equal(t, []string{"peer-c", "peer-b", "peer-d"}, ids(closest))
	require.Equal(t, 0, closest[0].HopCount)
	require.Equal(t, 2, closest[1].HopCount)
	require.False(t, closest[2].Confirmed())

	stored, ok := a.table.Get("peer-b")
	require.True(t, ok)
	require.Equal(t, 2, stored.HopCount)
}
