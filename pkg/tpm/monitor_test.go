package tpm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/unada/pkg/wire"
	"github.com/baderanaas/unada/pkg/wire/wiretest"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func peer(i int) wire.PeerInfo {
	return wire.PeerInfo{ID: fmt.Sprintf("peer-%d", i), Address: fmt.Sprintf("10.%d.1.1", i+1)}
}

// answer makes ep reply to traceroute requests with path, times times.
func answer(ep *wiretest.Endpoint, path []uint32, times int) {
	ep.Handle(wire.KindTracerouteRequest, func(ctx context.Context, from wire.PeerInfo, msg wire.Message) {
		req := msg.(wire.TracerouteRequest)
		for i := 0; i < times; i++ {
			ep.SendMessage(ctx, from, wire.TracerouteReply{RequestID: req.RequestID, Vector: path})
		}
	})
}

func newLocal(t *testing.T, net *wiretest.Network, opts Options) *Monitor {
	m := New(net.Join(wire.PeerInfo{ID: "local", Address: "10.0.0.1"}), staticTracer{}, staticResolver{}, opts, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSortClosestPartialTimeout(t *testing.T) {
	net := wiretest.NewNetwork()
	local := newLocal(t, net, Options{Timeout: 300 * time.Millisecond})

	paths := [][]uint32{
		{65000, 65001},
		{65000},
		{65000, 65002, 65003, 65004},
		{65000, 65002, 65003, 65004, 65005},
		{65000, 65002, 65003},
	}
	eps := make([]*wiretest.Endpoint, len(paths))
	for i := range paths {
		eps[i] = net.Join(peer(i))
	}
	answer(eps[0], paths[0], 1)
	answer(eps[1], paths[1], 1)
	// duplicate replies are discarded
	answer(eps[2], paths[2], 2)
	// peer-3 never answers
	var captured string
	var mu sync.Mutex
	eps[3].Handle(wire.KindTracerouteRequest, func(_ context.Context, _ wire.PeerInfo, msg wire.Message) {
		mu.Lock()
		captured = msg.(wire.TracerouteRequest).RequestID
		mu.Unlock()
		// a peer that was never asked tries to slip into the round
		eps[4].SendMessage(context.Background(), wire.PeerInfo{ID: "local"}, wire.TracerouteReply{RequestID: captured, Vector: paths[4]})
	})

	start := time.Now()
	sorted := local.SortClosest(context.Background(), []wire.PeerInfo{peer(0), peer(0), peer(1), peer(2), peer(3)})
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	require.Len(t, sorted, 3)
	require.Equal(t, "peer-1", sorted[0].Peer.ID)
	require.Equal(t, "peer-0", sorted[1].Peer.ID)
	require.Equal(t, "peer-2", sorted[2].Peer.ID)
	require.Equal(t, paths[2], sorted[2].Path)

	// a reply after the timeout is dropped
	mu.Lock()
	requestID := captured
	mu.Unlock()
	eps[3].SendMessage(context.Background(), wire.PeerInfo{ID: "local"}, wire.TracerouteReply{RequestID: requestID, Vector: paths[3]})
	net.Wait()
	local.roundsMu.Lock()
	require.Empty(t, local.rounds)
	local.roundsMu.Unlock()
	require.False(t, local.settle(requestID, peer(3), paths[3], true))
}

func TestSortClosestReturnsWhenAllReplied(t *testing.T) {
	net := wiretest.NewNetwork()
	// the mock clock never fires, so only the replies can end the round
	local := newLocal(t, net, Options{Timeout: time.Hour, Clock: clock.NewMock()})
	answer(net.Join(peer(0)), []uint32{65000, 65001}, 1)
	answer(net.Join(peer(1)), []uint32{65000}, 1)

	done := make(chan []wire.ASVector, 1)
	go func() {
		done <- local.SortClosest(context.Background(), []wire.PeerInfo{peer(0), peer(1), {ID: "local"}})
	}()
	select {
	case sorted := <-done:
		require.Len(t, sorted, 2)
		require.Equal(t, "peer-1", sorted[0].Peer.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("SortClosest did not return after every peer replied")
	}
}

func TestSortClosestUnreachablePeer(t *testing.T) {
	net := wiretest.NewNetwork()
	local := newLocal(t, net, Options{Timeout: time.Hour, Clock: clock.NewMock()})
	answer(net.Join(peer(0)), []uint32{65000}, 1)

	sorted := local.SortClosest(context.Background(), []wire.PeerInfo{peer(0), peer(7)})
	require.Len(t, sorted, 1)
	require.Equal(t, "peer-0", sorted[0].Peer.ID)
	require.Empty(t, local.SortClosest(context.Background(), nil))
}

func TestRankUsesLocalVector(t *testing.T) {
	vectors := []wire.ASVector{
		{Peer: peer(0), Path: []uint32{65000, 65001}},
		{Peer: peer(1), Path: []uint32{65000}},
		{Peer: peer(2), Path: []uint32{65000, 65002, 65003, 65004}},
		{Peer: peer(3), Path: []uint32{}},
		{Peer: peer(4), Path: []uint32{65000, 65002, 65003}},
	}
	Rank([]uint32{65000, 65002, 65003}, vectors)

	var order []string
	for _, v := range vectors {
		order = append(order, v.Peer.ID)
	}
	require.Equal(t, []string{"peer-4", "peer-2", "peer-1", "peer-0", "peer-3"}, order)
}

func TestRemoteTraceroute(t *testing.T) {
	net := wiretest.NewNetwork()
	local := newLocal(t, net, Options{Timeout: 5 * time.Second})

	remote := New(net.Join(peer(0)), staticTracer{hops: fixtureHops()}, fixtureASN(), Options{CompactNullHops: true}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = remote.Close() })

	sorted := local.SortClosest(context.Background(), []wire.PeerInfo{peer(0)})
	require.Len(t, sorted, 1)
	require.Equal(t, []uint32{8267, 8501, 20965, 15169}, sorted[0].Path)
	require.Equal(t, 3, sorted[0].HopCount())
}

func TestGetASVectorDegrades(t *testing.T) {
	net := wiretest.NewNetwork()
	m := New(net.Join(peer(0)), staticTracer{err: fmt.Errorf("%w: test", ErrTracerouteUnavailable)}, staticResolver{}, Options{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })

	path, err := m.GetASVector(context.Background(), peer(1))
	require.NoError(t, err)
	require.Empty(t, path)

	_, err = m.GetASVector(context.Background(), wire.PeerInfo{ID: "x", Address: "not-an-ip"})
	require.Error(t, err)
}

func TestRefreshLocalVector(t *testing.T) {
	net := wiretest.NewNetwork()
	m := New(net.Join(peer(0)), staticTracer{hops: fixtureHops()}, fixtureASN(), Options{CompactNullHops: true}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })

	require.Empty(t, m.LocalVector())
	require.NoError(t, m.Refresh(context.Background()))
	require.Equal(t, []uint32{8267, 8501, 20965, 15169}, m.LocalVector())
}
