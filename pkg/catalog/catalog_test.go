package catalog

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

type staticSource []wire.ContentRef

func (s staticSource) FindAllAvailable() ([]wire.ContentRef, error) { return s, nil }

type staticNeighbors []wire.PeerInfo

func (n staticNeighbors) List() []wire.PeerInfo { return n }

func refs(ids ...int64) staticSource {
	out := make(staticSource, 0, len(ids))
	for _, id := range ids {
		out = append(out, wire.ContentRef{ID: id, Size: id * 100})
	}
	return out
}

// neighborSet is a neighbor list that changes between rounds.
type neighborSet struct {
	mu   sync.Mutex
	list []wire.PeerInfo
}

func (n *neighborSet) List() []wire.PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]wire.PeerInfo(nil), n.list...)
}

func (n *neighborSet) Set(list []wire.PeerInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = list
}

// seedNetwork builds the local node with catalog {1,2,3} and six neighbors.
func seedNetwork(t *testing.T, opts Options) (*wiretest.Network, *Service, staticNeighbors) {
	net := wiretest.NewNetwork()
	neighbors := seedPeers(t, net)
	local := New(net.Join(wire.PeerInfo{ID: "local"}), refs(1, 2, 3), neighbors, opts, zaptest.NewLogger(t))
	return net, local, neighbors
}

// seedPeers joins the six seed neighbors to net.
func seedPeers(t *testing.T, net *wiretest.Network) staticNeighbors {
	catalogs := []staticSource{
		refs(1, 3, 25),
		refs(1, 24),
		refs(1, 2, 24, 25),
		refs(2, 24),
		refs(2, 3, 25),
		refs(3, 24),
	}
	var neighbors staticNeighbors
	for i, c := range catalogs {
		info := wire.PeerInfo{ID: fmt.Sprintf("peer-%d", i)}
		New(net.Join(info), c, nil, Options{}, zaptest.NewLogger(t))
		neighbors = append(neighbors, info)
	}
	return neighbors
}

func TestPredictionSeedScenario(t *testing.T) {
	net, local, _ := seedNetwork(t, Options{Timeout: 5 * time.Second})

	predictions, err := local.GetPrediction(context.Background())
	require.NoError(t, err)
	net.Wait()

	require.Len(t, predictions, 2)
	require.Equal(t, int64(25), predictions[0].Content.ID)
	require.Equal(t, 6, predictions[0].Score)
	require.Equal(t, 3, predictions[0].Holders)
	require.Equal(t, int64(24), predictions[1].Content.ID)
	require.Equal(t, 5, predictions[1].Score)
	require.Equal(t, 4, predictions[1].Holders)
}

func TestRefreshToleratesSilentPeer(t *testing.T) {
	net, local, _ := seedNetwork(t, Options{Timeout: 200 * time.Millisecond})
	net.SetFilter(func(from, _ wire.PeerInfo, msg wire.Message) bool {
		return !(from.ID == "peer-0" && msg.Kind() == wire.KindContentInfoReply)
	})

	replied := local.Refresh(context.Background())
	net.Wait()
	require.Equal(t, 5, replied)

	predictions, err := local.Predict()
	require.NoError(t, err)
	require.Equal(t, int64(24), predictions[0].Content.ID, "24 outranks 25 without peer-0")
	require.Equal(t, 5, predictions[0].Score)
	require.Equal(t, 4, predictions[1].Score)
}

func TestReplyOverwritesPriorCatalog(t *testing.T) {
	net := wiretest.NewNetwork()
	remote := wire.PeerInfo{ID: "remote"}
	src := refs(1, 7)
	ep := net.Join(remote)
	New(ep, staticSource{}, nil, Options{}, zaptest.NewLogger(t))

	local := New(net.Join(wire.PeerInfo{ID: "local"}), refs(1), staticNeighbors{remote}, Options{Timeout: time.Second}, zaptest.NewLogger(t))
	local.handleReply(context.Background(), remote, wire.ContentInfoReply{Contents: src})
	got, ok := local.Catalog("remote")
	require.True(t, ok)
	require.Len(t, got, 2)

	local.handleReply(context.Background(), remote, wire.ContentInfoReply{Contents: refs(9)})
	got, _ = local.Catalog("remote")
	require.Equal(t, []wire.ContentRef{{ID: 9, Size: 900}}, got)

	predictions, err := local.Predict()
	require.NoError(t, err)
	require.Len(t, predictions, 1)
	require.Equal(t, 0, predictions[0].Score)
}

func TestRefreshWithoutNeighbors(t *testing.T) {
	net := wiretest.NewNetwork()
	local := New(net.Join(wire.PeerInfo{ID: "local"}), refs(1), staticNeighbors{}, Options{}, zaptest.NewLogger(t))
	require.Equal(t, 0, local.Refresh(context.Background()))
}

func TestRunDeliversPredictions(t *testing.T) {
	mock := clock.NewMock()
	_, local, _ := seedNetwork(t, Options{Timeout: 1000 * time.Hour, Clock: mock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []Prediction, 1)
	go local.Run(ctx, time.Hour, func(p []Prediction) {
		select {
		case got <- p:
		default:
		}
	})

	var predictions []Prediction
	require.Eventually(t, func() bool {
		mock.Add(time.Hour)
		select {
		case predictions = <-got:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	require.Len(t, predictions, 2)
	require.Equal(t, int64(25), predictions[0].Content.ID)
}

func TestDepartedNeighborsStopCounting(t *testing.T) {
	net := wiretest.NewNetwork()
	set := &neighborSet{list: seedPeers(t, net)}
	local := New(net.Join(wire.PeerInfo{ID: "local"}), refs(1, 2, 3), set, Options{Timeout: 5 * time.Second}, zaptest.NewLogger(t))

	predictions, err := local.GetPrediction(context.Background())
	require.NoError(t, err)
	require.Len(t, predictions, 2)

	set.Set(set.List()[1:])
	predictions, err = local.GetPrediction(context.Background())
	require.NoError(t, err)
	_, ok := local.Catalog("peer-0")
	require.False(t, ok)
	require.Equal(t, int64(24), predictions[0].Content.ID)
	require.Equal(t, 5, predictions[0].Score)

	set.Set(nil)
	predictions, err = local.GetPrediction(context.Background())
	require.NoError(t, err)
	require.Empty(t, predictions)
	net.Wait()
}

func TestForgetDropsCatalog(t *testing.T) {
	net, local, _ := seedNetwork(t, Options{Timeout: 5 * time.Second})
	require.Equal(t, 6, local.Refresh(context.Background()))
	net.Wait()

	local.Forget("peer-0")
	_, ok := local.Catalog("peer-0")
	require.False(t, ok)

	predictions, err := local.Predict()
	require.NoError(t, err)
	require.Equal(t, int64(24), predictions[0].Content.ID)
	require.Equal(t, 5, predictions[0].Score)
}

func TestRefreshCountsOnlyReplies(t *testing.T) {
	net, local, _ := seedNetwork(t, Options{Timeout: 5 * time.Second})
	net.SetDown("peer-1", true)
	net.SetDown("peer-4", true)

	start := time.Now()
	require.Equal(t, 4, local.Refresh(context.Background()))
	require.Less(t, time.Since(start), 5*time.Second, "failed sends settle the round")
	net.Wait()
}

func TestSlowNeighborsDoNotStarveLiveOnes(t *testing.T) {
	net := wiretest.NewNetwork()
	neighbors := seedPeers(t, net)
	for _, id := range []string{"slow-0", "slow-1"} {
		info := wire.PeerInfo{ID: id}
		net.Join(info)
		neighbors = append(staticNeighbors{info}, neighbors...)
	}
	net.SetFilter(func(_, to wire.PeerInfo, _ wire.Message) bool {
		if to.ID == "slow-0" || to.ID == "slow-1" {
			time.Sleep(200 * time.Millisecond)
			return false
		}
		return true
	})
	local := New(net.Join(wire.PeerInfo{ID: "local"}), refs(1, 2, 3), neighbors, Options{Timeout: 300 * time.Millisecond}, zaptest.NewLogger(t))

	require.Equal(t, 6, local.Refresh(context.Background()))
	net.Wait()
	predictions, err := local.Predict()
	require.NoError(t, err)
	require.Len(t, predictions, 2)
	require.Equal(t, 6, predictions[0].Score)
}
