package edge

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/baderanaas/unada/pkg/config"
	"github.com/baderanaas/unada/pkg/download"
	"github.com/baderanaas/unada/pkg/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticTracer []netip.Addr

func (t staticTracer) Trace(context.Context, netip.Addr) ([]netip.Addr, error) {
	return t, nil
}

type staticResolver map[netip.Addr]uint32

func (r staticResolver) Lookup(_ context.Context, addrs []netip.Addr) (map[netip.Addr]uint32, error) {
	out := make(map[netip.Addr]uint32)
	for _, a := range addrs {
		if as, ok := r[a]; ok {
			out[a] = as
		}
	}
	return out, nil
}

func testConfig(t *testing.T, bootstrap ...string) config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenHost = "127.0.0.1"
	cfg.Port = 0
	cfg.MDNS = false
	cfg.Bootstrap = bootstrap
	cfg.Catalog.PredictionEnabled = false
	cfg.Catalog.Timeout = 2 * time.Second
	cfg.Providers.Timeout = 2 * time.Second
	cfg.TPM.SortClosestTimeout = 2 * time.Second
	cfg.Download.StallTimeout = 10 * time.Second
	return cfg
}

func newTestEdge(t *testing.T, cfg config.Config) (*Edge, *store.Memory) {
	first, second := netip.MustParseAddr("1.1.1.1"), netip.MustParseAddr("2.2.2.2")
	st := store.NewMemory()
	e, err := New(cfg, zaptest.NewLogger(t),
		WithStore(st),
		WithTracer(staticTracer{first, second}),
		WithResolver(staticResolver{first: 100, second: 200}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	require.NoError(t, e.Start(context.Background()))
	return e, st
}

func randomPayload(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.ChunkSize = 0
	_, err := New(cfg, zaptest.NewLogger(t), WithStore(store.NewMemory()))
	require.ErrorContains(t, err, "chunk_size")
}

func TestFetchFromNeighbor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	origin, originStore := newTestEdge(t, testConfig(t))
	payload := randomPayload(t, 200*1024)
	_, err := originStore.Put(7, bytes.NewReader(payload))
	require.NoError(t, err)

	edge, edgeStore := newTestEdge(t, testConfig(t, origin.Node().Self().Addrs[0]))
	require.Equal(t, "ok", edge.Status().Overlay)

	predictions, err := edge.Prediction(ctx, true)
	require.NoError(t, err)
	require.Len(t, predictions, 1)
	require.EqualValues(t, 7, predictions[0].Content.ID)
	require.Equal(t, 1, predictions[0].Holders)

	provider, err := edge.Fetch(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, origin.Node().ID(), provider.ID)

	got, ok := edgeStore.Bytes(7)
	require.True(t, ok)
	require.Equal(t, payload, got)

	st, ok := edge.Download(7)
	require.True(t, ok)
	require.Equal(t, download.Succeeded.String(), st.State)
	require.EqualValues(t, len(payload), st.Bytes)

	events, err := edge.History(DownloadLog, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, origin.Node().ID(), events[0].Peer)

	// held locally now, so no second transfer
	again, err := edge.Fetch(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, edge.Node().ID(), again.ID)

	require.Eventually(t, func() bool {
		events, err := origin.History(UploadLog, 10)
		return err == nil && len(events) == 1 && events[0].Outcome == "completed"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPredictionPrefetchesIntoStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	origin, originStore := newTestEdge(t, testConfig(t))
	payload := randomPayload(t, 64*1024)
	_, err := originStore.Put(7, bytes.NewReader(payload))
	require.NoError(t, err)
	_, err = originStore.Put(8, strings.NewReader("second"))
	require.NoError(t, err)

	cfg := testConfig(t, origin.Node().Self().Addrs[0])
	cfg.Catalog.Prefetch = 1
	edge, edgeStore := newTestEdge(t, cfg)

	predictions, err := edge.catalog.GetPrediction(ctx)
	require.NoError(t, err)
	require.Len(t, predictions, 2)
	edge.onPrediction(predictions)

	cached, err := edge.Prediction(ctx, false)
	require.NoError(t, err)
	require.Equal(t, predictions, cached)

	require.EqualValues(t, 7, predictions[0].Content.ID, "ties rank by content id")
	records, err := edgeStore.List()
	require.NoError(t, err)
	require.Len(t, records, 1, "only the top prediction is prefetched")
	require.EqualValues(t, 7, records[0].ID)
	require.True(t, records[0].Prefetched)
	got, ok := edgeStore.Bytes(7)
	require.True(t, ok)
	require.Equal(t, payload, got)

	available, err := edgeStore.FindAllAvailable()
	require.NoError(t, err)
	require.Empty(t, available, "prefetched content is not advertised as catalog")

	events, err := edge.History(DownloadLog, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, origin.Node().ID(), events[0].Peer)
}

func TestFetchWithoutProviders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	e, _ := newTestEdge(t, testConfig(t))
	_, err := e.Fetch(ctx, 42)
	require.ErrorIs(t, err, download.ErrNoProviders)

	_, ok := e.Download(42)
	require.False(t, ok)
}

func TestCatalogOfUnknownPeer(t *testing.T) {
	e, st := newTestEdge(t, testConfig(t))
	_, err := st.Put(1, strings.NewReader("hello"))
	require.NoError(t, err)

	local, err := e.Catalog("")
	require.NoError(t, err)
	require.Len(t, local, 1)

	_, err = e.Catalog("nobody")
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestShell(t *testing.T) {
	origin, _ := newTestEdge(t, testConfig(t))
	edge, _ := newTestEdge(t, testConfig(t, origin.Node().Self().Addrs[0]))

	in := strings.NewReader("/status\n/peers\n/providers abc\n/history ../../etc/passwd 5\n/bogus\n/quit\n/status\n")
	var out bytes.Buffer
	require.NoError(t, edge.RunShell(context.Background(), in, &out))

	text := out.String()
	require.Contains(t, text, "Overlay:   ok")
	require.Contains(t, text, origin.Node().ID())
	require.Contains(t, text, "Invalid content id")
	require.Contains(t, text, `Unknown log "../../etc/passwd"`)
	require.NotContains(t, text, "History for ../../etc/passwd")
	require.Contains(t, text, `Unknown command "/bogus"`)
	require.Equal(t, 1, strings.Count(text, "Overlay:"))
}
