// Package edge assembles a caching edge node from its components and runs
// the background loops that tie them together.
package edge

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/catalog"
	"github.com/baderanaas/unada/pkg/config"
	"github.com/baderanaas/unada/pkg/download"
	"github.com/baderanaas/unada/pkg/metrics"
	"github.com/baderanaas/unada/pkg/overlay"
	"github.com/baderanaas/unada/pkg/providers"
	"github.com/baderanaas/unada/pkg/store"
	"github.com/baderanaas/unada/pkg/tpm"
	"github.com/baderanaas/unada/pkg/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Event log names under the data directory.
const (
	DownloadLog = "downloads"
	UploadLog   = "uploads"
)

// ErrUnknownPeer is returned when no catalog is recorded for a peer.
var ErrUnknownPeer = errors.New("no catalog for peer")

// Option overrides a component, mostly for tests.
type Option func(*Edge)

// WithStore uses st instead of the LevelDB store in the data directory.
func WithStore(st store.Store) Option {
	return func(e *Edge) { e.store = st }
}

// WithTracer replaces the system traceroute.
func WithTracer(t tpm.Tracer) Option {
	return func(e *Edge) { e.tracer = t }
}

// WithResolver replaces the Team Cymru whois client.
func WithResolver(r tpm.Resolver) Option {
	return func(e *Edge) { e.resolver = r }
}

// Status is a point-in-time view of the node.
type Status struct {
	ID              string   `json:"id"`
	Overlay         string   `json:"overlay"`
	Address         string   `json:"address"`
	Addrs           []string `json:"addrs"`
	Connected       int      `json:"connected"`
	Neighbors       int      `json:"neighbors"`
	ActiveDownloads int      `json:"active_downloads"`
	LocalVector     []uint32 `json:"local_vector"`
}

// Edge is a running edge node.
type Edge struct {
	cfg    config.Config
	logger *zap.Logger

	node      *overlay.Node
	store     store.Store
	tracer    tpm.Tracer
	resolver  tpm.Resolver
	catalog   *catalog.Service
	providers *providers.Service
	downloads *download.Manager
	monitor   *tpm.Monitor

	predictions []catalog.Prediction
	results     map[int64]download.Result
	mu          sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component from cfg. Nothing talks to the network until
// Start.
func New(cfg config.Config, logger *zap.Logger, options ...Option) (*Edge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	e := &Edge{
		cfg:     cfg,
		logger:  logger.Named("edge"),
		results: make(map[int64]download.Result),
	}
	for _, opt := range options {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	node, err := overlay.NewNode(overlay.Options{
		DataDir:         cfg.DataDir,
		ListenHost:      cfg.ListenHost,
		Port:            cfg.Port,
		Latitude:        cfg.Latitude,
		Longitude:       cfg.Longitude,
		SendTimeout:     cfg.Overlay.SendTimeout,
		RecordTTL:       cfg.Overlay.RecordTTL,
		RefreshInterval: cfg.Overlay.RefreshInterval,
		InboundWorkers:  cfg.Overlay.InboundWorkers,
		MDNS:            cfg.MDNS,
		NAT:             cfg.NAT,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay node: %w", err)
	}
	e.node = node

	if e.store == nil {
		st, err := store.OpenLevel(filepath.Join(node.DataDir(), "store"))
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to open store: %w", err), node.Close())
		}
		e.store = st
	}
	if e.tracer == nil {
		e.tracer = tpm.ExecTracer{Command: cfg.TPM.TracerouteCommand, MaxHops: cfg.TPM.MaxHops}
	}
	if e.resolver == nil {
		e.resolver = tpm.NewCymruClient(tpm.WhoisOptions{
			Addr:           cfg.TPM.WhoisAddr,
			ResolveSpecial: cfg.TPM.ResolveSpecial,
		}, logger)
	}

	anchor, _ := netip.ParseAddr(cfg.TPM.Anchor)
	e.monitor = tpm.New(node, e.tracer, e.resolver, tpm.Options{
		Timeout:         cfg.TPM.SortClosestTimeout,
		Anchor:          anchor,
		CompactNullHops: cfg.TPM.CompactNullHops,
	}, logger)
	e.catalog = catalog.New(node, e.store, node.Table(), catalog.Options{Timeout: cfg.Catalog.Timeout}, logger)
	node.Table().OnRemove(e.catalog.Forget)
	e.providers = providers.New(node, node.Table(), e.store, node, e.monitor, providers.Options{
		Timeout:  cfg.Providers.Timeout,
		Fanout:   cfg.Providers.Fanout,
		Capacity: cfg.Providers.FilterCapacity,
	}, logger)
	e.downloads = download.New(node, e.store, node.Table(), download.Options{
		ChunkSize:    cfg.Download.ChunkSize,
		Retries:      cfg.Download.Retries,
		Backoff:      cfg.Download.Backoff,
		StallTimeout: cfg.Download.StallTimeout,
		Uploads:      cfg.Download.TransferWorkers,
		OnFinish:     e.onDownload,
		OnUpload:     e.onUpload,
	}, logger)
	return e, nil
}

// Start creates a new overlay when no bootstrap peer is configured and
// joins the existing one otherwise, then starts the background loops.
func (e *Edge) Start(ctx context.Context) error {
	var err error
	if len(e.cfg.Bootstrap) == 0 {
		err = e.node.Create(ctx)
	} else {
		err = e.node.Join(ctx, e.cfg.Bootstrap)
	}
	if err != nil {
		return err
	}
	e.logger.Info("edge node started",
		zap.String("id", e.node.ID()), zap.Stringer("overlay", e.node.Status()))

	e.goBackground(func() {
		if err := e.monitor.Refresh(e.ctx); err != nil {
			e.logger.Warn("failed to compute local AS vector", zap.Error(err))
		}
	})
	e.goBackground(e.maintain)
	if e.cfg.Catalog.PredictionEnabled {
		e.goBackground(func() {
			e.catalog.Run(e.ctx, e.cfg.Catalog.PredictionInterval, e.onPrediction)
		})
	}
	return nil
}

func (e *Edge) goBackground(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// maintain re-advertises local content on every refresh interval.
func (e *Edge) maintain() {
	e.advertise()
	ticker := time.NewTicker(e.cfg.Overlay.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.monitor.Refresh(e.ctx); err != nil {
				e.logger.Debug("local AS vector refresh failed", zap.Error(err))
			}
			e.advertise()
		}
	}
}

func (e *Edge) advertise() {
	records, err := e.store.List()
	if err != nil {
		e.logger.Warn("failed to list local content", zap.Error(err))
		return
	}
	for _, rec := range records {
		if e.ctx.Err() != nil {
			return
		}
		e.providers.Announce(e.ctx, rec.ID)
	}
	e.logger.Debug("local content advertised", zap.Int("items", len(records)))
}

// Close stops the loops and every component.
func (e *Edge) Close() error {
	e.cancel()
	err := e.downloads.Close()
	err = multierr.Append(err, e.monitor.Close())
	err = multierr.Append(err, e.node.Close())
	e.wg.Wait()
	return multierr.Append(err, e.store.Close())
}

// Node returns the overlay node.
func (e *Edge) Node() *overlay.Node { return e.node }

// Store returns the content store.
func (e *Edge) Store() store.Store { return e.store }

// Status reports the node's state.
func (e *Edge) Status() Status {
	self := e.node.Self()
	local := e.monitor.LocalVector()
	if local == nil {
		local = []uint32{}
	}
	return Status{
		ID:              self.ID,
		Overlay:         e.node.Status().String(),
		Address:         self.Address,
		Addrs:           self.Addrs,
		Connected:       e.node.Connected(),
		Neighbors:       e.node.Table().Len(),
		ActiveDownloads: len(e.downloads.Sessions()),
		LocalVector:     local,
	}
}

// Neighbors lists the peers in the neighbor table.
func (e *Edge) Neighbors() []wire.PeerInfo {
	return e.node.Table().List()
}

// Catalog returns the local catalog when peerID is empty, and the catalog
// last received from peerID otherwise.
func (e *Edge) Catalog(peerID string) ([]wire.ContentRef, error) {
	if peerID == "" {
		return e.store.FindAllAvailable()
	}
	contents, ok := e.catalog.Catalog(peerID)
	if !ok {
		return nil, ErrUnknownPeer
	}
	return contents, nil
}

// Prediction returns the last computed prediction, or a fresh one when
// refresh is set or none has been computed yet.
func (e *Edge) Prediction(ctx context.Context, refresh bool) ([]catalog.Prediction, error) {
	e.mu.RLock()
	last := e.predictions
	e.mu.RUnlock()
	if last != nil && !refresh {
		return last, nil
	}
	predictions, err := e.catalog.GetPrediction(ctx)
	if err != nil {
		return nil, err
	}
	e.setPrediction(predictions)
	return predictions, nil
}

func (e *Edge) setPrediction(predictions []catalog.Prediction) {
	if predictions == nil {
		predictions = []catalog.Prediction{}
	}
	e.mu.Lock()
	e.predictions = predictions
	e.mu.Unlock()
}

func (e *Edge) onPrediction(predictions []catalog.Prediction) {
	e.setPrediction(predictions)
	e.prefetch(predictions)
}

// prefetch downloads the top predicted items not held locally.
func (e *Edge) prefetch(predictions []catalog.Prediction) {
	limit := e.cfg.Catalog.Prefetch
	for _, p := range predictions {
		if limit <= 0 || e.ctx.Err() != nil {
			return
		}
		if _, ok, _ := e.store.FindByID(p.Content.ID); ok {
			continue
		}
		limit--
		if _, err := e.Fetch(e.ctx, p.Content.ID); err != nil {
			e.logger.Info("prefetch failed", zap.Int64("content", p.Content.ID), zap.Error(err))
			continue
		}
		if err := e.store.MarkPrefetched(p.Content.ID); err != nil {
			e.logger.Warn("failed to mark prefetched content", zap.Int64("content", p.Content.ID), zap.Error(err))
		}
	}
}

// Providers returns the providers of contentID ordered by proximity.
func (e *Edge) Providers(ctx context.Context, contentID int64) []wire.PeerInfo {
	return e.providers.Closest(ctx, contentID)
}

// Closest ranks the current neighbors by network proximity.
func (e *Edge) Closest(ctx context.Context) []wire.ASVector {
	return e.monitor.SortClosest(ctx, e.node.Table().List())
}

// Fetch downloads contentID from the closest provider that completes a
// verified transfer. Content already held locally is not downloaded again.
func (e *Edge) Fetch(ctx context.Context, contentID int64) (wire.PeerInfo, error) {
	if _, ok, err := e.store.FindByID(contentID); err != nil {
		return wire.PeerInfo{}, err
	} else if ok {
		return e.node.Self(), nil
	}
	candidates := e.providers.Closest(ctx, contentID)
	if len(candidates) == 0 {
		return wire.PeerInfo{}, download.ErrNoProviders
	}
	return e.downloads.Fetch(ctx, wire.ContentRef{ID: contentID}, candidates)
}

// StartDownload runs Fetch in the background.
func (e *Edge) StartDownload(contentID int64) error {
	if _, ok := e.downloads.Session(contentID); ok {
		return download.ErrSessionActive
	}
	e.goBackground(func() {
		if _, err := e.Fetch(e.ctx, contentID); err != nil {
			e.logger.Info("download failed", zap.Int64("content", contentID), zap.Error(err))
		}
	})
	return nil
}

// Download reports the active session for contentID, or the outcome of the
// last finished one.
func (e *Edge) Download(contentID int64) (download.Status, bool) {
	if s, ok := e.downloads.Session(contentID); ok {
		return s.Status(), true
	}
	e.mu.RLock()
	res, ok := e.results[contentID]
	e.mu.RUnlock()
	if !ok {
		return download.Status{}, false
	}
	st := download.Status{
		Content:  res.Content,
		Provider: res.Provider.ID,
		State:    res.State.String(),
		Bytes:    res.Bytes,
	}
	if res.Err != nil {
		st.Error = res.Err.Error()
	}
	return st, true
}

// Downloads lists the active sessions.
func (e *Edge) Downloads() []download.Status {
	return e.downloads.Sessions()
}

// History returns the last count events of the named log.
func (e *Edge) History(logID string, count int) ([]overlay.Event, error) {
	return overlay.LoadRecentEvents(logID, count, e.node.DataDir())
}

func (e *Edge) onDownload(res download.Result) {
	e.mu.Lock()
	e.results[res.Content.ID] = res
	e.mu.Unlock()

	ev := overlay.Event{
		Time:      time.Now(),
		Kind:      "download",
		ContentID: res.Content.ID,
		Peer:      res.Provider.ID,
		Outcome:   res.State.String(),
		Bytes:     res.Bytes,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	e.logEvent(DownloadLog, ev)

	if res.State == download.Succeeded {
		e.goBackground(func() {
			e.providers.Announce(e.ctx, res.Content.ID)
		})
	}
}

func (e *Edge) onUpload(res download.UploadResult) {
	ev := overlay.Event{
		Time:      time.Now(),
		Kind:      "upload",
		ContentID: res.Content.ID,
		Peer:      res.Requester.ID,
		Outcome:   "completed",
		Bytes:     res.Bytes,
	}
	if res.Err != nil {
		ev.Outcome = "aborted"
		ev.Error = res.Err.Error()
	}
	e.logEvent(UploadLog, ev)
}

func (e *Edge) logEvent(logID string, ev overlay.Event) {
	if err := overlay.LogEvent(logID, ev, e.node.DataDir()); err != nil {
		e.logger.Warn("failed to record event", zap.String("log", logID), zap.Error(err))
		return
	}
	metrics.Events.WithLabelValues(logID).Inc()
}
