// Package tpm ranks peers by topological proximity. A peer's distance is
// the AS path it measures toward us with traceroute and whois.
package tpm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/metrics"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout = 3 * time.Second
	DefaultTraces  = 2
	traceTimeout   = 2 * time.Minute
)

// DefaultAnchor is the target of the local vector.
var DefaultAnchor = netip.MustParseAddr("8.8.8.8")

// Options tunes a Monitor.
type Options struct {
	// Timeout bounds one SortClosest round.
	Timeout time.Duration
	// Anchor is traced to compute the local vector.
	Anchor          netip.Addr
	CompactNullHops bool
	// Traces caps concurrent traceroutes run for remote requests.
	Traces int
	Clock  clock.Clock
}

type round struct {
	remaining map[string]struct{}
	vectors   []wire.ASVector
	done      chan struct{}
}

// Monitor measures AS vectors and answers traceroute requests.
type Monitor struct {
	transport wire.Transport
	tracer    Tracer
	resolver  Resolver
	opts      Options
	logger    *zap.Logger

	local   []uint32
	localMu sync.RWMutex

	rounds   map[string]*round
	roundsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	traces *errgroup.Group
}

// New creates the monitor and registers its handlers.
func New(transport wire.Transport, tracer Tracer, resolver Resolver, opts Options, logger *zap.Logger) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if !opts.Anchor.IsValid() {
		opts.Anchor = DefaultAnchor
	}
	if opts.Traces <= 0 {
		opts.Traces = DefaultTraces
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	traces := &errgroup.Group{}
	traces.SetLimit(opts.Traces)
	m := &Monitor{
		transport: transport,
		tracer:    tracer,
		resolver:  resolver,
		opts:      opts,
		logger:    logger.Named("tpm"),
		rounds:    make(map[string]*round),
		ctx:       ctx,
		cancel:    cancel,
		traces:    traces,
	}
	transport.Handle(wire.KindTracerouteRequest, m.handleRequest)
	transport.Handle(wire.KindTracerouteReply, m.handleReply)
	return m
}

// Close stops outstanding traceroutes and waits for them.
func (m *Monitor) Close() error {
	m.cancel()
	return m.traces.Wait()
}

// GetASVector traces the path toward peer and returns its AS vector. An
// unavailable tracer yields an empty vector.
func (m *Monitor) GetASVector(ctx context.Context, peer wire.PeerInfo) ([]uint32, error) {
	addr, err := peerAddr(peer)
	if err != nil {
		return nil, err
	}
	return m.vectorTo(ctx, addr)
}

func (m *Monitor) vectorTo(ctx context.Context, target netip.Addr) ([]uint32, error) {
	hops, err := m.tracer.Trace(ctx, target)
	if errors.Is(err, ErrTracerouteUnavailable) {
		m.logger.Warn("traceroute unavailable, using empty vector", zap.Error(err))
		return []uint32{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", target, err)
	}
	asn, err := m.resolver.Lookup(ctx, hops)
	if err != nil {
		return nil, fmt.Errorf("resolve hops toward %s: %w", target, err)
	}
	path := BuildVector(hops, asn, m.opts.CompactNullHops)
	m.logger.Debug("traceroute", zap.Stringer("target", target), zap.Int("hops", len(hops)), zap.Uint32s("path", path))
	return path, nil
}

// Refresh recomputes the local vector toward the anchor.
func (m *Monitor) Refresh(ctx context.Context) error {
	path, err := m.vectorTo(ctx, m.opts.Anchor)
	if err != nil {
		return err
	}
	m.SetLocalVector(path)
	return nil
}

// LocalVector returns the last measured local vector.
func (m *Monitor) LocalVector() []uint32 {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	return append([]uint32(nil), m.local...)
}

// SetLocalVector replaces the local vector.
func (m *Monitor) SetLocalVector(path []uint32) {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	m.local = append([]uint32(nil), path...)
}

// SortClosest asks every distinct candidate for its vector toward us and
// waits until all have answered or the timeout elapses. Candidates that did
// not answer are omitted; the rest are ordered nearest first.
func (m *Monitor) SortClosest(ctx context.Context, candidates []wire.PeerInfo) []wire.ASVector {
	self := m.transport.Self().ID
	unique := make([]wire.PeerInfo, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, p := range candidates {
		if p.ID == "" || p.ID == self {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		unique = append(unique, p)
	}
	if len(unique) == 0 {
		return nil
	}

	r := &round{
		remaining: make(map[string]struct{}, len(unique)),
		done:      make(chan struct{}),
	}
	for _, p := range unique {
		r.remaining[p.ID] = struct{}{}
	}
	requestID := uuid.NewString()
	timer := m.opts.Clock.Timer(m.opts.Timeout)
	defer timer.Stop()

	m.roundsMu.Lock()
	m.rounds[requestID] = r
	m.roundsMu.Unlock()

	m.logger.Debug("sending traceroute requests", zap.Int("peers", len(unique)))
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	for _, p := range unique {
		p := p
		g.Go(func() error {
			if !m.transport.SendMessage(sendCtx, p, wire.TracerouteRequest{RequestID: requestID}) {
				m.logger.Debug("traceroute request not delivered", zap.String("peer", p.Short()))
				m.settle(requestID, p, nil, false)
			}
			return nil
		})
	}

	select {
	case <-r.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	m.roundsMu.Lock()
	delete(m.rounds, requestID)
	vectors := r.vectors
	missing := len(r.remaining)
	m.roundsMu.Unlock()
	cancel()
	_ = g.Wait()

	if missing > 0 {
		m.logger.Info("not all peers replied within the timeout", zap.Int("missing", missing), zap.Int("replied", len(vectors)))
	}
	Rank(m.LocalVector(), vectors)
	return vectors
}

// settle records the outcome for one peer of a round. Only the first call
// for a given pair has any effect.
func (m *Monitor) settle(requestID string, from wire.PeerInfo, path []uint32, replied bool) bool {
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()
	r, ok := m.rounds[requestID]
	if !ok {
		return false
	}
	if _, ok := r.remaining[from.ID]; !ok {
		return false
	}
	delete(r.remaining, from.ID)
	if replied {
		r.vectors = append(r.vectors, wire.ASVector{Peer: from, Path: path})
	}
	if len(r.remaining) == 0 {
		close(r.done)
	}
	return true
}

// Rank orders vectors by the length of the prefix shared with local,
// longest first, then by path length with empty paths last, then by id.
func Rank(local []uint32, vectors []wire.ASVector) {
	sort.SliceStable(vectors, func(i, j int) bool {
		a, b := vectors[i], vectors[j]
		if pa, pb := CommonPrefix(local, a.Path), CommonPrefix(local, b.Path); pa != pb {
			return pa > pb
		}
		if (len(a.Path) == 0) != (len(b.Path) == 0) {
			return len(b.Path) == 0
		}
		if len(a.Path) != len(b.Path) {
			return len(a.Path) < len(b.Path)
		}
		return a.Peer.ID < b.Peer.ID
	})
}

func (m *Monitor) handleRequest(_ context.Context, from wire.PeerInfo, msg wire.Message) {
	req := msg.(wire.TracerouteRequest)
	started := m.traces.TryGo(func() error {
		ctx, cancel := context.WithTimeout(m.ctx, traceTimeout)
		defer cancel()
		path, err := m.GetASVector(ctx, from)
		if err != nil {
			m.logger.Warn("traceroute failed", zap.String("peer", from.Short()), zap.Error(err))
			path = []uint32{}
		}
		m.reply(ctx, from, req.RequestID, path)
		return nil
	})
	if !started {
		m.logger.Debug("traceroute capacity reached, replying empty", zap.String("peer", from.Short()))
		m.reply(m.ctx, from, req.RequestID, []uint32{})
	}
}

func (m *Monitor) reply(ctx context.Context, to wire.PeerInfo, requestID string, path []uint32) {
	if !m.transport.SendMessage(ctx, to, wire.TracerouteReply{RequestID: requestID, Vector: path}) {
		m.logger.Debug("traceroute reply not delivered", zap.String("peer", to.Short()))
	}
}

func (m *Monitor) handleReply(_ context.Context, from wire.PeerInfo, msg wire.Message) {
	reply := msg.(wire.TracerouteReply)
	if !m.settle(reply.RequestID, from, reply.Vector, true) {
		metrics.ProximityReplies.WithLabelValues("discarded").Inc()
		m.logger.Debug("discarding unexpected or late traceroute reply", zap.String("peer", from.Short()))
		return
	}
	metrics.ProximityReplies.WithLabelValues("accepted").Inc()
}

func peerAddr(p wire.PeerInfo) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(p.Address); err == nil {
		return addr.Unmap(), nil
	}
	if host, _, err := net.SplitHostPort(p.Address); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("peer %s has no usable address %q", p.Short(), p.Address)
}
