// Package providers finds which peers hold a content item. Queries are
// single-hop: a receiver answers from its own table and never forwards.
package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/bloom"
	"github.com/baderanaas/unada/pkg/metrics"
	"github.com/baderanaas/unada/pkg/peers"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultFanout  = 2
	// MinProviders is the set size below which Closest asks the network again.
	MinProviders = 5
)

// Lookup is the DHT provider-record directory.
type Lookup interface {
	FindProviders(ctx context.Context, contentID int64, limit int) ([]wire.PeerInfo, error)
	Provide(ctx context.Context, contentID int64) error
}

// Ranker orders peers by network proximity, omitting peers that did not answer.
type Ranker interface {
	SortClosest(ctx context.Context, candidates []wire.PeerInfo) []wire.ASVector
}

// Holder reports whether the local node holds a content item.
type Holder interface {
	FindByID(id int64) (wire.ContentRef, bool, error)
}

// Options tunes a Service.
type Options struct {
	Timeout  time.Duration
	Fanout   int
	Capacity uint32
	Clock    clock.Clock
}

type query struct {
	contentID int64
	remaining map[string]struct{}
	replied   int
	done      chan struct{}
}

// Service keeps the provider sets and runs provider queries.
type Service struct {
	transport wire.Sender
	table     *peers.Table
	holder    Holder
	lookup    Lookup
	ranker    Ranker
	opts      Options
	logger    *zap.Logger

	sets map[int64]map[string]wire.PeerInfo
	mu   sync.RWMutex

	pending   map[string]*query
	pendingMu sync.Mutex
}

// New creates the service and registers its handlers. lookup and ranker may be nil.
func New(transport wire.Transport, table *peers.Table, holder Holder, lookup Lookup, ranker Ranker, opts Options, logger *zap.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.Capacity == 0 {
		opts.Capacity = bloom.DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Service{
		transport: transport,
		table:     table,
		holder:    holder,
		lookup:    lookup,
		ranker:    ranker,
		opts:      opts,
		logger:    logger.Named("providers"),
		sets:      make(map[int64]map[string]wire.PeerInfo),
		pending:   make(map[string]*query),
	}
	table.OnRemove(s.Remove)
	transport.Handle(wire.KindProviderRequest, s.handleRequest)
	transport.Handle(wire.KindProviderReply, s.handleReply)
	return s
}

// SetRanker installs the proximity ranker after construction.
func (s *Service) SetRanker(r Ranker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranker = r
}

// Add records p as a provider of contentID.
func (s *Service) Add(contentID int64, p wire.PeerInfo) {
	if p.ID == "" || p.ID == s.transport.Self().ID {
		return
	}
	if stored, ok := s.table.Observe(p); ok {
		p = stored
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[contentID]
	if !ok {
		set = make(map[string]wire.PeerInfo)
		s.sets[contentID] = set
	}
	set[p.ID] = p
}

// Remove drops peer id from every provider set.
func (s *Service) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for contentID, set := range s.sets {
		delete(set, id)
		if len(set) == 0 {
			delete(s.sets, contentID)
		}
	}
}

// Providers returns the known providers of contentID, nearest confirmed first.
func (s *Service) Providers(contentID int64) []wire.PeerInfo {
	s.mu.RLock()
	set := s.sets[contentID]
	out := make([]wire.PeerInfo, 0, len(set))
	for _, p := range set {
		if cur, ok := s.table.Get(p.ID); ok {
			p = cur
		}
		out = append(out, p)
	}
	s.mu.RUnlock()
	sortByHops(out)
	return out
}

func sortByHops(list []wire.PeerInfo) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].HopCount != list[j].HopCount {
			return list[i].HopCount < list[j].HopCount
		}
		return list[i].ID < list[j].ID
	})
}

// Find returns the provider set for contentID, consulting the DHT when
// nothing is known and then querying known providers.
func (s *Service) Find(ctx context.Context, contentID int64) []wire.PeerInfo {
	if len(s.Providers(contentID)) == 0 && s.lookup != nil {
		s.fromDHT(ctx, contentID)
	}
	s.Query(ctx, contentID, false)
	return s.Providers(contentID)
}

// Closest returns providers for contentID ordered by proximity. Peers that
// did not answer the ranking round follow the ranked ones.
func (s *Service) Closest(ctx context.Context, contentID int64) []wire.PeerInfo {
	known := s.Providers(contentID)
	if len(known) < MinProviders {
		known = s.Find(ctx, contentID)
	}
	s.mu.RLock()
	ranker := s.ranker
	s.mu.RUnlock()
	if ranker == nil || len(known) == 0 {
		return known
	}

	ranked := ranker.SortClosest(ctx, known)
	out := make([]wire.PeerInfo, 0, len(known))
	seen := make(map[string]struct{}, len(ranked))
	for _, v := range ranked {
		p := v.Peer
		if hops := v.HopCount(); hops != wire.UnknownHops {
			p.HopCount = hops
			s.table.SetHopCount(p.ID, hops)
			s.Add(contentID, p)
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	for _, p := range known {
		if _, ok := seen[p.ID]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) fromDHT(ctx context.Context, contentID int64) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	found, err := s.lookup.FindProviders(ctx, contentID, MinProviders)
	if err != nil {
		s.logger.Debug("dht provider lookup failed", zap.Int64("content", contentID), zap.Error(err))
		return
	}
	for _, p := range found {
		s.Add(contentID, p.Unconfirmed())
	}
}

// Announce advertises that the local node holds contentID.
func (s *Service) Announce(ctx context.Context, contentID int64) {
	if s.lookup != nil {
		if err := s.lookup.Provide(ctx, contentID); err != nil {
			s.logger.Debug("dht provide failed", zap.Int64("content", contentID), zap.Error(err))
		}
	}
	s.Query(ctx, contentID, true)
}

// Query sends a ProviderRequest to at most Fanout known providers (or
// neighbors, when no provider is known) and waits for their replies or the
// timeout. It returns the number of replies received.
func (s *Service) Query(ctx context.Context, contentID int64, announce bool) int {
	known := s.Providers(contentID)
	ids := make([]string, 0, len(known))
	for _, p := range known {
		ids = append(ids, p.ID)
	}
	enc := bloom.Of(s.opts.Capacity, ids...).Encode()

	candidates := known
	if len(candidates) == 0 {
		candidates = s.table.List()
		sortByHops(candidates)
	}
	if len(candidates) > s.opts.Fanout {
		candidates = candidates[:s.opts.Fanout]
	}
	if len(candidates) == 0 {
		metrics.ProviderQueries.WithLabelValues("no_candidates").Inc()
		return 0
	}

	q := &query{
		contentID: contentID,
		remaining: make(map[string]struct{}, len(candidates)),
		done:      make(chan struct{}),
	}
	for _, p := range candidates {
		q.remaining[p.ID] = struct{}{}
	}
	requestID := uuid.NewString()
	timer := s.opts.Clock.Timer(s.opts.Timeout)
	defer timer.Stop()

	s.pendingMu.Lock()
	s.pending[requestID] = q
	s.pendingMu.Unlock()

	req := wire.ProviderRequest{
		RequestID:          requestID,
		ContentID:          contentID,
		Filter:             enc.Bits,
		Capacity:           enc.Capacity,
		Expected:           enc.Expected,
		AnnouncesOwnership: announce,
	}
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	for _, p := range candidates {
		p := p
		g.Go(func() error {
			if s.transport.SendMessage(sendCtx, p, req) || sendCtx.Err() != nil {
				return nil
			}
			s.logger.Debug("provider unreachable", zap.String("peer", p.Short()), zap.Int64("content", contentID))
			s.table.Remove(p.ID)
			s.Remove(p.ID)
			s.resolve(requestID, p.ID, false)
			return nil
		})
	}

	select {
	case <-q.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.pendingMu.Lock()
	replied := q.replied
	delete(s.pending, requestID)
	s.pendingMu.Unlock()
	cancel()
	_ = g.Wait()

	if replied == 0 {
		metrics.ProviderQueries.WithLabelValues("unanswered").Inc()
	} else {
		metrics.ProviderQueries.WithLabelValues("answered").Inc()
	}
	return replied
}

// resolve marks peer id as done for requestID. Only the first call for a
// given pair has any effect.
func (s *Service) resolve(requestID, id string, replied bool) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	q, ok := s.pending[requestID]
	if !ok {
		return false
	}
	if _, ok := q.remaining[id]; !ok {
		return false
	}
	delete(q.remaining, id)
	if replied {
		q.replied++
	}
	if len(q.remaining) == 0 {
		close(q.done)
	}
	return true
}

func (s *Service) handleRequest(ctx context.Context, from wire.PeerInfo, msg wire.Message) {
	req := msg.(wire.ProviderRequest)
	filter, err := bloom.Decode(bloom.Encoding{Bits: req.Filter, Capacity: req.Capacity, Expected: req.Expected})
	if err != nil {
		s.logger.Debug("bad provider filter", zap.String("peer", from.Short()), zap.Error(err))
		filter = bloom.New(s.opts.Capacity, 1)
	}
	filter.Add(from.ID)

	if req.AnnouncesOwnership {
		s.Add(req.ContentID, from.Unconfirmed())
	}

	reply := wire.ProviderReply{RequestID: req.RequestID, ContentID: req.ContentID}
	self := s.transport.Self()
	if s.holder != nil && !filter.Test(self.ID) {
		if _, ok, err := s.holder.FindByID(req.ContentID); err == nil && ok {
			reply.Providers = append(reply.Providers, self)
		}
	}
	for _, p := range s.Providers(req.ContentID) {
		if p.ID == from.ID || filter.Test(p.ID) {
			continue
		}
		reply.Providers = append(reply.Providers, p)
	}

	if !s.transport.SendMessage(ctx, from, reply) {
		s.logger.Debug("provider reply not delivered", zap.String("peer", from.Short()))
	}
}

func (s *Service) handleReply(_ context.Context, from wire.PeerInfo, msg wire.Message) {
	reply := msg.(wire.ProviderReply)
	for _, p := range reply.Providers {
		s.Add(reply.ContentID, p.Unconfirmed())
	}
	if !s.resolve(reply.RequestID, from.ID, true) {
		s.logger.Debug("discarding unexpected provider reply", zap.String("peer", from.Short()))
	}
}
