// Package catalog exchanges content catalogs with neighbors and ranks
// content the local node does not hold by how often it co-occurs with
// content it does.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/metrics"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds how long Refresh waits for catalog replies.
const DefaultTimeout = 10 * time.Second

// Source lists the content available locally.
type Source interface {
	FindAllAvailable() ([]wire.ContentRef, error)
}

// Neighbors lists the peers to exchange catalogs with.
type Neighbors interface {
	List() []wire.PeerInfo
}

// Prediction is one ranked content item.
type Prediction struct {
	Content wire.ContentRef `json:"content"`
	Score   int             `json:"score"`
	Holders int             `json:"holders"`
}

type record struct {
	peer     wire.PeerInfo
	contents map[int64]wire.ContentRef
	received time.Time
	seq      uint64
}

type round struct {
	remaining map[string]struct{}
	replied   int
	done      chan struct{}
}

// Service answers catalog requests and keeps the catalogs neighbors sent.
type Service struct {
	transport wire.Sender
	source    Source
	neighbors Neighbors
	clk       clock.Clock
	timeout   time.Duration
	logger    *zap.Logger

	catalogs map[string]*record
	seq      uint64
	mu       sync.RWMutex

	rounds   map[*round]struct{}
	roundsMu sync.Mutex
}

// Options tunes a Service.
type Options struct {
	Timeout time.Duration
	Clock   clock.Clock
}

// New creates the service and registers its handlers on router.
func New(transport wire.Transport, source Source, neighbors Neighbors, opts Options, logger *zap.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Service{
		transport: transport,
		source:    source,
		neighbors: neighbors,
		clk:       opts.Clock,
		timeout:   opts.Timeout,
		logger:    logger.Named("catalog"),
		catalogs:  make(map[string]*record),
		rounds:    make(map[*round]struct{}),
	}
	transport.Handle(wire.KindContentInfoRequest, s.handleRequest)
	transport.Handle(wire.KindContentInfoReply, s.handleReply)
	return s
}

func (s *Service) handleRequest(ctx context.Context, from wire.PeerInfo, _ wire.Message) {
	contents, err := s.source.FindAllAvailable()
	if err != nil {
		s.logger.Warn("failed to list catalog", zap.Error(err))
		return
	}
	if !s.transport.SendMessage(ctx, from, wire.ContentInfoReply{Contents: contents}) {
		s.logger.Debug("catalog reply not delivered", zap.String("peer", from.Short()))
	}
}

func (s *Service) handleReply(_ context.Context, from wire.PeerInfo, msg wire.Message) {
	reply := msg.(wire.ContentInfoReply)
	rec := &record{
		peer:     from,
		contents: make(map[int64]wire.ContentRef, len(reply.Contents)),
		received: s.clk.Now(),
	}
	for _, c := range reply.Contents {
		rec.contents[c.ID] = c
	}

	s.mu.Lock()
	s.seq++
	rec.seq = s.seq
	s.catalogs[from.ID] = rec
	s.mu.Unlock()

	s.roundsMu.Lock()
	for r := range s.rounds {
		s.settle(r, from.ID, true)
	}
	s.roundsMu.Unlock()
}

// Refresh asks every neighbor for its catalog and waits until all of them
// replied or the timeout elapsed. Catalogs not received during the round are
// dropped, so peers that left stop counting toward predictions. It returns
// the number of replies received.
func (s *Service) Refresh(ctx context.Context) int {
	s.mu.RLock()
	startSeq := s.seq
	s.mu.RUnlock()
	defer s.prune(startSeq)

	targets := s.neighbors.List()
	if len(targets) == 0 {
		return 0
	}
	r := &round{remaining: make(map[string]struct{}, len(targets)), done: make(chan struct{})}
	for _, p := range targets {
		r.remaining[p.ID] = struct{}{}
	}
	timer := s.clk.Timer(s.timeout)
	defer timer.Stop()

	s.roundsMu.Lock()
	s.rounds[r] = struct{}{}
	s.roundsMu.Unlock()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	for _, p := range targets {
		p := p
		g.Go(func() error {
			if !s.transport.SendMessage(sendCtx, p, wire.ContentInfoRequest{}) {
				s.roundsMu.Lock()
				s.settle(r, p.ID, false)
				s.roundsMu.Unlock()
			}
			return nil
		})
	}

	select {
	case <-r.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.roundsMu.Lock()
	replied := r.replied
	delete(s.rounds, r)
	s.roundsMu.Unlock()
	cancel()
	_ = g.Wait()

	s.logger.Debug("catalog refresh finished", zap.Int("asked", len(targets)), zap.Int("replied", replied))
	return replied
}

// settle marks peer id as done for r. Callers hold roundsMu.
func (s *Service) settle(r *round, id string, replied bool) {
	if _, ok := r.remaining[id]; !ok {
		return
	}
	delete(r.remaining, id)
	if replied {
		r.replied++
	}
	if len(r.remaining) == 0 {
		close(r.done)
		delete(s.rounds, r)
	}
}

// prune drops every catalog received at or before sequence number seq.
func (s *Service) prune(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.catalogs {
		if rec.seq <= seq {
			delete(s.catalogs, id)
		}
	}
}

// Predict ranks content held by neighbors but absent locally. Each neighbor
// adds, to every such item it holds, the number of items it shares with the
// local catalog. Ties are broken by content id.
func (s *Service) Predict() ([]Prediction, error) {
	localRefs, err := s.source.FindAllAvailable()
	if err != nil {
		return nil, err
	}
	local := make(map[int64]struct{}, len(localRefs))
	for _, c := range localRefs {
		local[c.ID] = struct{}{}
	}

	scores := make(map[int64]*Prediction)
	s.mu.RLock()
	for _, rec := range s.catalogs {
		common := 0
		for id := range rec.contents {
			if _, ok := local[id]; ok {
				common++
			}
		}
		for id, c := range rec.contents {
			if _, ok := local[id]; ok {
				continue
			}
			p, ok := scores[id]
			if !ok {
				p = &Prediction{Content: c}
				scores[id] = p
			}
			p.Score += common
			p.Holders++
		}
	}
	s.mu.RUnlock()

	out := make([]Prediction, 0, len(scores))
	for _, p := range scores {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Content.ID < out[j].Content.ID
	})
	metrics.Predictions.Inc()
	return out, nil
}

// GetPrediction refreshes neighbor catalogs and ranks the result.
func (s *Service) GetPrediction(ctx context.Context) ([]Prediction, error) {
	s.Refresh(ctx)
	return s.Predict()
}

// Catalog returns the catalog recorded for peer id.
func (s *Service) Catalog(id string) ([]wire.ContentRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.catalogs[id]
	if !ok {
		return nil, false
	}
	out := make([]wire.ContentRef, 0, len(rec.contents))
	for _, c := range rec.contents {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, true
}

// Forget drops the catalog recorded for peer id.
func (s *Service) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.catalogs, id)
}

// Run computes a prediction every interval and hands it to consume.
func (s *Service) Run(ctx context.Context, interval time.Duration, consume func([]Prediction)) {
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			predictions, err := s.GetPrediction(ctx)
			if err != nil {
				s.logger.Warn("prediction failed", zap.Error(err))
				continue
			}
			s.logger.Info("prediction computed", zap.Int("items", len(predictions)))
			if consume != nil {
				consume(predictions)
			}
		}
	}
}
