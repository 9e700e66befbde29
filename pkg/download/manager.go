// Package download transfers content between peers as numbered chunks and
// verifies the result against the provider's digest.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/metrics"
	"github.com/baderanaas/unada/pkg/peers"
	"github.com/baderanaas/unada/pkg/store"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize    = 64 * 1024
	DefaultRetries      = 3
	DefaultBackoff      = 300 * time.Millisecond
	DefaultStallTimeout = 30 * time.Second
	DefaultUploads      = 4

	maxBacklog  = 4096
	uploadQueue = 64
)

// Store is the content store seen by the transfer protocol.
type Store interface {
	FindByID(id int64) (wire.ContentRef, bool, error)
	Open(id int64) (io.ReadCloser, error)
	Create(ref wire.ContentRef) (store.Sink, error)
}

// Result describes a finished download session.
type Result struct {
	Content  wire.ContentRef
	Provider wire.PeerInfo
	State    State
	Err      error
	Bytes    int64
	Duration time.Duration
}

// UploadResult describes a finished provider-side transfer.
type UploadResult struct {
	Content   wire.ContentRef
	Requester wire.PeerInfo
	Chunks    uint32
	Bytes     int64
	Err       error
}

// Options tunes a Manager.
type Options struct {
	ChunkSize    int
	Retries      int
	Backoff      time.Duration
	StallTimeout time.Duration
	Uploads      int
	Clock        clock.Clock
	OnFinish     func(Result)
	OnUpload     func(UploadResult)
}

type uploadJob struct {
	to        wire.PeerInfo
	sessionID string
	ref       wire.ContentRef
}

// Manager runs download sessions for this node and serves content to peers.
type Manager struct {
	transport wire.Sender
	store     Store
	table     *peers.Table
	opts      Options
	logger    *zap.Logger

	sessions map[int64]*Session
	byID     map[string]*Session
	mu       sync.Mutex

	jobs    chan uploadJob
	ctx     context.Context
	cancel  context.CancelFunc
	workers *errgroup.Group
}

// New creates the manager, starts its upload workers and registers handlers.
// table may be nil; when set, providers are pinned while a session uses them.
func New(transport wire.Transport, st Store, table *peers.Table, opts Options, logger *zap.Logger) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.Uploads <= 0 {
		opts.Uploads = DefaultUploads
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	m := &Manager{
		transport: transport,
		store:     st,
		table:     table,
		opts:      opts,
		logger:    logger.Named("download"),
		sessions:  make(map[int64]*Session),
		byID:      make(map[string]*Session),
		jobs:      make(chan uploadJob, uploadQueue),
		ctx:       gctx,
		cancel:    cancel,
		workers:   g,
	}
	for i := 0; i < opts.Uploads; i++ {
		g.Go(m.uploadWorker)
	}

	transport.Handle(wire.KindDownloadRequest, m.handleRequest)
	transport.Handle(wire.KindDownloadReply, m.handleReply)
	transport.Handle(wire.KindDownloadChunk, m.handleChunk)
	transport.Handle(wire.KindDownloadComplete, m.handleComplete)
	transport.Handle(wire.KindDownloadAbort, m.handleAbort)
	return m
}

// Close fails every active session and stops the upload workers.
func (m *Manager) Close() error {
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()
	for _, s := range active {
		m.finish(s, Cancelled, ErrCancelled)
	}
	m.cancel()
	return m.workers.Wait()
}

// Download opens a session for ref with provider. It fails with
// ErrSessionActive if a session for the same content id is still running.
// Send failures are reported through the returned session.
func (m *Manager) Download(ctx context.Context, ref wire.ContentRef, provider wire.PeerInfo) (*Session, error) {
	m.mu.Lock()
	if cur, ok := m.sessions[ref.ID]; ok {
		m.mu.Unlock()
		return cur, fmt.Errorf("%w: %d", ErrSessionActive, ref.ID)
	}
	s := newSession(uuid.NewString(), ref, provider, m.opts.Clock.Now())
	m.sessions[ref.ID] = s
	m.byID[s.id] = s
	m.mu.Unlock()

	metrics.ActiveDownloads.Inc()
	if m.table != nil {
		m.table.Pin(provider)
	}

	req := wire.DownloadRequest{SessionID: s.id, ContentID: ref.ID}
	for attempt := 0; ; attempt++ {
		if m.transport.SendMessage(ctx, provider, req) {
			break
		}
		s.mu.Lock()
		s.retries++
		s.mu.Unlock()
		if attempt+1 >= m.opts.Retries || ctx.Err() != nil {
			m.logger.Info("download request not delivered",
				zap.Int64("content", ref.ID), zap.String("provider", provider.Short()), zap.Int("attempts", attempt+1))
			m.finish(s, Failed, ErrUnreachable)
			return s, nil
		}
		m.opts.Clock.Sleep(m.opts.Backoff)
	}

	s.mu.Lock()
	if !s.state.Terminal() {
		s.watchdog = m.opts.Clock.AfterFunc(m.opts.StallTimeout, func() {
			m.logger.Info("download stalled", zap.Int64("content", ref.ID), zap.String("provider", provider.Short()))
			m.finish(s, Failed, ErrStalled)
		})
	}
	s.mu.Unlock()
	return s, nil
}

// Fetch downloads ref from the first provider in order that completes a
// verified transfer.
func (m *Manager) Fetch(ctx context.Context, ref wire.ContentRef, providers []wire.PeerInfo) (wire.PeerInfo, error) {
	lastErr := ErrNoProviders
	for _, p := range providers {
		s, err := m.Download(ctx, ref, p)
		if err != nil {
			return wire.PeerInfo{}, err
		}
		err = s.Wait(ctx)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			m.Cancel(ref.ID)
			return wire.PeerInfo{}, ctx.Err()
		}
		m.logger.Info("provider failed, trying next",
			zap.Int64("content", ref.ID), zap.String("provider", p.Short()), zap.Error(err))
		lastErr = err
	}
	return wire.PeerInfo{}, lastErr
}

// Cancel ends the active session for contentID.
func (m *Manager) Cancel(contentID int64) bool {
	m.mu.Lock()
	s, ok := m.sessions[contentID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.finish(s, Cancelled, ErrCancelled)
}

// Session returns the active session for contentID.
func (m *Manager) Session(contentID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[contentID]
	return s, ok
}

// Sessions snapshots every active session ordered by content id.
func (m *Manager) Sessions() []Status {
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(active))
	for _, s := range active {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Content.ID < out[j].Content.ID })
	return out
}

// finish ends s and releases its bookkeeping. Only the first call wins.
func (m *Manager) finish(s *Session, state State, err error) bool {
	s.mu.Lock()
	ended := s.end(state, err, m.opts.Clock.Now())
	s.mu.Unlock()
	if ended {
		m.release(s)
	}
	return ended
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ref.ID] == s {
		delete(m.sessions, s.ref.ID)
	}
	delete(m.byID, s.id)
	m.mu.Unlock()

	if m.table != nil {
		m.table.Unpin(s.provider.ID)
	}

	s.mu.Lock()
	res := Result{
		Content:  s.ref,
		Provider: s.provider,
		State:    s.state,
		Err:      s.err,
		Bytes:    s.digest.Len(),
		Duration: s.finished.Sub(s.started),
	}
	s.mu.Unlock()

	metrics.ActiveDownloads.Dec()
	metrics.Downloads.WithLabelValues(res.State.String()).Inc()
	m.logger.Info("download finished",
		zap.Int64("content", res.Content.ID),
		zap.String("provider", res.Provider.Short()),
		zap.Stringer("state", res.State),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("took", res.Duration),
		zap.Error(res.Err))
	if m.opts.OnFinish != nil {
		m.opts.OnFinish(res)
	}
	close(s.done)
}

// lookup finds the session a transfer message belongs to.
func (m *Manager) lookup(sessionID string, from wire.PeerInfo) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok || s.provider.ID != from.ID {
		return nil, false
	}
	return s, true
}

func (m *Manager) handleReply(_ context.Context, from wire.PeerInfo, msg wire.Message) {
	reply := msg.(wire.DownloadReply)
	s, ok := m.lookup(reply.SessionID, from)
	if !ok {
		return
	}
	if !reply.Found {
		m.finish(s, Cancelled, ErrNotFound)
		return
	}

	s.mu.Lock()
	ended := m.onReply(s, reply.Content)
	s.mu.Unlock()
	if ended {
		m.release(s)
	}
}

// onReply prepares the sink and drains chunks that overtook the reply.
// Callers hold s.mu.
func (m *Manager) onReply(s *Session, ref wire.ContentRef) bool {
	now := m.opts.Clock.Now()
	if s.state != Requested {
		return false
	}
	if ref.ID != s.ref.ID {
		return s.end(Failed, fmt.Errorf("provider answered for content %d", ref.ID), now)
	}
	sink, err := m.store.Create(ref)
	if err != nil {
		return s.end(Failed, fmt.Errorf("failed to prepare sink: %w", err), now)
	}
	s.sink = sink
	s.ref = ref
	s.state = InfoReceived
	m.kick(s)

	if first, ok := s.backlog[0]; ok {
		delete(s.backlog, 0)
		s.state = Transferring
		if err := s.write(first); err != nil {
			return s.end(Failed, fmt.Errorf("failed to write chunk: %w", err), now)
		}
	}
	return m.settle(s)
}

func (m *Manager) handleChunk(_ context.Context, from wire.PeerInfo, msg wire.Message) {
	chunk := msg.(wire.DownloadChunk)
	s, ok := m.lookup(chunk.SessionID, from)
	if !ok {
		return
	}
	metrics.BytesTransferred.WithLabelValues("in").Add(float64(len(chunk.Data)))

	s.mu.Lock()
	ended := m.onChunk(s, chunk)
	s.mu.Unlock()
	if ended {
		m.release(s)
	}
}

// onChunk writes or buffers one chunk. Callers hold s.mu.
func (m *Manager) onChunk(s *Session, chunk wire.DownloadChunk) bool {
	if s.state.Terminal() || chunk.ChunkNo < s.next {
		return false
	}
	m.kick(s)
	if s.sink == nil || chunk.ChunkNo > s.next {
		if _, dup := s.backlog[chunk.ChunkNo]; dup {
			return false
		}
		if len(s.backlog) >= maxBacklog {
			return s.end(Failed, ErrReorderWindow, m.opts.Clock.Now())
		}
		s.backlog[chunk.ChunkNo] = chunk.Data
		return false
	}
	s.state = Transferring
	if err := s.write(chunk.Data); err != nil {
		return s.end(Failed, fmt.Errorf("failed to write chunk: %w", err), m.opts.Clock.Now())
	}
	return m.settle(s)
}

func (m *Manager) handleComplete(_ context.Context, from wire.PeerInfo, msg wire.Message) {
	complete := msg.(wire.DownloadComplete)
	s, ok := m.lookup(complete.SessionID, from)
	if !ok {
		return
	}
	s.mu.Lock()
	ended := false
	if !s.state.Terminal() && s.complete == nil {
		s.complete = &complete
		m.kick(s)
		ended = m.settle(s)
	}
	s.mu.Unlock()
	if ended {
		m.release(s)
	}
}

// settle verifies the session once every announced chunk is in. Callers
// hold s.mu.
func (m *Manager) settle(s *Session) bool {
	if !s.ready() {
		return false
	}
	s.state = Verifying
	now := m.opts.Clock.Now()
	if err := s.verify(); err != nil {
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			m.logger.Warn("download failed verification", zap.Int64("content", s.ref.ID), zap.Error(err))
		}
		return s.end(Failed, err, now)
	}
	return s.end(Succeeded, nil, now)
}

func (m *Manager) handleAbort(_ context.Context, from wire.PeerInfo, msg wire.Message) {
	abort := msg.(wire.DownloadAbort)
	s, ok := m.lookup(abort.SessionID, from)
	if !ok {
		return
	}
	m.finish(s, Failed, fmt.Errorf("%w: %s", ErrAborted, abort.Reason))
}

// kick restarts the stall watchdog. Callers hold s.mu.
func (m *Manager) kick(s *Session) {
	if s.watchdog != nil {
		s.watchdog.Reset(m.opts.StallTimeout)
	}
}
