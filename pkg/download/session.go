package download

import (
	"context"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/digest"
	"github.com/baderanaas/unada/pkg/store"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/benbjohnson/clock"
)

// State is the lifecycle position of a download session.
type State int

const (
	Requested State = iota
	InfoReceived
	Transferring
	Verifying
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case InfoReceived:
		return "info_received"
	case Transferring:
		return "transferring"
	case Verifying:
		return "verifying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Session tracks one content download from one provider.
type Session struct {
	id       string
	provider wire.PeerInfo
	started  time.Time

	mu       sync.Mutex
	ref      wire.ContentRef
	state    State
	digest   *digest.Running
	next     uint32
	backlog  map[uint32][]byte
	retries  int
	sink     store.Sink
	complete *wire.DownloadComplete
	watchdog *clock.Timer
	err      error
	finished time.Time
	done     chan struct{}
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID string          `json:"session_id"`
	Content   wire.ContentRef `json:"content"`
	Provider  string          `json:"provider"`
	State     string          `json:"state"`
	Bytes     int64           `json:"bytes"`
	Chunks    uint32          `json:"chunks"`
	Buffered  int             `json:"buffered"`
	Retries   int             `json:"retries"`
	Error     string          `json:"error,omitempty"`
}

func newSession(id string, ref wire.ContentRef, provider wire.PeerInfo, now time.Time) *Session {
	return &Session{
		id:       id,
		provider: provider,
		started:  now,
		ref:      ref,
		state:    Requested,
		digest:   digest.New(),
		backlog:  make(map[uint32][]byte),
		done:     make(chan struct{}),
	}
}

// ID returns the session id echoed in every transfer message.
func (s *Session) ID() string { return s.id }

// Provider returns the peer serving the session.
func (s *Session) Provider() wire.PeerInfo { return s.provider }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause of a terminal session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session ends and returns its failure cause.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status snapshots the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID: s.id,
		Content:   s.ref,
		Provider:  s.provider.ID,
		State:     s.state.String(),
		Bytes:     s.digest.Len(),
		Chunks:    s.next,
		Buffered:  len(s.backlog),
		Retries:   s.retries,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// end moves the session to a terminal state. Callers hold s.mu and, when it
// returns true, must hand the session to Manager.release, which closes done.
func (s *Session) end(state State, err error, now time.Time) bool {
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.err = err
	s.finished = now
	s.backlog = nil
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.sink != nil && state != Succeeded {
		s.sink.Abort()
	}
	return true
}

// write appends the chunk at the cursor and drains buffered successors.
func (s *Session) write(data []byte) error {
	for {
		if _, err := s.sink.Write(data); err != nil {
			return err
		}
		s.digest.Write(data)
		s.next++
		next, ok := s.backlog[s.next]
		if !ok {
			return nil
		}
		delete(s.backlog, s.next)
		data = next
	}
}

// ready reports whether every chunk announced by DownloadComplete arrived.
func (s *Session) ready() bool {
	return s.complete != nil && s.sink != nil && s.next >= s.complete.Chunks
}

// verify compares the received bytes with what the provider announced.
func (s *Session) verify() error {
	sum := s.digest.Sum()
	if s.ref.Size > 0 && s.digest.Len() != s.ref.Size {
		return &IntegrityError{ContentID: s.ref.ID, Expected: s.complete.Digest, Actual: sum, ExpectedSize: s.ref.Size, ActualSize: s.digest.Len()}
	}
	if !digest.Equal(sum, s.complete.Digest) {
		return &IntegrityError{ContentID: s.ref.ID, Expected: s.complete.Digest, Actual: sum, ExpectedSize: s.ref.Size, ActualSize: s.digest.Len()}
	}
	return s.sink.Commit(sum)
}
