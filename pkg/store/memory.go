package store

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/digest"
	"github.com/baderanaas/unada/pkg/wire"
)

// Memory is a Store held entirely in memory.
type Memory struct {
	records map[int64]Record
	data    map[int64][]byte
	mu      sync.RWMutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[int64]Record),
		data:    make(map[int64][]byte),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) List() ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindAllAvailable() ([]wire.ContentRef, error) {
	recs, _ := m.List()
	out := make([]wire.ContentRef, 0, len(recs))
	for _, rec := range recs {
		if !rec.Prefetched {
			out = append(out, rec.Ref())
		}
	}
	return out, nil
}

func (m *Memory) FindByID(id int64) (wire.ContentRef, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec.Ref(), ok, nil
}

func (m *Memory) Open(id int64) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Bytes returns a copy of the payload of id.
func (m *Memory) Bytes(id int64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	return append([]byte(nil), data...), ok
}

func (m *Memory) Create(ref wire.ContentRef) (Sink, error) {
	m.mu.RLock()
	_, exists := m.records[ref.ID]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %d", ErrExists, ref.ID)
	}
	return &memorySink{store: m, ref: ref}, nil
}

func (m *Memory) Put(id int64, r io.Reader) (wire.ContentRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return wire.ContentRef{}, err
	}
	ref := wire.ContentRef{ID: id, Size: int64(len(data))}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[id]; exists {
		return wire.ContentRef{}, fmt.Errorf("%w: %d", ErrExists, id)
	}
	m.records[id] = Record{ID: id, Size: ref.Size, Digest: digest.Of(data), CreatedAt: time.Now()}
	m.data[id] = data
	return ref, nil
}

func (m *Memory) MarkPrefetched(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Prefetched = true
	m.records[id] = rec
	return nil
}

func (m *Memory) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	delete(m.data, id)
	return nil
}

type memorySink struct {
	store *Memory
	ref   wire.ContentRef
	buf   bytes.Buffer
}

func (s *memorySink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *memorySink) Commit(sum []byte) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.records[s.ref.ID] = Record{ID: s.ref.ID, Size: int64(s.buf.Len()), Digest: sum, CreatedAt: time.Now()}
	s.store.data[s.ref.ID] = s.buf.Bytes()
	return nil
}

func (s *memorySink) Abort() error {
	s.buf.Reset()
	return nil
}
