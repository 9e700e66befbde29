package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/digest"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes for different data types
const (
	contentPrefix = "content:"
)

// Level keeps metadata in leveldb and payloads as files next to it.
type Level struct {
	db       *leveldb.DB
	dataPath string
	mu       sync.Mutex
}

// OpenLevel opens (or creates) a store rooted at dir.
func OpenLevel(dir string) (*Level, error) {
	db, err := leveldb.OpenFile(filepath.Join(dir, "index"), &opt.Options{
		WriteBuffer: 16 * 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	dataPath := filepath.Join(dir, "content")
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &Level{db: db, dataPath: dataPath}, nil
}

// Close closes the database.
func (s *Level) Close() error {
	return s.db.Close()
}

func contentKey(id int64) []byte {
	return []byte(contentPrefix + strconv.FormatInt(id, 10))
}

func (s *Level) get(id int64) (Record, error) {
	data, err := s.db.Get(contentKey(id), nil)
	if err == leveldb.ErrNotFound {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return rec, nil
}

func (s *Level) put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return s.db.Put(contentKey(rec.ID), data, nil)
}

// List returns every record ordered by id.
func (s *Level) List() ([]Record, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(contentPrefix)), nil)
	defer iter.Release()

	var out []Record
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindAllAvailable lists content that was not prefetched.
func (s *Level) FindAllAvailable() ([]wire.ContentRef, error) {
	recs, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]wire.ContentRef, 0, len(recs))
	for _, rec := range recs {
		if !rec.Prefetched {
			out = append(out, rec.Ref())
		}
	}
	return out, nil
}

// FindByID looks up the metadata for id.
func (s *Level) FindByID(id int64) (wire.ContentRef, bool, error) {
	rec, err := s.get(id)
	if err == ErrNotFound {
		return wire.ContentRef{}, false, nil
	}
	if err != nil {
		return wire.ContentRef{}, false, err
	}
	return rec.Ref(), true, nil
}

// Open returns a reader over the payload of id.
func (s *Level) Open(id int64) (io.ReadCloser, error) {
	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return os.Open(rec.Path)
}

// Create prepares a sink for ref.
func (s *Level) Create(ref wire.ContentRef) (Sink, error) {
	if _, err := s.get(ref.ID); err == nil {
		return nil, fmt.Errorf("%w: %d", ErrExists, ref.ID)
	}
	final := filepath.Join(s.dataPath, fmt.Sprintf("%d.bin", ref.ID))
	f, err := os.CreateTemp(s.dataPath, fmt.Sprintf("%d-*.part", ref.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create part file: %w", err)
	}
	return &fileSink{store: s, file: f, final: final, ref: ref}, nil
}

// Put copies r into the store under id.
func (s *Level) Put(id int64, r io.Reader) (wire.ContentRef, error) {
	sink, err := s.Create(wire.ContentRef{ID: id})
	if err != nil {
		return wire.ContentRef{}, err
	}
	d := digest.New()
	n, err := io.Copy(sink, d.TeeReader(r))
	if err != nil {
		sink.Abort()
		return wire.ContentRef{}, fmt.Errorf("failed to copy content: %w", err)
	}
	if err := sink.Commit(d.Sum()); err != nil {
		return wire.ContentRef{}, err
	}
	return wire.ContentRef{ID: id, Size: n}, nil
}

// MarkPrefetched flags id as obtained by prediction rather than demand.
func (s *Level) MarkPrefetched(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(id)
	if err != nil {
		return err
	}
	rec.Prefetched = true
	return s.put(rec)
}

// Delete removes id and its payload.
func (s *Level) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(id)
	if err != nil {
		return err
	}
	if err := s.db.Delete(contentKey(id), nil); err != nil {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}

type fileSink struct {
	store *Level
	file  *os.File
	final string
	ref   wire.ContentRef
	n     int64
}

func (f *fileSink) Write(p []byte) (int, error) {
	n, err := f.file.Write(p)
	f.n += int64(n)
	return n, err
}

func (f *fileSink) Commit(sum []byte) error {
	if err := f.file.Close(); err != nil {
		os.Remove(f.file.Name())
		return fmt.Errorf("failed to close part file: %w", err)
	}
	if err := os.Rename(f.file.Name(), f.final); err != nil {
		os.Remove(f.file.Name())
		return fmt.Errorf("failed to finalize content: %w", err)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return f.store.put(Record{
		ID:        f.ref.ID,
		Size:      f.n,
		Path:      f.final,
		Digest:    sum,
		CreatedAt: time.Now(),
	})
}

func (f *fileSink) Abort() error {
	f.file.Close()
	if err := os.Remove(f.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
