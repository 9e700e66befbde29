// Package store keeps cached content and its metadata.
package store

import (
	"errors"
	"io"
	"time"

	"github.com/baderanaas/unada/pkg/wire"
)

var (
	ErrNotFound = errors.New("content not found")
	ErrExists   = errors.New("content already stored")
)

// Record is the metadata kept for a content item.
type Record struct {
	ID         int64     `json:"id"`
	Size       int64     `json:"size"`
	Path       string    `json:"path,omitempty"`
	Digest     []byte    `json:"digest,omitempty"`
	Prefetched bool      `json:"prefetched"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ref returns the discovery view of the record.
func (r Record) Ref() wire.ContentRef {
	return wire.ContentRef{ID: r.ID, Size: r.Size}
}

// Sink receives a download. Nothing is visible in the store until Commit.
type Sink interface {
	io.Writer
	Commit(digest []byte) error
	Abort() error
}

// Store is the content store used by the node.
type Store interface {
	// FindAllAvailable lists content obtained on demand, excluding prefetched items.
	FindAllAvailable() ([]wire.ContentRef, error)
	FindByID(id int64) (wire.ContentRef, bool, error)
	Open(id int64) (io.ReadCloser, error)
	Create(ref wire.ContentRef) (Sink, error)
	Put(id int64, r io.Reader) (wire.ContentRef, error)
	MarkPrefetched(id int64) error
	List() ([]Record, error)
	Delete(id int64) error
	Close() error
}
