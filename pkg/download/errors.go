package download

import (
	"errors"
	"fmt"

	"github.com/baderanaas/unada/pkg/digest"
)

var (
	ErrSessionActive = errors.New("download already active for content")
	ErrNotFound      = errors.New("provider does not hold content")
	ErrUnreachable   = errors.New("provider unreachable")
	ErrAborted       = errors.New("provider aborted transfer")
	ErrStalled       = errors.New("transfer stalled")
	ErrCancelled     = errors.New("download cancelled")
	ErrNoProviders   = errors.New("no provider could serve content")
	ErrReorderWindow = errors.New("too many out-of-order chunks")
)

// IntegrityError reports a transfer whose bytes do not match what the
// provider sent.
type IntegrityError struct {
	ContentID    int64
	Expected     []byte
	Actual       []byte
	ExpectedSize int64
	ActualSize   int64
}

func (e *IntegrityError) Error() string {
	if e.ExpectedSize != e.ActualSize {
		return fmt.Sprintf("content %d: received %d bytes, expected %d", e.ContentID, e.ActualSize, e.ExpectedSize)
	}
	return fmt.Sprintf("content %d: digest mismatch: got %s, provider sent %s",
		e.ContentID, digest.String(e.Actual), digest.String(e.Expected))
}
