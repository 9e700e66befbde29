// Package digest computes and compares content transfer digests.
package digest

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
)

// Size is the digest length in bytes.
const Size = md5.Size

// Running accumulates a digest over bytes as they are read or written.
type Running struct {
	h hash.Hash
	n int64
}

// New starts an empty accumulator.
func New() *Running {
	return &Running{h: md5.New()}
}

// Write adds p to the digest.
func (r *Running) Write(p []byte) (int, error) {
	n, _ := r.h.Write(p)
	r.n += int64(n)
	return n, nil
}

// Sum returns the digest of everything written so far.
func (r *Running) Sum() []byte {
	return r.h.Sum(nil)
}

// Len returns the number of bytes written.
func (r *Running) Len() int64 {
	return r.n
}

// TeeReader returns a reader that feeds everything read from src into r.
func (r *Running) TeeReader(src io.Reader) io.Reader {
	return io.TeeReader(src, r)
}

// Of returns the digest of data.
func Of(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// Equal compares two digests in constant time.
func Equal(a, b []byte) bool {
	if len(a) != Size || len(b) != Size {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// String renders a digest as hex.
func String(d []byte) string {
	return hex.EncodeToString(d)
}
