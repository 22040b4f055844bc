// Package sha256 computes payload digests while the payload is written.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// ResettableWriter is a destination that can be rewound between attempts.
type ResettableWriter interface {
	io.Writer
	Reset() error
}

// Writer tees every write into a SHA-256 digest. Reset rewinds both the
// destination and the digest, so the sum always covers the last attempt only.
type Writer struct {
	dst ResettableWriter
	h   hash.Hash
	n   int64
}

// NewWriter wraps dst.
func NewWriter(dst ResettableWriter) *Writer {
	return &Writer{dst: dst, h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Reset rewinds the destination and clears the digest.
func (w *Writer) Reset() error {
	if err := w.dst.Reset(); err != nil {
		return err
	}
	w.h.Reset()
	w.n = 0
	return nil
}

// Sum returns the hex digest of everything written since the last Reset.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Len returns the number of bytes written since the last Reset.
func (w *Writer) Len() int64 {
	return w.n
}

// Hash hashes data and returns a hex digest.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
