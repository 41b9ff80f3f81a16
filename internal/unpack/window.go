// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import "errors"

// ErrInvalidBackReference is returned when a match distance references
// bytes before the start of the dictionary, that is, further back than the
// number of bytes produced since the last dictionary reset.
var ErrInvalidBackReference = errors.New("unpack: invalid back reference")

// maxMatchLen bounds the number of bytes a single decode operation may
// write. The fill loop keeps at least this much window space free so a
// decode operation never needs to block mid-match.
const maxMatchLen = 0x1802

// minWindowLog is the smallest dictionary used by any generation (64 KiB,
// generation 1.5).
const minWindowLog = 16

// window is the sliding dictionary: an append-only ring buffer sized to the
// entry's declared dictionary exponent. Match back-references index into it.
// It is exclusively owned by one decoder for the duration of a solid run.
type window struct {
	buf     []byte
	mask    int
	r, w    int   // read and write cursors
	n       int   // bytes buffered and not yet read
	written int64 // bytes written since the last dictionary reset
}

// reset sizes the window to 1<<log2 bytes. With keep set the decoded
// history is preserved for a solid continuation; the window never shrinks
// during a solid run.
func (w *window) reset(log2 uint, keep bool) {
	if log2 < minWindowLog {
		log2 = minWindowLog
	}
	size := 1 << log2
	if keep && w.buf != nil {
		if size <= len(w.buf) {
			return
		}
		// Grow, linearizing the existing history so distances keep
		// resolving to the same bytes.
		old := w.buf
		oldMask := w.mask
		oldW := w.w
		w.buf = make([]byte, size)
		w.mask = size - 1
		hist := int(w.written)
		if hist > len(old) {
			hist = len(old)
		}
		for i := 1; i <= hist; i++ {
			w.buf[(oldW-i)&w.mask] = old[(oldW-i)&oldMask]
		}
		// Cursors keep their distance relationship modulo the new size.
		w.r = (oldW - w.n) & (size - 1)
		w.w = oldW & (size - 1)
		return
	}
	if size != len(w.buf) {
		w.buf = make([]byte, size)
		w.mask = size - 1
	}
	w.r, w.w, w.n = 0, 0, 0
	w.written = 0
}

// available returns the space left for decoding before the reader must
// drain the window.
func (w *window) available() int { return len(w.buf) - w.n }

// buffered returns the number of decoded bytes not yet read.
func (w *window) buffered() int { return w.n }

// total returns the number of bytes written since the last dictionary
// reset.
func (w *window) total() int64 { return w.written }

func (w *window) writeByte(c byte) {
	w.buf[w.w] = c
	w.w = (w.w + 1) & w.mask
	w.n++
	w.written++
}

// copyBytes copies length bytes from distance offset back in the window to
// the write cursor. Overlapping copies repeat recently written bytes, which
// is how run lengths longer than the distance are encoded.
func (w *window) copyBytes(length, offset int) error {
	if offset <= 0 || int64(offset) > w.written || offset > len(w.buf) {
		return ErrInvalidBackReference
	}
	i := (w.w - offset) & w.mask
	for ; length > 0; length-- {
		w.writeByte(w.buf[i])
		i = (i + 1) & w.mask
	}
	return nil
}

// read drains up to len(p) buffered bytes into p.
func (w *window) read(p []byte) int {
	n := len(p)
	if n > w.n {
		n = w.n
	}
	for i := 0; i < n; i++ {
		p[i] = w.buf[w.r]
		w.r = (w.r + 1) & w.mask
	}
	w.n -= n
	return n
}
