// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bitstream provides an MSB-first bit level cursor over a byte
// source. All of the RAR compression generations pack bits most significant
// bit first, that is, the bitstream can be visualized as flowing from left
// to right.
package bitstream

import (
	"errors"
	"io"
)

// ErrTruncated is returned when fewer bits remain in the underlying byte
// source than were requested.
var ErrTruncated = errors.New("bitstream: truncated input")

// BitReader is the interface consumed by the symbol decoders. PeekBits
// never fails; it zero pads when the source is exhausted and reports how
// many of the returned bits are real. Skip consumes bits previously peeked
// and fails if asked to consume more bits than remain.
type BitReader interface {
	ReadBits(n uint) (int, error)
	PeekBits(n uint) (v int, avail uint)
	Skip(n uint) error
}

// Reader reads bits MSB-first from an io.ByteReader.
type Reader struct {
	r   io.ByteReader
	v   uint64 // accumulator, low n bits are valid
	n   uint
	eof bool
}

// NewReader returns a new bit reader over r.
func NewReader(r io.ByteReader) *Reader {
	return &Reader{r: r}
}

// Reset discards any buffered bits and switches the reader to a new byte
// source.
func (b *Reader) Reset(r io.ByteReader) {
	b.r = r
	b.v, b.n = 0, 0
	b.eof = false
}

// fill buffers bytes until at least n bits are available or the source is
// exhausted. n must be <= 56.
func (b *Reader) fill(n uint) {
	if b.eof {
		return
	}
	for b.n < n {
		c, err := b.r.ReadByte()
		if err != nil {
			b.eof = true
			return
		}
		b.v = b.v<<8 | uint64(c)
		b.n += 8
	}
}

// ReadBits reads n bits, n <= 32, returning them as the low bits of an int.
func (b *Reader) ReadBits(n uint) (int, error) {
	if b.n < n {
		b.fill(n)
		if b.n < n {
			return 0, ErrTruncated
		}
	}
	b.n -= n
	v := int(b.v >> b.n)
	b.v &= (1 << b.n) - 1
	return v, nil
}

// PeekBits returns the next n bits, n <= 32, without consuming them. If
// fewer than n bits remain the value is zero padded on the right and avail
// reports the number of real bits.
func (b *Reader) PeekBits(n uint) (v int, avail uint) {
	if b.n < n {
		b.fill(n)
	}
	if b.n >= n {
		return int(b.v >> (b.n - n)), n
	}
	return int(b.v << (n - b.n)), b.n
}

// Skip consumes n previously peeked bits.
func (b *Reader) Skip(n uint) error {
	if b.n < n {
		b.fill(n)
		if b.n < n {
			return ErrTruncated
		}
	}
	b.n -= n
	b.v &= (1 << b.n) - 1
	return nil
}

// AlignByte discards any buffered partial byte so that the next read is
// byte aligned with the underlying source.
func (b *Reader) AlignByte() {
	d := b.n % 8
	b.n -= d
	b.v &= (1 << b.n) - 1
}

// ReadByte reads the next 8 bits. It does not imply byte alignment.
func (b *Reader) ReadByte() (byte, error) {
	n, err := b.ReadBits(8)
	return byte(n), err
}

// ReadFull reads len(p) bytes, bit-granular, into p.
func (b *Reader) ReadFull(p []byte) error {
	for i := range p {
		c, err := b.ReadByte()
		if err != nil {
			return err
		}
		p[i] = c
	}
	return nil
}

// Limited wraps a Reader and limits it to a fixed number of bits, as used
// by the generation 5 decoder whose block headers declare an exact block
// bit length. Reading past the limit returns Err.
type Limited struct {
	R   *Reader
	N   int // remaining bits
	Err error
}

// LimitReader returns a BitReader that reads at most n bits from r,
// returning err once they are exhausted.
func LimitReader(r *Reader, n int, err error) *Limited {
	return &Limited{R: r, N: n, Err: err}
}

// ReadBits implements BitReader.
func (l *Limited) ReadBits(n uint) (int, error) {
	if int(n) > l.N {
		l.N = 0
		return 0, l.Err
	}
	v, err := l.R.ReadBits(n)
	if err == nil {
		l.N -= int(n)
	}
	return v, err
}

// PeekBits implements BitReader. Bits beyond the limit are zero padded and
// not counted as available.
func (l *Limited) PeekBits(n uint) (v int, avail uint) {
	v, avail = l.R.PeekBits(n)
	if int(avail) > l.N {
		avail = uint(l.N)
		v = (v >> (n - avail)) << (n - avail)
	}
	return v, avail
}

// Skip implements BitReader.
func (l *Limited) Skip(n uint) error {
	if int(n) > l.N {
		l.N = 0
		return l.Err
	}
	if err := l.R.Skip(n); err != nil {
		return err
	}
	l.N -= int(n)
	return nil
}
