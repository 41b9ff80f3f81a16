// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import (
	"bytes"
	"errors"
	"io/ioutil"
	"testing"

	"github.com/cosnicolaou/rardec/internal/bitstream"
)

// bitWriter assembles compressed test streams MSB first, the dual of
// bitstream.Reader.
type bitWriter struct {
	out []byte
	acc uint64
	n   uint
}

func (w *bitWriter) writeBits(v uint64, n uint) {
	w.acc = w.acc<<n | v&(1<<n-1)
	w.n += n
	for w.n >= 8 {
		w.n -= 8
		w.out = append(w.out, byte(w.acc>>w.n))
	}
	w.acc &= 1<<w.n - 1
}

func (w *bitWriter) writeByte(b byte) { w.writeBits(uint64(b), 8) }

func (w *bitWriter) bitLen() int { return len(w.out)*8 + int(w.n) }

func (w *bitWriter) bytes() []byte {
	b := append([]byte{}, w.out...)
	if w.n > 0 {
		b = append(b, byte(w.acc<<(8-w.n)))
	}
	return b
}

// writeLengthTable encodes lengths in the run length form consumed by
// huffman.ReadCodeLengthTable, under a uniform pre-table of twenty 4 bit
// lengths of five, so pre-table symbol s is coded as s in five bits.
func writeLengthTable(w *bitWriter, lengths []byte) {
	for i := 0; i < 20; i++ {
		w.writeBits(5, 4)
	}
	for i := 0; i < len(lengths); {
		if lengths[i] != 0 {
			w.writeBits(uint64(lengths[i]), 5)
			i++
			continue
		}
		run := 0
		for i+run < len(lengths) && lengths[i+run] == 0 && run < 138 {
			run++
		}
		switch {
		case run >= 11:
			w.writeBits(19, 5)
			w.writeBits(uint64(run-11), 7)
		case run >= 3:
			w.writeBits(18, 5)
			w.writeBits(uint64(run-3), 3)
		default:
			run = 1
			w.writeBits(0, 5)
		}
		i += run
	}
}

// frameBlock50 wraps the content bits in a generation 5 block header
// declaring their exact bit length. withTable must match whether the
// content opens with code length tables.
func frameBlock50(content *bitWriter, withTable, last bool) []byte {
	bits := content.bitLen()
	if bits == 0 {
		bits = 1
	}
	blockBytes := (bits + 7) / 8
	low := bits - 1 - (blockBytes-1)*8

	flags := byte(low)
	if withTable {
		flags |= 0x80
	}
	if last {
		flags |= 0x40
	}
	var lenBytes []byte
	for v := blockBytes; ; {
		lenBytes = append(lenBytes, byte(v))
		v >>= 8
		if v == 0 {
			break
		}
	}
	flags |= byte(len(lenBytes)-1) << 3

	sum := 0x5a ^ flags
	for _, b := range lenBytes {
		sum ^= b
	}
	out := append([]byte{flags, sum}, lenBytes...)
	return append(out, content.bytes()...)
}

func decodeAll(t *testing.T, r *Reader, version int, winLog uint, solid bool, data []byte, size int64) []byte {
	t.Helper()
	if err := r.Reset(version, winLog, solid, bytes.NewReader(data), size); err != nil {
		t.Fatal(err)
	}
	out, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDecode50Literals(t *testing.T) {
	var lengths [tableSize50]byte
	lengths['a'] = 1
	lengths['b'] = 1
	msg := "abbaab"

	content := &bitWriter{}
	writeLengthTable(content, lengths[:])
	for _, c := range msg {
		content.writeBits(uint64(c-'a'), 1)
	}
	data := frameBlock50(content, true, true)

	r := NewReader(Config{})
	if got := decodeAll(t, r, 50, 17, false, data, int64(len(msg))); string(got) != msg {
		t.Errorf("got %q, want %q", got, msg)
	}
	// The same stream decodes identically after a reset.
	if got := decodeAll(t, r, 50, 17, false, data, int64(len(msg))); string(got) != msg {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestDecode50Match(t *testing.T) {
	var lengths [tableSize50]byte
	lengths['a'] = 1
	lengths['b'] = 2
	lengths[262] = 2          // length slot 0: a two byte match
	lengths[mainSize50] = 1   // offset slot 0: distance one

	content := &bitWriter{}
	writeLengthTable(content, lengths[:])
	content.writeBits(0, 1) // a
	content.writeBits(2, 2) // b
	content.writeBits(3, 2) // match
	content.writeBits(0, 1) // offset slot 0
	data := frameBlock50(content, true, true)

	r := NewReader(Config{})
	if got := decodeAll(t, r, 50, 17, false, data, 4); string(got) != "abbb" {
		t.Errorf("got %q, want %q", got, "abbb")
	}
}

func TestDecode50MultipleBlocks(t *testing.T) {
	var lengths [tableSize50]byte
	lengths['a'] = 1
	lengths['b'] = 1

	b1 := &bitWriter{}
	writeLengthTable(b1, lengths[:])
	b1.writeBits(0, 1) // a
	b1.writeBits(1, 1) // b

	// The second block reuses the first block's tables.
	b2 := &bitWriter{}
	b2.writeBits(1, 1) // b
	b2.writeBits(0, 1) // a

	data := append(frameBlock50(b1, true, false), frameBlock50(b2, false, true)...)
	r := NewReader(Config{})
	if got := decodeAll(t, r, 50, 17, false, data, 4); string(got) != "abba" {
		t.Errorf("got %q, want %q", got, "abba")
	}
}

func TestDecode50SolidContinuation(t *testing.T) {
	var l1 [tableSize50]byte
	l1['a'] = 1
	l1['b'] = 1
	e1 := &bitWriter{}
	writeLengthTable(e1, l1[:])
	e1.writeBits(0, 1)
	e1.writeBits(1, 1)

	// The continuation references the previous entry's window bytes.
	var l2 [tableSize50]byte
	l2[262] = 1             // length slot 0
	l2[mainSize50+1] = 1    // offset slot 1: distance two
	e2 := &bitWriter{}
	writeLengthTable(e2, l2[:])
	e2.writeBits(0, 1) // match
	e2.writeBits(0, 1) // offset slot

	r := NewReader(Config{})
	if got := decodeAll(t, r, 50, 17, false, frameBlock50(e1, true, true), 2); string(got) != "ab" {
		t.Fatalf("got %q, want %q", got, "ab")
	}
	if got := decodeAll(t, r, 50, 17, true, frameBlock50(e2, true, true), 2); string(got) != "ab" {
		t.Errorf("got %q, want %q", got, "ab")
	}
}

func TestDecode50InvalidBackReference(t *testing.T) {
	var lengths [tableSize50]byte
	lengths['a'] = 1
	lengths[262] = 2
	lengths[mainSize50] = 1

	content := &bitWriter{}
	writeLengthTable(content, lengths[:])
	content.writeBits(2, 2) // a match into an empty window
	content.writeBits(0, 1)
	data := frameBlock50(content, true, true)

	r := NewReader(Config{})
	if err := r.Reset(50, 17, false, bytes.NewReader(data), 4); err != nil {
		t.Fatal(err)
	}
	if _, err := ioutil.ReadAll(r); !errors.Is(err, ErrInvalidBackReference) {
		t.Errorf("got %v, want %v", err, ErrInvalidBackReference)
	}
}

func TestDecode50Truncated(t *testing.T) {
	var lengths [tableSize50]byte
	lengths['a'] = 1
	lengths['b'] = 1
	content := &bitWriter{}
	writeLengthTable(content, lengths[:])
	content.writeBits(0, 1)
	content.writeBits(1, 1)
	data := frameBlock50(content, true, true)

	r := NewReader(Config{})
	// The entry declares more bytes than the stream produces.
	if err := r.Reset(50, 17, false, bytes.NewReader(data), 10); err != nil {
		t.Fatal(err)
	}
	got, err := ioutil.ReadAll(r)
	if !errors.Is(err, bitstream.ErrTruncated) {
		t.Errorf("got %v, want %v", err, bitstream.ErrTruncated)
	}
	if string(got) != "ab" {
		t.Errorf("got %q, want %q", got, "ab")
	}
}

func TestDecode50CorruptBlockHeader(t *testing.T) {
	r := NewReader(Config{})
	// Flags declaring four length bytes are invalid.
	err := r.Reset(50, 17, false, bytes.NewReader([]byte{0x18, 0x5a ^ 0x18, 0x01}), 1)
	if !errors.Is(err, ErrCorruptBlockHeader) {
		t.Errorf("got %v, want %v", err, ErrCorruptBlockHeader)
	}
	// A bad header checksum.
	err = r.Reset(50, 17, false, bytes.NewReader([]byte{0x00, 0x00, 0x01}), 1)
	if !errors.Is(err, ErrCorruptBlockHeader) {
		t.Errorf("got %v, want %v", err, ErrCorruptBlockHeader)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	r := NewReader(Config{})
	err := r.Reset(40, 17, false, bytes.NewReader(nil), 0)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("got %v, want %v", err, ErrUnsupportedVersion)
	}
}

func TestWindowCopyBytes(t *testing.T) {
	var w window
	w.reset(16, false)
	w.writeByte('a')
	w.writeByte('b')
	if err := w.copyBytes(4, 2); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 6)
	if n := w.read(buf); n != 6 {
		t.Fatalf("got %v, want 6", n)
	}
	if string(buf) != "ababab" {
		t.Errorf("got %q, want %q", buf, "ababab")
	}
	// Distances beyond the written history are invalid, as is zero.
	if err := w.copyBytes(1, 7); err != ErrInvalidBackReference {
		t.Errorf("got %v, want %v", err, ErrInvalidBackReference)
	}
	if err := w.copyBytes(1, 0); err != ErrInvalidBackReference {
		t.Errorf("got %v, want %v", err, ErrInvalidBackReference)
	}
}
