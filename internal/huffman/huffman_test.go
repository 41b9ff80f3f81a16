// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package huffman_test

import (
	"bytes"
	"testing"

	"github.com/cosnicolaou/rardec/internal/bitstream"
	"github.com/cosnicolaou/rardec/internal/huffman"
)

// bitWriter assembles test inputs MSB first, mirroring the wire format.
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

func (w *bitWriter) bytes() []byte {
	b := append([]byte{}, w.out...)
	if w.n > 0 {
		b = append(b, byte(w.acc<<(8-w.n)))
	}
	return b
}

func reader(w *bitWriter) *bitstream.Reader {
	return bitstream.NewReader(bytes.NewReader(w.bytes()))
}

func TestDecoderCanonical(t *testing.T) {
	// Lengths {2,2,2,3,3} assign codes 00,01,10,110,111 in symbol order.
	var d huffman.Decoder
	if err := d.Init([]byte{2, 2, 2, 3, 3}); err != nil {
		t.Fatal(err)
	}
	w := &bitWriter{}
	codes := []struct {
		code uint64
		n    uint
	}{{0, 2}, {1, 2}, {2, 2}, {6, 3}, {7, 3}}
	for _, c := range codes {
		w.writeBits(c.code, c.n)
	}
	br := reader(w)
	for want := range codes {
		got, err := d.ReadSym(br)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestDecoderLongCodes(t *testing.T) {
	// Codes longer than the quick table width take the scan path.
	var d huffman.Decoder
	if err := d.Init([]byte{1, 11, 11}); err != nil {
		t.Fatal(err)
	}
	w := &bitWriter{}
	w.writeBits(1025, 11) // symbol 2
	w.writeBits(0, 1)     // symbol 0
	w.writeBits(1024, 11) // symbol 1
	br := reader(w)
	for _, want := range []int{2, 0, 1} {
		got, err := d.ReadSym(br)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestDecoderInvalidTable(t *testing.T) {
	var d huffman.Decoder
	// Three length-1 codes violate the Kraft inequality.
	if err := d.Init([]byte{1, 1, 1}); err != huffman.ErrInvalidTable {
		t.Errorf("got %v, want %v", err, huffman.ErrInvalidTable)
	}
	if err := d.Init([]byte{16}); err != huffman.ErrInvalidTable {
		t.Errorf("got %v, want %v", err, huffman.ErrInvalidTable)
	}
}

func TestDecoderInvalidSymbol(t *testing.T) {
	var d huffman.Decoder
	// An incomplete table: only code 00 is assigned.
	if err := d.Init([]byte{2}); err != nil {
		t.Fatal(err)
	}
	br := bitstream.NewReader(bytes.NewReader([]byte{0xff, 0xff}))
	if _, err := d.ReadSym(br); err != huffman.ErrInvalidSymbol {
		t.Errorf("got %v, want %v", err, huffman.ErrInvalidSymbol)
	}
}

func TestDecoderEmptyTable(t *testing.T) {
	var d huffman.Decoder
	if err := d.Init(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	br := bitstream.NewReader(bytes.NewReader([]byte{0xff}))
	if _, err := d.ReadSym(br); err != huffman.ErrInvalidSymbol {
		t.Errorf("got %v, want %v", err, huffman.ErrInvalidSymbol)
	}
}

// writePre writes a pre-table of twenty 4 bit lengths, all 5, under which
// the canonical code of pre-table symbol s is simply s in five bits.
func writePre(w *bitWriter) {
	for i := 0; i < 20; i++ {
		w.writeBits(5, 4)
	}
}

func TestReadCodeLengthTable(t *testing.T) {
	w := &bitWriter{}
	writePre(w)
	w.writeBits(4, 5)  // table[0] = 4
	w.writeBits(16, 5) // repeat previous
	w.writeBits(0, 3)  // three times
	w.writeBits(18, 5) // zero run
	w.writeBits(0, 3)  // three zeros
	w.writeBits(1, 5)
	w.writeBits(2, 5)
	w.writeBits(3, 5)
	w.writeBits(19, 5) // long zero run
	w.writeBits(19, 7) // thirty zeros

	table := make([]byte, 40)
	if err := huffman.ReadCodeLengthTable(reader(w), table, false); err != nil {
		t.Fatal(err)
	}
	want := append([]byte{4, 4, 4, 4, 0, 0, 0, 1, 2, 3}, make([]byte, 30)...)
	if !bytes.Equal(table, want) {
		t.Errorf("got %v, want %v", table, want)
	}
}

func TestReadCodeLengthTableAddOld(t *testing.T) {
	w := &bitWriter{}
	writePre(w)
	for i := 0; i < 4; i++ {
		w.writeBits(2, 5)
	}
	table := []byte{3, 3, 14, 15}
	if err := huffman.ReadCodeLengthTable(reader(w), table, true); err != nil {
		t.Fatal(err)
	}
	// Decoded lengths are deltas against the old table, modulo 16.
	want := []byte{5, 5, 0, 1}
	if !bytes.Equal(table, want) {
		t.Errorf("got %v, want %v", table, want)
	}
}

func TestReadCodeLengthTablePreZeroRun(t *testing.T) {
	// The pre-table's own escape: 0xf with a nonzero count expands to a run
	// of zero lengths within the pre-table itself.
	w := &bitWriter{}
	for i := 0; i < 4; i++ {
		w.writeBits(5, 4)
	}
	w.writeBits(0xf, 4)
	w.writeBits(14, 4) // sixteen zeros complete the pre-table
	for _, s := range []uint64{0, 1, 2, 3, 0, 1} {
		w.writeBits(s, 5)
	}
	table := make([]byte, 6)
	if err := huffman.ReadCodeLengthTable(reader(w), table, false); err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 1, 2, 3, 0, 1}
	if !bytes.Equal(table, want) {
		t.Errorf("got %v, want %v", table, want)
	}
}

func TestReadCodeLengthTableLeadingRepeat(t *testing.T) {
	w := &bitWriter{}
	writePre(w)
	w.writeBits(16, 5) // repeat with no previous length
	w.writeBits(0, 3)
	table := make([]byte, 4)
	if err := huffman.ReadCodeLengthTable(reader(w), table, false); err != huffman.ErrInvalidTable {
		t.Errorf("got %v, want %v", err, huffman.ErrInvalidTable)
	}
}
