// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import (
	"bytes"
	"errors"
	"io/ioutil"
	"testing"
)

// lz29Table writes the LZ block prologue: block type, table mode and the
// full 404 entry code length table.
func lz29Table(w *bitWriter, lengths []byte) {
	w.writeBits(0, 1) // LZ block
	w.writeBits(0, 1) // fresh tables
	writeLengthTable(w, lengths)
}

func TestDecode29LZ(t *testing.T) {
	var lengths [tableSize29]byte
	lengths['a'] = 2
	lengths['b'] = 2
	lengths[256] = 2             // end marker
	lengths[271] = 2             // three byte match
	lengths[mainSize29] = 1      // offset slot 0: distance one

	w := &bitWriter{}
	lz29Table(w, lengths[:])
	w.writeBits(0, 2) // a
	w.writeBits(1, 2) // b
	w.writeBits(3, 2) // match, length 3
	w.writeBits(0, 1) // offset slot 0
	w.writeBits(2, 2) // end marker
	w.writeBits(0, 1)
	w.writeBits(1, 1) // end of block and file

	r := NewReader(Config{})
	if got := decodeAll(t, r, 29, 16, false, w.bytes(), 5); string(got) != "abbbb" {
		t.Errorf("got %q, want %q", got, "abbbb")
	}
}

// filter29Stream builds an LZ stream whose filter declaration carries a one
// instruction program, add byte [0], 1, over the four byte target range
// [0, 4): it increments the first output byte of "abcd".
func filter29Stream() []byte {
	prog := &bitWriter{}
	prog.writeBits(2, 4) // add
	prog.writeBits(1, 1) // byte mode
	prog.writeBits(0, 1) // op1: memory
	prog.writeBits(0, 1)
	prog.writeBits(0, 1) // no base register
	prog.writeBits(0, 2) // displacement 0, 4 bit form
	prog.writeBits(0, 4)
	prog.writeBits(0, 1) // op2: immediate 1
	prog.writeBits(1, 1)
	prog.writeBits(0, 2)
	prog.writeBits(1, 4)
	code := prog.bytes()
	var sum byte
	for _, c := range code {
		sum ^= c
	}
	code = append([]byte{sum}, code...)

	decl := &bitWriter{}
	decl.writeBits(0, 2) // slot 0
	decl.writeBits(0, 4)
	decl.writeBits(0, 2) // block offset 0
	decl.writeBits(0, 4)
	decl.writeBits(0, 2) // block length 4
	decl.writeBits(4, 4)
	decl.writeBits(uint64(len(code)), 6) // program length, 4 bit form
	for _, c := range code {
		decl.writeByte(c)
	}
	body := decl.bytes()

	var lengths [tableSize29]byte
	for _, s := range []int{'a', 'b', 'c', 'd', 256, 257} {
		lengths[s] = 3
	}
	w := &bitWriter{}
	lz29Table(w, lengths[:])
	w.writeBits(5, 3) // filter escape
	// Declaration length prefix: the flags byte's low bits, extended.
	w.writeByte(0x80 | 0x20 | 0x08 | 0x06)
	w.writeByte(byte(len(body) - 7))
	for _, c := range body {
		w.writeByte(c)
	}
	for _, s := range []uint64{0, 1, 2, 3} { // literals a..d
		w.writeBits(s, 3)
	}
	w.writeBits(4, 3) // end marker
	w.writeBits(0, 1)
	w.writeBits(1, 1)
	return w.bytes()
}

func TestDecode29LZFilter(t *testing.T) {
	r := NewReader(Config{})
	if got := decodeAll(t, r, 29, 16, false, filter29Stream(), 4); string(got) != "bbcd" {
		t.Errorf("got %q, want %q", got, "bbcd")
	}
}

func TestDecode29FilterRangeBounds(t *testing.T) {
	// The declared unpacked size ends inside the filter's target range; the
	// range can never be gathered.
	r := NewReader(Config{})
	if err := r.Reset(29, 16, false, bytes.NewReader(filter29Stream()), 3); err != nil {
		t.Fatal(err)
	}
	if _, err := ioutil.ReadAll(r); !errors.Is(err, ErrBadFilterRange) {
		t.Errorf("got %v, want %v", err, ErrBadFilterRange)
	}
}

func TestDecode29ModelParams(t *testing.T) {
	r := NewReader(Config{})
	// An order bound of one is structurally impossible.
	err := r.Reset(29, 16, false, bytes.NewReader([]byte{0xa0, 0x00}), 1)
	if !errors.Is(err, ErrModelMemoryLimit) {
		t.Errorf("got %v, want %v", err, ErrModelMemoryLimit)
	}
	// A continuation block with no model to continue.
	err = r.Reset(29, 16, false, bytes.NewReader([]byte{0x80}), 1)
	if !errors.Is(err, ErrModelMemoryLimit) {
		t.Errorf("got %v, want %v", err, ErrModelMemoryLimit)
	}
}

func TestDecode29InvalidSymbol(t *testing.T) {
	// A code outside the incomplete main table.
	var lengths [tableSize29]byte
	lengths['a'] = 2

	w := &bitWriter{}
	lz29Table(w, lengths[:])
	w.writeBits(3, 2)
	w.writeByte(0xff)

	r := NewReader(Config{})
	if err := r.Reset(29, 16, false, bytes.NewReader(w.bytes()), 4); err != nil {
		t.Fatal(err)
	}
	if _, err := ioutil.ReadAll(r); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("got %v, want %v", err, ErrInvalidSymbol)
	}
}
