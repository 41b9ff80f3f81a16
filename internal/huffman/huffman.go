// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package huffman builds canonical prefix-code decode tables from the
// compact code-length descriptions embedded in each compression block.
// Codes are assigned canonically: shorter codes receive lower numeric
// values and symbols of equal length receive codes in symbol order. The
// assignment must match the originating encoder bit for bit; any other
// valid prefix code would silently decode different symbols.
package huffman

import (
	"errors"

	"github.com/cosnicolaou/rardec/internal/bitstream"
)

// MaxCodeLength is the longest code length used by any generation.
const MaxCodeLength = 15

// quickBits is the width of the single-lookup fast path. Codes no longer
// than quickBits decode with one table access.
const quickBits = 9

var (
	// ErrInvalidTable is returned when a code length array does not
	// describe a valid prefix code (the Kraft inequality is violated) or
	// exceeds MaxCodeLength.
	ErrInvalidTable = errors.New("huffman: invalid code length table")

	// ErrInvalidSymbol is returned when the bitstream contains a code
	// outside the set described by the table.
	ErrInvalidSymbol = errors.New("huffman: invalid symbol")
)

// Decoder decodes canonical prefix codes against a bitstream.BitReader.
type Decoder struct {
	limit  [MaxCodeLength + 1]int // left-justified upper bound per length
	first  [MaxCodeLength + 1]int // first code value per length
	base   [MaxCodeLength + 1]int // index of first symbol per length
	symbol []uint16               // symbols in (length, symbol) order
	min    uint                   // shortest used code length
	quick  [1 << quickBits]uint16 // sym<<4 | len, len==0 marks slow path
}

// Init builds the decode table from one code length per symbol, zero
// meaning the symbol is unused.
func (d *Decoder) Init(lengths []byte) error {
	var count [MaxCodeLength + 1]int
	total := 0
	for _, l := range lengths {
		if l == 0 {
			continue
		}
		if l > MaxCodeLength {
			return ErrInvalidTable
		}
		count[l]++
		total++
	}
	d.symbol = d.symbol[:0]
	d.min = 0
	for i := range d.quick {
		d.quick[i] = 0
	}
	if total == 0 {
		for l := range d.limit {
			d.limit[l] = 0
		}
		return nil
	}

	// Assign first code values per length and check the Kraft inequality:
	// an over-subscribed length means overlapping codes.
	code := 0
	n := 0
	for l := 1; l <= MaxCodeLength; l++ {
		d.first[l] = code
		d.base[l] = n
		code += count[l]
		n += count[l]
		if code > 1<<uint(l) {
			return ErrInvalidTable
		}
		d.limit[l] = code
		code <<= 1
		if d.min == 0 && count[l] > 0 {
			d.min = uint(l)
		}
	}

	// Symbols ordered by length then table index receive consecutive codes.
	if cap(d.symbol) < total {
		d.symbol = make([]uint16, 0, total)
	}
	next := d.base
	order := make([]int, len(lengths))
	d.symbol = d.symbol[:total]
	for i, l := range lengths {
		if l == 0 {
			continue
		}
		d.symbol[next[l]] = uint16(i)
		order[i] = next[l]
		next[l]++
	}

	// Fast path table keyed by the next quickBits bits.
	for i, l := range lengths {
		if l == 0 || uint(l) > quickBits {
			continue
		}
		c := d.first[l] + (order[i] - d.base[l])
		lo := c << (quickBits - uint(l))
		hi := (c + 1) << (quickBits - uint(l))
		for v := lo; v < hi; v++ {
			d.quick[v] = uint16(i)<<4 | uint16(l)
		}
	}
	return nil
}

// ReadSym decodes the next symbol from br.
func (d *Decoder) ReadSym(br bitstream.BitReader) (int, error) {
	if d.min == 0 {
		return 0, ErrInvalidSymbol
	}
	v, avail := br.PeekBits(MaxCodeLength)
	if q := d.quick[v>>(MaxCodeLength-quickBits)]; q != 0 {
		l := uint(q & 0xf)
		if l <= avail {
			if err := br.Skip(l); err != nil {
				return 0, err
			}
			return int(q >> 4), nil
		}
	}
	for l := d.min; l <= MaxCodeLength; l++ {
		c := v >> (MaxCodeLength - l)
		if c < d.limit[l] {
			// Skip reports the reader's own exhaustion error when the
			// match only existed because of zero padding.
			if err := br.Skip(l); err != nil {
				return 0, err
			}
			return int(d.symbol[d.base[l]+c-d.first[l]]), nil
		}
	}
	if avail < MaxCodeLength {
		if err := br.Skip(MaxCodeLength); err != nil {
			return 0, err
		}
	}
	return 0, ErrInvalidSymbol
}

// Code length tables for generations 2.9 and 5.0 are themselves
// prefix-coded: a 20 symbol pre-table of 4 bit lengths decodes the real
// table, with symbols 16..19 encoding repeats and zero runs.
const preTableSize = 20

// ReadCodeLengthTable reads a run-length encoded code length table into
// table. When addOld is set, decoded lengths are deltas against the
// previous table contents (generation 2.9 "keep old table" mode).
func ReadCodeLengthTable(br bitstream.BitReader, table []byte, addOld bool) error {
	var pre [preTableSize]byte
	for i := 0; i < preTableSize; i++ {
		n, err := br.ReadBits(4)
		if err != nil {
			return err
		}
		if n == 0xf {
			cnt, err := br.ReadBits(4)
			if err != nil {
				return err
			}
			if cnt > 0 {
				// A run of cnt+2 zero lengths.
				for j := 0; j < cnt+2 && i < preTableSize; j++ {
					pre[i] = 0
					i++
				}
				i--
				continue
			}
		}
		pre[i] = byte(n)
	}

	var pd Decoder
	if err := pd.Init(pre[:]); err != nil {
		return err
	}
	for i := 0; i < len(table); {
		l, err := pd.ReadSym(br)
		if err != nil {
			return err
		}
		switch {
		case l < 16:
			if addOld {
				table[i] = (table[i] + byte(l)) & 0xf
			} else {
				table[i] = byte(l)
			}
			i++
		case l < 18:
			// Repeat the previous length.
			if i == 0 {
				return ErrInvalidTable
			}
			var n int
			if l == 16 {
				n, err = br.ReadBits(3)
				n += 3
			} else {
				n, err = br.ReadBits(7)
				n += 11
			}
			if err != nil {
				return err
			}
			for ; n > 0 && i < len(table); n-- {
				table[i] = table[i-1]
				i++
			}
		default:
			// A run of zero lengths.
			var n int
			if l == 18 {
				n, err = br.ReadBits(3)
				n += 3
			} else {
				n, err = br.ReadBits(7)
				n += 11
			}
			if err != nil {
				return err
			}
			for ; n > 0 && i < len(table); n-- {
				table[i] = 0
				i++
			}
		}
	}
	return nil
}
