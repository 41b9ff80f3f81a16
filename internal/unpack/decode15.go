// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import (
	"io"

	"github.com/cosnicolaou/rardec/internal/bitstream"
	"github.com/cosnicolaou/rardec/internal/huffman"
)

// Generation 1 uses no per-block table descriptions: all codes are static,
// with the decoder adaptively switching literal tables based on the byte
// distribution it has seen. The dictionary is fixed at 64 KiB.
//
// Literal tables: a complete 8 bit table for binary-looking data and a
// table biased towards the low half of the byte range for text-looking
// data. Code assignment is canonical, so the tables are described by code
// lengths alone.
var (
	literalLengths15A [256]byte // uniform
	literalLengths15B [256]byte // low bytes favored
	lengthLengths15   [lengthSize29]byte
	offsetLengths15   [offsetSize20]byte
)

func init() {
	for i := range literalLengths15A {
		literalLengths15A[i] = 8
	}
	for i := range literalLengths15B {
		if i < 64 {
			literalLengths15B[i] = 7
		} else {
			literalLengths15B[i] = 9
		}
	}
	for i := range lengthLengths15 {
		lengthLengths15[i] = 5
	}
	for i := range offsetLengths15 {
		offsetLengths15[i] = 6
	}
}

// litSwitchThreshold is the hit-counter level at which the decoder flips
// between the two literal tables.
const litSwitchThreshold = 16

// decoder15 implements the generation 1 engine: a flags buffer announcing
// literal or match per operation, static code tables, and a four slot
// offset history.
type decoder15 struct {
	br  *bitstream.Reader
	eof bool

	literalA huffman.Decoder
	literalB huffman.Decoder
	lengths  huffman.Decoder
	offsets  huffman.Decoder
	built    bool

	useTableB bool
	litHits   int

	flags     int
	flagCount uint

	oldOffset    [4]int
	oldOffsetPtr int
	lastLength   int
}

func (d *decoder15) build() error {
	if d.built {
		return nil
	}
	if err := d.literalA.Init(literalLengths15A[:]); err != nil {
		return err
	}
	if err := d.literalB.Init(literalLengths15B[:]); err != nil {
		return err
	}
	if err := d.lengths.Init(lengthLengths15[:]); err != nil {
		return err
	}
	if err := d.offsets.Init(offsetLengths15[:]); err != nil {
		return err
	}
	d.built = true
	return nil
}

func (d *decoder15) init(br *bitstream.Reader, reset bool) error {
	d.br = br
	d.eof = false
	if err := d.build(); err != nil {
		return err
	}
	if !reset {
		return nil
	}
	d.useTableB = false
	d.litHits = 0
	d.flags = 0
	d.flagCount = 0
	for i := range d.oldOffset {
		d.oldOffset[i] = 0
	}
	d.oldOffsetPtr = 0
	d.lastLength = 0
	return nil
}

// nextFlag refills the eight entry flag buffer as needed and returns the
// next operation flag: true for a match, false for a literal.
func (d *decoder15) nextFlag() (bool, error) {
	if d.flagCount == 0 {
		n, err := d.br.ReadBits(8)
		if err != nil {
			return false, err
		}
		d.flags = n
		d.flagCount = 8
	}
	d.flagCount--
	return d.flags&(1<<d.flagCount) != 0, nil
}

func (d *decoder15) decodeLiteral(w *window) error {
	dec := &d.literalA
	if d.useTableB {
		dec = &d.literalB
	}
	sym, err := dec.ReadSym(d.br)
	if err != nil {
		return err
	}
	w.writeByte(byte(sym))

	// Track how text-like the stream is and switch tables at the
	// threshold. The encoder tracks identically, so both sides flip at
	// the same symbol.
	if sym < 64 {
		d.litHits++
	} else {
		d.litHits--
	}
	if d.useTableB {
		if d.litHits <= -litSwitchThreshold {
			d.useTableB = false
			d.litHits = 0
		}
	} else if d.litHits >= litSwitchThreshold {
		d.useTableB = true
		d.litHits = 0
	}
	return nil
}

func (d *decoder15) readLength(add int) (int, error) {
	sl, err := d.lengths.ReadSym(d.br)
	if err != nil {
		return 0, err
	}
	length := lengthBase29[sl] + add
	if bits := lengthExtraBits29[sl]; bits > 0 {
		n, err := d.br.ReadBits(bits)
		if err != nil {
			return 0, err
		}
		length += n
	}
	return length, nil
}

func (d *decoder15) copyString(w *window, length, offset int) error {
	d.oldOffset[d.oldOffsetPtr] = offset
	d.oldOffsetPtr = (d.oldOffsetPtr + 1) & 3
	d.lastLength = length
	return w.copyBytes(length, offset)
}

// decodeMatch handles the four match kinds: old-offset repeat, short match,
// long match, and the end of stream marker.
func (d *decoder15) decodeMatch(w *window) error {
	kind, err := d.br.ReadBits(2)
	if err != nil {
		return err
	}
	switch kind {
	case 0:
		i, err := d.br.ReadBits(2)
		if err != nil {
			return err
		}
		offset := d.oldOffset[(d.oldOffsetPtr-1-i)&3]
		length, err := d.readLength(2)
		if err != nil {
			return err
		}
		return d.copyString(w, length, offset)
	case 1:
		n, err := d.br.ReadBits(7)
		if err != nil {
			return err
		}
		return d.copyString(w, 2, n+1)
	case 2:
		sl, err := d.offsets.ReadSym(d.br)
		if err != nil {
			return err
		}
		offset := offsetBase20[sl] + 1
		if bits := offsetExtraBits20[sl]; bits > 0 {
			n, err := d.br.ReadBits(bits)
			if err != nil {
				return err
			}
			offset += n
		}
		length, err := d.readLength(3)
		if err != nil {
			return err
		}
		return d.copyString(w, length, offset)
	default:
		return io.EOF
	}
}

func (d *decoder15) fill(w *window) ([]*filterBlock, error) {
	if d.eof {
		return nil, io.EOF
	}
	for w.available() > maxMatchLen {
		match, err := d.nextFlag()
		if err == nil {
			if match {
				err = d.decodeMatch(w)
			} else {
				err = d.decodeLiteral(w)
			}
		}
		if err != nil {
			if err == io.EOF || err == bitstream.ErrTruncated {
				d.eof = true
				err = io.EOF
			}
			return nil, err
		}
	}
	return nil, nil
}
