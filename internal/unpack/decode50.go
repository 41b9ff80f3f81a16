// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import (
	"io"

	"github.com/cosnicolaou/rardec/internal/bitstream"
	"github.com/cosnicolaou/rardec/internal/huffman"
	"github.com/cosnicolaou/rardec/internal/vm"
)

// Generation 5 alphabet sizes. The main alphabet carries literals, the
// filter escape, the repeat-match code, four recent-offset codes and the
// combined length+offset buckets.
const (
	mainSize50      = 306
	offsetSize50    = 64
	lowOffsetSize50 = 16
	lengthSize50    = 44
	tableSize50     = mainSize50 + offsetSize50 + lowOffsetSize50 + lengthSize50
)

// decoder50 implements the generation 5 engine. Input is broken up into one
// or more blocks; each block starts with a byte-aligned header carrying the
// block bit length and, optionally, new code length tables for the four
// Huffman decoders.
type decoder50 struct {
	raw *bitstream.Reader  // underlying entry stream
	br  *bitstream.Limited // bit reader for the current block

	codeLength [tableSize50]byte
	lastBlock  bool // current block is the last in the entry

	mainDecoder      huffman.Decoder
	offsetDecoder    huffman.Decoder
	lowOffsetDecoder huffman.Decoder
	lengthDecoder    huffman.Decoder

	offset [4]int // recent offset history
	length int    // most recent match length
}

func (d *decoder50) init(br *bitstream.Reader, reset bool) error {
	d.raw = br
	d.lastBlock = false

	if reset {
		for i := range d.offset {
			d.offset[i] = 0
		}
		d.length = 0
		for i := range d.codeLength {
			d.codeLength[i] = 0
		}
	}
	err := d.readBlockHeader()
	if err == io.EOF {
		return bitstream.ErrTruncated
	}
	return err
}

// readBlockHeader reads the byte-aligned block header: a flags byte, a
// checksum byte and 1..3 length bytes, XOR-checksummed against 0x5a.
func (d *decoder50) readBlockHeader() error {
	d.raw.AlignByte()
	flags, err := d.raw.ReadByte()
	if err != nil {
		return err
	}

	byteCount := (flags>>3)&3 + 1
	if byteCount == 4 {
		return ErrCorruptBlockHeader
	}

	hsum, err := d.raw.ReadByte()
	if err != nil {
		return err
	}

	blockBits := int(flags)&0x07 + 1
	blockBytes := 0
	sum := 0x5a ^ flags
	for i := byte(0); i < byteCount; i++ {
		n, err := d.raw.ReadByte()
		if err != nil {
			return err
		}
		sum ^= n
		blockBytes |= int(n) << (i * 8)
	}
	if sum != hsum {
		return ErrCorruptBlockHeader
	}
	blockBits += (blockBytes - 1) * 8

	// Block bits are counted from here; exhausting them marks the end of
	// the block, not of the input.
	d.br = bitstream.LimitReader(d.raw, blockBits, io.EOF)
	d.lastBlock = flags&0x40 > 0

	if flags&0x80 > 0 {
		cl := d.codeLength[:]
		if err = huffman.ReadCodeLengthTable(d.br, cl, false); err != nil {
			return err
		}
		if err = d.mainDecoder.Init(cl[:mainSize50]); err != nil {
			return err
		}
		cl = cl[mainSize50:]
		if err = d.offsetDecoder.Init(cl[:offsetSize50]); err != nil {
			return err
		}
		cl = cl[offsetSize50:]
		if err = d.lowOffsetDecoder.Init(cl[:lowOffsetSize50]); err != nil {
			return err
		}
		return d.lengthDecoder.Init(cl[lowOffsetSize50:])
	}
	return nil
}

// slotToLength expands a bucketed length slot: the slot selects a base and
// an extra raw bit count.
func slotToLength(br bitstream.BitReader, n int) (int, error) {
	if n >= 8 {
		bits := uint(n/4 - 1)
		n = (4 | (n & 3)) << bits
		if bits > 0 {
			b, err := br.ReadBits(bits)
			if err != nil {
				return 0, err
			}
			n |= b
		}
	}
	n += 2
	return n, nil
}

// readFilterData reads a variable width little-endian integer used by the
// generation 5 filter encoding.
func readFilterData(br bitstream.BitReader) (int, error) {
	n, err := br.ReadBits(2)
	if err != nil {
		return 0, err
	}
	bytes := n + 1

	var data int
	for i := 0; i < bytes; i++ {
		n, err := br.ReadBits(8)
		if err != nil {
			return 0, err
		}
		data |= n << (uint(i) * 8)
	}
	return data, nil
}

// readFilter reads a filter declaration from the block: target range,
// transform kind and parameters. Offsets are relative to the current write
// position.
func (d *decoder50) readFilter(win *window) (*filterBlock, error) {
	fb := new(filterBlock)

	off, err := readFilterData(d.br)
	if err != nil {
		return nil, err
	}
	fb.offset = win.total() + int64(off)
	fb.length, err = readFilterData(d.br)
	if err != nil {
		return nil, err
	}
	ftype, err := d.br.ReadBits(3)
	if err != nil {
		return nil, err
	}
	switch ftype {
	case 0:
		n, err := d.br.ReadBits(5)
		if err != nil {
			return nil, err
		}
		fb.fn = func(buf []byte, offset int64) ([]byte, error) { return vm.Delta(n+1, buf), nil }
	case 1:
		fb.fn = func(buf []byte, offset int64) ([]byte, error) { return vm.E8(0xe8, true, buf, offset), nil }
	case 2:
		fb.fn = func(buf []byte, offset int64) ([]byte, error) { return vm.E8(0xe9, true, buf, offset), nil }
	case 3:
		fb.fn = vm.Arm
	default:
		return nil, ErrUnknownFilter
	}
	return fb, nil
}

func (d *decoder50) decodeSym(win *window, sym int) (*filterBlock, error) {
	switch {
	case sym < 256:
		win.writeByte(byte(sym))
		return nil, nil
	case sym == 256:
		return d.readFilter(win)
	case sym == 257:
		// Repeat the previous offset and length.
	case sym < 262:
		i := sym - 258
		offset := d.offset[i]
		copy(d.offset[1:i+1], d.offset[:i])
		d.offset[0] = offset

		sl, err := d.lengthDecoder.ReadSym(d.br)
		if err != nil {
			return nil, err
		}
		d.length, err = slotToLength(d.br, sl)
		if err != nil {
			return nil, err
		}
	default:
		length, err := slotToLength(d.br, sym-262)
		if err != nil {
			return nil, err
		}

		offset := 1
		slot, err := d.offsetDecoder.ReadSym(d.br)
		if err != nil {
			return nil, err
		}
		if slot < 4 {
			offset += slot
		} else {
			bits := uint(slot/2 - 1)
			offset += (2 | (slot & 1)) << bits

			if bits >= 4 {
				if bits > 4 {
					n, err := d.br.ReadBits(bits - 4)
					if err != nil {
						return nil, err
					}
					offset += n << 4
				}
				n, err := d.lowOffsetDecoder.ReadSym(d.br)
				if err != nil {
					return nil, err
				}
				offset += n
			} else {
				n, err := d.br.ReadBits(bits)
				if err != nil {
					return nil, err
				}
				offset += n
			}
		}
		if offset > 0x100 {
			length++
			if offset > 0x2000 {
				length++
				if offset > 0x40000 {
					length++
				}
			}
		}
		copy(d.offset[1:], d.offset[:])
		d.offset[0] = offset
		d.length = length
	}
	return nil, win.copyBytes(d.length, d.offset[0])
}

func (d *decoder50) fill(w *window) ([]*filterBlock, error) {
	var fl []*filterBlock

	for w.available() > maxMatchLen {
		sym, err := d.mainDecoder.ReadSym(d.br)
		if err == nil {
			var f *filterBlock
			f, err = d.decodeSym(w, sym)
			if f != nil {
				fl = append(fl, f)
			}
		} else if err == io.EOF {
			// Reached the end of the block.
			if d.lastBlock {
				return fl, io.EOF
			}
			err = d.readBlockHeader()
		}
		if err != nil {
			if err == io.EOF {
				return fl, bitstream.ErrTruncated
			}
			return fl, err
		}
	}
	return fl, nil
}
