// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import (
	"github.com/cosnicolaou/rardec/internal/bitstream"
	"github.com/cosnicolaou/rardec/internal/huffman"
)

// Generation 2.9 alphabet sizes and bucket tables. Lengths and distances
// are encoded as a Huffman bucket selecting a base value plus a fixed
// number of raw extra bits; this keeps the symbol alphabets small while
// supporting multi-megabyte distances.
const (
	mainSize29      = 299
	offsetSize29    = 60
	lowOffsetSize29 = 17
	lengthSize29    = 28
	tableSize29     = mainSize29 + offsetSize29 + lowOffsetSize29 + lengthSize29
)

var (
	lengthBase29 = [28]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 10, 12, 14, 16, 20,
		24, 28, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224}
	lengthExtraBits29 = [28]uint{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2,
		2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5}

	offsetBase29 = [60]int{0, 1, 2, 3, 4, 6, 8, 12, 16, 24, 32, 48, 64, 96,
		128, 192, 256, 384, 512, 768, 1024, 1536, 2048, 3072, 4096,
		6144, 8192, 12288, 16384, 24576, 32768, 49152, 65536, 98304,
		131072, 196608, 262144, 327680, 393216, 458752, 524288,
		589824, 655360, 720896, 786432, 851968, 917504, 983040,
		1048576, 1310720, 1572864, 1835008, 2097152, 2359296, 2621440,
		2883584, 3145728, 3407872, 3670016, 3932160}
	offsetExtraBits29 = [60]uint{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6,
		6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13, 14, 14,
		15, 15, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16,
		18, 18, 18, 18, 18, 18, 18, 18, 18, 18, 18, 18}

	// Special low-distance codes reserved for very recent two byte
	// matches.
	shortOffsetBase29      = [8]int{0, 4, 8, 16, 32, 64, 128, 192}
	shortOffsetExtraBits29 = [8]uint{2, 2, 3, 4, 5, 6, 6, 6}
)

// lz29Decoder decodes the LZ blocks of a generation 2.9 stream.
type lz29Decoder struct {
	codeLength [tableSize29]byte

	mainDecoder      huffman.Decoder
	offsetDecoder    huffman.Decoder
	lowOffsetDecoder huffman.Decoder
	lengthDecoder    huffman.Decoder

	offset           [4]int // history of previous offsets
	length           int    // previous length
	lowOffset        int
	lowOffsetRepeats int

	br *bitstream.Reader
}

func (d *lz29Decoder) reset() {
	for i := range d.offset {
		d.offset[i] = 0
	}
	d.length = 0
	for i := range d.codeLength {
		d.codeLength[i] = 0
	}
}

func (d *lz29Decoder) init(br *bitstream.Reader) error {
	d.br = br
	d.lowOffset = 0
	d.lowOffsetRepeats = 0

	n, err := d.br.ReadBits(1)
	if err != nil {
		return err
	}
	addOld := n > 0

	cl := d.codeLength[:]
	if err = huffman.ReadCodeLengthTable(d.br, cl, addOld); err != nil {
		return err
	}

	if err = d.mainDecoder.Init(cl[:mainSize29]); err != nil {
		return err
	}
	cl = cl[mainSize29:]
	if err = d.offsetDecoder.Init(cl[:offsetSize29]); err != nil {
		return err
	}
	cl = cl[offsetSize29:]
	if err = d.lowOffsetDecoder.Init(cl[:lowOffsetSize29]); err != nil {
		return err
	}
	return d.lengthDecoder.Init(cl[lowOffsetSize29:])
}

// readFilterData reads the raw bytes of an embedded filter program
// declaration following the filter escape symbol.
func (d *lz29Decoder) readFilterData() (b []byte, err error) {
	flags, err := d.br.ReadByte()
	if err != nil {
		return nil, err
	}

	n := (int(flags) & 7) + 1
	switch n {
	case 7:
		n, err = d.br.ReadBits(8)
		n += 7
		if err != nil {
			return nil, err
		}
	case 8:
		n, err = d.br.ReadBits(16)
		if err != nil {
			return nil, err
		}
	}

	buf := make([]byte, n+1)
	buf[0] = flags
	err = d.br.ReadFull(buf[1:])

	return buf, err
}

// readEndOfBlock distinguishes the three end markers: end of block (a new
// block header follows), end of file, and both at once.
func (d *lz29Decoder) readEndOfBlock() error {
	n, err := d.br.ReadBits(1)
	if err != nil {
		return err
	}
	if n > 0 {
		return endOfBlock
	}
	n, err = d.br.ReadBits(1)
	if err != nil {
		return err
	}
	if n > 0 {
		return endOfBlockAndFile
	}
	return endOfFile
}

// decode performs a single literal or match decode operation against the
// window, or returns the raw bytes of a filter declaration.
func (d *lz29Decoder) decode(win *window) ([]byte, error) {
	sym, err := d.mainDecoder.ReadSym(d.br)
	if err != nil {
		return nil, err
	}

	switch {
	case sym < 256:
		win.writeByte(byte(sym))
		return nil, nil
	case sym == 256:
		return nil, d.readEndOfBlock()
	case sym == 257:
		return d.readFilterData()
	case sym == 258:
		// Repeat the previous offset and length.
	case sym < 263:
		i := sym - 259
		offset := d.offset[i]
		copy(d.offset[1:i+1], d.offset[:i])
		d.offset[0] = offset

		i, err := d.lengthDecoder.ReadSym(d.br)
		if err != nil {
			return nil, err
		}
		d.length = lengthBase29[i] + 2
		if bits := lengthExtraBits29[i]; bits > 0 {
			n, err := d.br.ReadBits(bits)
			if err != nil {
				return nil, err
			}
			d.length += n
		}
	case sym < 271:
		i := sym - 263
		copy(d.offset[1:], d.offset[:])
		offset := shortOffsetBase29[i] + 1
		if bits := shortOffsetExtraBits29[i]; bits > 0 {
			n, err := d.br.ReadBits(bits)
			if err != nil {
				return nil, err
			}
			offset += n
		}
		d.offset[0] = offset

		d.length = 2
	default:
		i := sym - 271
		if i >= len(lengthBase29) {
			return nil, ErrInvalidSymbol
		}
		d.length = lengthBase29[i] + 3
		if bits := lengthExtraBits29[i]; bits > 0 {
			n, err := d.br.ReadBits(bits)
			if err != nil {
				return nil, err
			}
			d.length += n
		}

		i, err = d.offsetDecoder.ReadSym(d.br)
		if err != nil {
			return nil, err
		}
		offset := offsetBase29[i] + 1
		bits := offsetExtraBits29[i]

		switch {
		case bits >= 4:
			if bits > 4 {
				n, err := d.br.ReadBits(bits - 4)
				if err != nil {
					return nil, err
				}
				offset += n << 4
			}

			if d.lowOffsetRepeats > 0 {
				d.lowOffsetRepeats--
				offset += d.lowOffset
			} else {
				n, err := d.lowOffsetDecoder.ReadSym(d.br)
				if err != nil {
					return nil, err
				}
				if n == 16 {
					d.lowOffsetRepeats = 15
					offset += d.lowOffset
				} else {
					offset += n
					d.lowOffset = n
				}
			}
		case bits > 0:
			n, err := d.br.ReadBits(bits)
			if err != nil {
				return nil, err
			}
			offset += n
		}

		if offset >= 0x2000 {
			d.length++
			if offset >= 0x40000 {
				d.length++
			}
		}
		copy(d.offset[1:], d.offset[:])
		d.offset[0] = offset
	}
	return nil, win.copyBytes(d.length, d.offset[0])
}
