// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import (
	"io"

	"github.com/cosnicolaou/rardec/internal/bitstream"
	"github.com/cosnicolaou/rardec/internal/huffman"
)

// Generation 2 alphabet sizes. The main alphabet ends at 269 (the table
// re-read marker); 270 and up are length buckets. Multimedia blocks replace
// the three LZ tables with one 257 symbol table per channel.
const (
	mainSize20   = 298
	offsetSize20 = 48
	lengthSize20 = 28
	audioSize20  = 257
	maxChannels  = 4

	preTableSize20 = 19
)

var (
	offsetBase20 = [48]int{0, 1, 2, 3, 4, 6, 8, 12, 16, 24, 32, 48, 64, 96,
		128, 192, 256, 384, 512, 768, 1024, 1536, 2048, 3072, 4096,
		6144, 8192, 12288, 16384, 24576, 32768, 49152, 65536, 98304,
		131072, 196608, 262144, 327680, 393216, 458752, 524288,
		589824, 655360, 720896, 786432, 851968, 917504, 983040}
	offsetExtraBits20 = [48]uint{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6,
		6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13, 14, 14,
		15, 15, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16}
)

// audio20State is the per-channel state of the multimedia predictor: a five
// tap adaptive delta predictor retrained every 32 samples.
type audio20State struct {
	k1, k2, k3, k4, k5 int
	d1, d2, d3, d4     int
	lastDelta          int
	lastChar           int
	byteCount          int
	dif                [11]int
}

// decoder20 implements the generation 2 engine.
type decoder20 struct {
	br  *bitstream.Reader
	eof bool

	audioBlock   bool
	channels     int
	curChannel   int
	channelDelta int
	audio        [maxChannels]audio20State

	// codeLength doubles as the previous table for the delta coded table
	// updates; it must fit the larger of the LZ and multimedia layouts.
	codeLength [audioSize20 * maxChannels]byte

	mainDecoder   huffman.Decoder
	offsetDecoder huffman.Decoder
	lengthDecoder huffman.Decoder
	audioDecoder  [maxChannels]huffman.Decoder

	oldOffset    [4]int
	oldOffsetPtr int
	lastOffset   int
	lastLength   int
}

func (d *decoder20) init(br *bitstream.Reader, reset bool) error {
	d.br = br
	d.eof = false
	if !reset {
		// Solid continuation: tables and predictor state carry over.
		return nil
	}
	d.audioBlock = false
	d.channels = 1
	d.curChannel = 0
	d.channelDelta = 0
	for i := range d.audio {
		d.audio[i] = audio20State{}
	}
	for i := range d.codeLength {
		d.codeLength[i] = 0
	}
	for i := range d.oldOffset {
		d.oldOffset[i] = 0
	}
	d.oldOffsetPtr = 0
	d.lastOffset = 0
	d.lastLength = 0
	return d.readTables()
}

// readTables reads a table description: an audio-block bit, a keep-previous
// bit, the channel count for multimedia blocks, and the delta coded code
// length tables themselves.
func (d *decoder20) readTables() error {
	n, err := d.br.ReadBits(1)
	if err != nil {
		return err
	}
	d.audioBlock = n > 0

	n, err = d.br.ReadBits(1)
	if err != nil {
		return err
	}
	keepOld := n > 0

	if d.audioBlock {
		n, err = d.br.ReadBits(2)
		if err != nil {
			return err
		}
		d.channels = n + 1
		if d.curChannel >= d.channels {
			d.curChannel = 0
		}
	}

	tableSize := mainSize20 + offsetSize20 + lengthSize20
	if d.audioBlock {
		tableSize = audioSize20 * d.channels
	}
	if !keepOld {
		for i := 0; i < tableSize; i++ {
			d.codeLength[i] = 0
		}
	}

	var pre [preTableSize20]byte
	for i := range pre {
		n, err = d.br.ReadBits(4)
		if err != nil {
			return err
		}
		pre[i] = byte(n)
	}
	var pd huffman.Decoder
	if err = pd.Init(pre[:]); err != nil {
		return err
	}

	cl := d.codeLength[:tableSize]
	for i := 0; i < tableSize; {
		l, err := pd.ReadSym(d.br)
		if err != nil {
			return err
		}
		switch {
		case l < 16:
			// Lengths are deltas against the previous table.
			cl[i] = (cl[i] + byte(l)) & 0xf
			i++
		case l == 16:
			if i == 0 {
				return huffman.ErrInvalidTable
			}
			n, err = d.br.ReadBits(2)
			if err != nil {
				return err
			}
			for n += 3; n > 0 && i < tableSize; n-- {
				cl[i] = cl[i-1]
				i++
			}
		default:
			if l == 17 {
				n, err = d.br.ReadBits(3)
				n += 3
			} else {
				n, err = d.br.ReadBits(7)
				n += 11
			}
			if err != nil {
				return err
			}
			for ; n > 0 && i < tableSize; n-- {
				cl[i] = 0
				i++
			}
		}
	}

	if d.audioBlock {
		for c := 0; c < d.channels; c++ {
			if err = d.audioDecoder[c].Init(cl[c*audioSize20 : (c+1)*audioSize20]); err != nil {
				return err
			}
		}
		return nil
	}
	if err = d.mainDecoder.Init(cl[:mainSize20]); err != nil {
		return err
	}
	cl = cl[mainSize20:]
	if err = d.offsetDecoder.Init(cl[:offsetSize20]); err != nil {
		return err
	}
	return d.lengthDecoder.Init(cl[offsetSize20 : offsetSize20+lengthSize20])
}

func (d *decoder20) copyString(w *window, length, offset int) error {
	d.oldOffset[d.oldOffsetPtr] = offset
	d.oldOffsetPtr = (d.oldOffsetPtr + 1) & 3
	d.lastOffset = offset
	d.lastLength = length
	return w.copyBytes(length, offset)
}

// readLength decodes a bucketed match length with base add.
func (d *decoder20) readLength(add int) (int, error) {
	sl, err := d.lengthDecoder.ReadSym(d.br)
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

func (d *decoder20) decodeSym(w *window) error {
	sym, err := d.mainDecoder.ReadSym(d.br)
	if err != nil {
		return err
	}
	switch {
	case sym < 256:
		w.writeByte(byte(sym))
		return nil
	case sym == 256:
		// Repeat the previous match verbatim.
		return w.copyBytes(d.lastLength, d.lastOffset)
	case sym < 261:
		offset := d.oldOffset[(d.oldOffsetPtr-(sym-256))&3]
		length, err := d.readLength(2)
		if err != nil {
			return err
		}
		if offset >= 0x101 {
			length++
			if offset >= 0x2000 {
				length++
				if offset >= 0x40000 {
					length++
				}
			}
		}
		return d.copyString(w, length, offset)
	case sym < 269:
		i := sym - 261
		offset := shortOffsetBase29[i] + 1
		if bits := shortOffsetExtraBits29[i]; bits > 0 {
			n, err := d.br.ReadBits(bits)
			if err != nil {
				return err
			}
			offset += n
		}
		return d.copyString(w, 2, offset)
	case sym == 269:
		return d.readTables()
	default:
		i := sym - 270
		if i >= len(lengthBase29) {
			return ErrInvalidSymbol
		}
		length := lengthBase29[i] + 3
		if bits := lengthExtraBits29[i]; bits > 0 {
			n, err := d.br.ReadBits(bits)
			if err != nil {
				return err
			}
			length += n
		}
		sl, err := d.offsetDecoder.ReadSym(d.br)
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
		if offset >= 0x2000 {
			length++
			if offset >= 0x40000 {
				length++
			}
		}
		return d.copyString(w, length, offset)
	}
}

// decodeAudio decodes one multimedia sample: a prediction error symbol for
// the current channel fed through the adaptive predictor.
func (d *decoder20) decodeAudio(w *window) error {
	sym, err := d.audioDecoder[d.curChannel].ReadSym(d.br)
	if err != nil {
		return err
	}
	if sym == 256 {
		return d.readTables()
	}
	w.writeByte(d.audioDelta(byte(sym)))
	d.curChannel++
	if d.curChannel >= d.channels {
		d.curChannel = 0
	}
	return nil
}

func (d *decoder20) audioDelta(delta byte) byte {
	v := &d.audio[d.curChannel]
	v.byteCount++
	v.d4 = v.d3
	v.d3 = v.d2
	v.d2 = v.lastDelta - v.d1
	v.d1 = v.lastDelta

	predicted := 8*v.lastChar + v.k1*v.d1 + v.k2*v.d2 + v.k3*v.d3 + v.k4*v.d4 + v.k5*d.channelDelta
	predicted = (predicted >> 3) & 0xff

	ch := predicted - int(delta)

	dd := int(int8(delta)) << 3
	v.dif[0] += abs20(dd)
	v.dif[1] += abs20(dd - v.d1)
	v.dif[2] += abs20(dd + v.d1)
	v.dif[3] += abs20(dd - v.d2)
	v.dif[4] += abs20(dd + v.d2)
	v.dif[5] += abs20(dd - v.d3)
	v.dif[6] += abs20(dd + v.d3)
	v.dif[7] += abs20(dd - v.d4)
	v.dif[8] += abs20(dd + v.d4)
	v.dif[9] += abs20(dd - d.channelDelta)
	v.dif[10] += abs20(dd + d.channelDelta)

	d.channelDelta = int(int8(ch - v.lastChar))
	v.lastDelta = d.channelDelta
	v.lastChar = ch

	if v.byteCount&0x1f == 0 {
		minDif, numMinDif := v.dif[0], 0
		v.dif[0] = 0
		for j := 1; j < len(v.dif); j++ {
			if v.dif[j] < minDif {
				minDif = v.dif[j]
				numMinDif = j
			}
			v.dif[j] = 0
		}
		switch numMinDif {
		case 1:
			if v.k1 > -16 {
				v.k1--
			}
		case 2:
			if v.k1 < 16 {
				v.k1++
			}
		case 3:
			if v.k2 > -16 {
				v.k2--
			}
		case 4:
			if v.k2 < 16 {
				v.k2++
			}
		case 5:
			if v.k3 > -16 {
				v.k3--
			}
		case 6:
			if v.k3 < 16 {
				v.k3++
			}
		case 7:
			if v.k4 > -16 {
				v.k4--
			}
		case 8:
			if v.k4 < 16 {
				v.k4++
			}
		case 9:
			if v.k5 > -16 {
				v.k5--
			}
		case 10:
			if v.k5 < 16 {
				v.k5++
			}
		}
	}
	return byte(ch)
}

func abs20(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (d *decoder20) fill(w *window) ([]*filterBlock, error) {
	if d.eof {
		return nil, io.EOF
	}
	for w.available() > maxMatchLen {
		var err error
		if d.audioBlock {
			err = d.decodeAudio(w)
		} else {
			err = d.decodeSym(w)
		}
		if err != nil {
			if err == io.EOF {
				// No end marker in this generation: the stream simply
				// stops once the declared unpacked size is producible.
				d.eof = true
			} else if err == bitstream.ErrTruncated {
				d.eof = true
				err = io.EOF
			}
			return nil, err
		}
	}
	return nil, nil
}
