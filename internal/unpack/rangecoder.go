// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import "github.com/cosnicolaou/rardec/internal/bitstream"

// Carryless range coder thresholds. The coder renormalizes a byte at a
// time; rangeBot bounds the smallest usable range and therefore the largest
// total frequency a context may present.
const (
	rangeTop = 1 << 24
	rangeBot = 1 << 15
)

// rangeDecoder is the carryless byte-oriented range decoder driving the
// statistical model. It is the dual of the encoder used by the originating
// compressor: low/range arithmetic with deferred carry resolution via the
// top-byte comparison in normalize.
type rangeDecoder struct {
	br   *bitstream.Reader
	low  uint32
	rng  uint32
	code uint32
}

func (d *rangeDecoder) init(br *bitstream.Reader) error {
	d.br = br
	d.low = 0
	d.rng = ^uint32(0)
	d.code = 0
	for i := 0; i < 4; i++ {
		c, err := br.ReadByte()
		if err != nil {
			return err
		}
		d.code = d.code<<8 | uint32(c)
	}
	return nil
}

// currentCount scales the coder state to total cumulative frequency units
// and returns the slot the next symbol falls in. The caller must follow up
// with exactly one decode call using the same total.
func (d *rangeDecoder) currentCount(total uint32) uint32 {
	d.rng /= total
	return (d.code - d.low) / d.rng
}

// decode consumes the symbol occupying [cumFreq, cumFreq+freq) of the
// current scale and renormalizes.
func (d *rangeDecoder) decode(cumFreq, freq uint32) error {
	d.low += cumFreq * d.rng
	d.rng *= freq
	return d.normalize()
}

func (d *rangeDecoder) normalize() error {
	for {
		if d.low^(d.low+d.rng) >= rangeTop {
			if d.rng >= rangeBot {
				return nil
			}
			d.rng = -d.low & (rangeBot - 1)
		}
		c, err := d.br.ReadByte()
		if err != nil {
			return err
		}
		d.code = d.code<<8 | uint32(c)
		d.rng <<= 8
		d.low <<= 8
	}
}
