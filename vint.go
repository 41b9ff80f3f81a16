// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import "encoding/binary"

// cursor parses one block header held in memory. All reads are bounds
// checked; the first overrun sticks as ErrMalformedHeader so callers can
// decode a whole header and check the error once.
type cursor struct {
	buf []byte
	pos int
	err error
}

func (c *cursor) fail() {
	if c.err == nil {
		c.err = ErrMalformedHeader
	}
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) bytes(n int) []byte {
	if c.err != nil || n < 0 || c.remaining() < n {
		c.fail()
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) u8() byte {
	b := c.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *cursor) u16() uint16 {
	b := c.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (c *cursor) u32() uint32 {
	b := c.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *cursor) u64() uint64 {
	b := c.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// vint reads the variable length integer of the 5.0 wire format: seven
// payload bits per byte, little endian, the high bit marking continuation.
func (c *cursor) vint() uint64 {
	var v uint64
	for shift := uint(0); shift < 70; shift += 7 {
		if c.err != nil {
			return 0
		}
		b := c.u8()
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v
		}
	}
	c.fail()
	return 0
}
