// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package vm

import "encoding/binary"

// StandardFilter identifies one of the stock transforms emitted by the
// originating encoder. Recognized programs bypass the interpreter and run
// as native code; generation 5 streams name these transforms directly
// instead of shipping program code.
type StandardFilter int

const (
	FilterNone StandardFilter = iota
	FilterDelta
	FilterE8
	FilterE8E9
	FilterItanium
	FilterRGB
	FilterAudio
)

// Parameter bounds for the standard transforms. Archives are untrusted, so
// channel counts and plane positions taken from filter declarations are
// validated before use.
const (
	maxDeltaChannels = 1024
	maxAudioChannels = 128
)

func (p *Program) applyStandard(buf []byte, offset int64, initR [7]uint32) ([]byte, error) {
	switch p.Std {
	case FilterDelta:
		n := int(initR[0])
		if n < 1 || n > maxDeltaChannels {
			return nil, ErrInvalidFilter
		}
		return Delta(n, buf), nil
	case FilterE8:
		return E8(0xe8, false, buf, offset), nil
	case FilterE8E9:
		return E8(0xe9, false, buf, offset), nil
	case FilterItanium:
		return Itanium(buf, offset), nil
	case FilterRGB:
		width := int(initR[0]) - 3
		posR := int(initR[1])
		if width < 0 || posR > 2 {
			return nil, ErrInvalidFilter
		}
		return RGB(width, posR, buf), nil
	case FilterAudio:
		n := int(initR[0])
		if n < 1 || n > maxAudioChannels {
			return nil, ErrInvalidFilter
		}
		return Audio(n, buf), nil
	}
	return nil, ErrInvalidFilter
}

// Delta reverses byte-plane delta coding: the encoder split the data into n
// interleaved channels and stored successive differences per channel.
func Delta(n int, buf []byte) []byte {
	dst := make([]byte, len(buf))
	i := 0
	for j := 0; j < n; j++ {
		var c byte
		for k := j; k < len(dst); k += n {
			c -= buf[i]
			i++
			dst[k] = c
		}
	}
	return dst
}

// fileSize is the modulus the x86 call transform was defined against.
const fileSize = 0x1000000

// E8 reverses the x86 relative call/jump transform: 32 bit displacements
// following an 0xe8 (or cmp) opcode byte were converted to absolute
// addresses at encode time. v5 selects the generation 5 variant, which
// wraps the running position at the transform modulus.
func E8(cmp byte, v5 bool, buf []byte, offset int64) []byte {
	off := int32(offset)
	for b := buf; len(b) >= 5; {
		ch := b[0]
		b = b[1:]
		off++
		if ch != 0xe8 && ch != cmp {
			continue
		}
		if v5 {
			off %= fileSize
		}
		addr := int32(binary.LittleEndian.Uint32(b))
		if addr < 0 {
			if addr+off >= 0 {
				binary.LittleEndian.PutUint32(b, uint32(addr+fileSize))
			}
		} else if addr < fileSize {
			binary.LittleEndian.PutUint32(b, uint32(addr-off))
		}
		off += 4
		b = b[4:]
	}
	return buf
}

// Arm reverses the ARM branch transform: BL instructions (condition byte
// 0xeb) had their 24 bit word displacement made absolute at encode time.
func Arm(buf []byte, offset int64) ([]byte, error) {
	for i := 0; len(buf)-i > 3; i += 4 {
		if buf[i+3] == 0xeb {
			n := uint(buf[i])
			n += uint(buf[i+1]) * 0x100
			n += uint(buf[i+2]) * 0x10000
			n -= (uint(offset) + uint(i)) / 4
			buf[i] = byte(n)
			buf[i+1] = byte(n >> 8)
			buf[i+2] = byte(n >> 16)
		}
	}
	return buf, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// RGB reverses the 24 bit image predictor: each byte was stored as the
// difference against the best of the left, upper and upper-left neighbour
// predictions, per channel, with the green plane folded into red and blue.
func RGB(width, posR int, buf []byte) []byte {
	const channels = 3
	dst := make([]byte, len(buf))
	srcPos := 0
	for ch := 0; ch < channels; ch++ {
		prev := 0
		for p := ch; p < len(dst); p += channels {
			predicted := prev
			if p >= width+channels {
				up := p - width
				upperByte := int(dst[up])
				upperLeftByte := int(dst[up-channels])
				predicted = prev + upperByte - upperLeftByte
				pa := abs(predicted - prev)
				pb := abs(predicted - upperByte)
				pc := abs(predicted - upperLeftByte)
				if pa <= pb && pa <= pc {
					predicted = prev
				} else if pb <= pc {
					predicted = upperByte
				} else {
					predicted = upperLeftByte
				}
			}
			if srcPos >= len(buf) {
				break
			}
			cur := byte(predicted - int(buf[srcPos]))
			srcPos++
			dst[p] = cur
			prev = int(cur)
		}
	}
	for i := posR; i < len(dst)-2; i += channels {
		g := dst[i+1]
		dst[i] += g
		dst[i+2] += g
	}
	return dst
}

// Audio reverses the multichannel audio predictor: an adaptive three tap
// delta predictor per channel, with the tap weights retrained every 32
// samples from the prediction error statistics.
func Audio(chans int, buf []byte) []byte {
	dst := make([]byte, len(buf))
	srcPos := 0
	for ch := 0; ch < chans; ch++ {
		var prevByte, prevDelta, d1, d2, d3 int
		var k1, k2, k3 int
		var dif [7]int
		byteCount := 0
		for p := ch; p < len(dst); p += chans {
			d3 = d2
			d2 = prevDelta - d1
			d1 = prevDelta

			predicted := 8*prevByte + k1*d1 + k2*d2 + k3*d3
			predicted = (predicted >> 3) & 0xff

			if srcPos >= len(buf) {
				break
			}
			cur := int(buf[srcPos])
			srcPos++

			predicted = (predicted - cur) & 0xff
			dst[p] = byte(predicted)
			prevDelta = int(int8(predicted - prevByte))
			prevByte = predicted

			d := int(int8(cur)) << 3
			dif[0] += abs(d)
			dif[1] += abs(d - d1)
			dif[2] += abs(d + d1)
			dif[3] += abs(d - d2)
			dif[4] += abs(d + d2)
			dif[5] += abs(d - d3)
			dif[6] += abs(d + d3)

			if byteCount&0x1f == 0x1f {
				minDif, numMinDif := dif[0], 0
				dif[0] = 0
				for j := 1; j < len(dif); j++ {
					if dif[j] < minDif {
						minDif = dif[j]
						numMinDif = j
					}
					dif[j] = 0
				}
				switch numMinDif {
				case 1:
					if k1 > -16 {
						k1--
					}
				case 2:
					if k1 < 16 {
						k1++
					}
				case 3:
					if k2 > -16 {
						k2--
					}
				case 4:
					if k2 < 16 {
						k2++
					}
				case 5:
					if k3 > -16 {
						k3--
					}
				case 6:
					if k3 < 16 {
						k3++
					}
				}
			}
			byteCount++
		}
	}
	return dst
}

// Bundle templates whose slots may hold branch instructions, keyed by the
// low five template bits minus 0x10. Each entry is a bit mask over the
// bundle's three 41 bit slots.
var itaniumSlotMask = [16]byte{4, 4, 6, 6, 0, 0, 7, 7, 4, 4, 0, 0, 4, 4, 0, 0}

// Itanium reverses the IA-64 branch transform over 16 byte instruction
// bundles: 20 bit branch targets in branch-template slots were made
// absolute (in bundle units) at encode time.
func Itanium(buf []byte, offset int64) []byte {
	fileOffset := uint32(offset) >> 4
	for b := buf; len(b) > 21; b = b[16:] {
		c := int(b[0]&0x1f) - 0x10
		if c >= 0 {
			mask := itaniumSlotMask[c]
			for slot := uint(0); mask != 0 && slot < 3; slot++ {
				if mask&(1<<slot) == 0 {
					continue
				}
				f := 5 + slot*41 + 18
				if getBits(b, f+24, 4) == 5 {
					addr := getBits(b, f, 20)
					addr -= fileOffset
					putBits(b, f, 20, addr)
				}
			}
		}
		fileOffset++
	}
	return buf
}

func getBits(buf []byte, bitPos, count uint) uint32 {
	v := binary.LittleEndian.Uint32(buf[bitPos/8:])
	v >>= bitPos % 8
	return v & (0xffffffff >> (32 - count))
}

func putBits(buf []byte, bitPos, count uint, v uint32) {
	mask := (uint32(0xffffffff) >> (32 - count)) << (bitPos % 8)
	v <<= bitPos % 8
	old := binary.LittleEndian.Uint32(buf[bitPos/8:])
	binary.LittleEndian.PutUint32(buf[bitPos/8:], old&^mask|v&mask)
}
