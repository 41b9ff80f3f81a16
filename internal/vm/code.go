// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package vm

import (
	"bytes"
	"hash/crc32"

	"github.com/cosnicolaou/rardec/internal/bitstream"
)

// Declaration is one parsed filter declaration from a compressed stream:
// which program to run, over which block of decoded output, and with what
// initial state.
type Declaration struct {
	// Slot is the program slot addressed by the declaration. A
	// declaration may carry a new program for its slot; later
	// declarations reuse the slot by number.
	Slot int

	// NewProgram is non-nil when the declaration carries program code.
	NewProgram *Program

	// BlockOffset is the start of the target range, relative to the
	// current decode position; BlockLength its length.
	BlockOffset int
	BlockLength int

	// InitRegisters seed R0..R6 before execution.
	InitRegisters [7]uint32

	// GlobalData is mapped into the program's global memory area.
	GlobalData []byte
}

// readData reads the variable width integer encoding used throughout filter
// declarations: a two bit tag selecting a 4, 8, 16 or 32 bit payload. The
// 8 bit form sign-extends values with a zero high nibble, a quirk of the
// originating encoder that must be reproduced.
func readData(br *bitstream.Reader) (uint32, error) {
	tag, err := br.ReadBits(2)
	if err != nil {
		return 0, err
	}
	switch tag {
	case 0:
		n, err := br.ReadBits(4)
		return uint32(n), err
	case 1:
		n, err := br.ReadBits(8)
		if err != nil {
			return 0, err
		}
		if n&0xf0 == 0 {
			return 0xffffff00 | uint32(n), nil
		}
		return uint32(n), nil
	case 2:
		n, err := br.ReadBits(16)
		return uint32(n), err
	default:
		hi, err := br.ReadBits(16)
		if err != nil {
			return 0, err
		}
		lo, err := br.ReadBits(16)
		return uint32(hi)<<16 | uint32(lo), err
	}
}

// ParseFilterDeclaration parses the raw bytes emitted after the filter
// escape symbol of a generation 2.9 stream.
//
// Layout, bit packed MSB first: a flags byte, then per flag bit —
// 0x80 an explicit program slot, 0x40 a block offset bias of 258,
// 0x20 an explicit block length, 0x10 a 7 bit register mask followed by
// one value per set bit, 0x08 program code (length then bytes, the first
// byte an XOR checksum of the rest). Any remaining bytes are global data.
func ParseFilterDeclaration(data []byte) (*Declaration, error) {
	br := bitstream.NewReader(bytes.NewReader(data))
	flags, err := br.ReadByte()
	if err != nil {
		return nil, ErrInvalidFilter
	}

	d := &Declaration{Slot: -1}
	if flags&0x80 != 0 {
		n, err := readData(br)
		if err != nil {
			return nil, ErrInvalidFilter
		}
		d.Slot = int(n)
	}

	off, err := readData(br)
	if err != nil {
		return nil, ErrInvalidFilter
	}
	d.BlockOffset = int(off)
	if flags&0x40 != 0 {
		d.BlockOffset += 258
	}

	if flags&0x20 != 0 {
		n, err := readData(br)
		if err != nil {
			return nil, ErrInvalidFilter
		}
		d.BlockLength = int(n)
	}

	if flags&0x10 != 0 {
		mask, err := br.ReadBits(7)
		if err != nil {
			return nil, ErrInvalidFilter
		}
		for i := 0; i < 7; i++ {
			if mask&(1<<uint(i)) != 0 {
				v, err := readData(br)
				if err != nil {
					return nil, ErrInvalidFilter
				}
				d.InitRegisters[i] = v
			}
		}
	}

	if flags&0x08 != 0 {
		n, err := readData(br)
		if err != nil || n == 0 || n > 0x10000 {
			return nil, ErrInvalidFilter
		}
		code := make([]byte, n)
		if err := br.ReadFull(code); err != nil {
			return nil, ErrInvalidFilter
		}
		prog, err := parseProgram(code)
		if err != nil {
			return nil, err
		}
		d.NewProgram = prog
	}

	// Any remaining whole bytes are the global data area.
	br.AlignByte()
	var global []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			break
		}
		global = append(global, c)
		if len(global) > globalSize-fixedGlobalSize {
			return nil, ErrInvalidFilter
		}
	}
	d.GlobalData = global
	return d, nil
}

// parseProgram decodes a bit packed program. The first byte is an XOR
// checksum of the remaining code bytes. Recognized standard programs are
// fingerprinted by length and CRC and executed natively rather than
// interpreted.
func parseProgram(code []byte) (*Program, error) {
	if len(code) < 2 {
		return nil, ErrInvalidFilter
	}
	var sum byte
	for _, c := range code[1:] {
		sum ^= c
	}
	if sum != code[0] {
		return nil, ErrInvalidFilter
	}

	p := &Program{Std: recognizeStandard(code)}
	if p.Std != FilterNone {
		return p, nil
	}

	br := bitstream.NewReader(bytes.NewReader(code[1:]))
	for {
		op, err := readOpcode(br)
		if err != nil {
			break // trailing padding bits
		}
		if op >= numOpcodes {
			return nil, ErrInvalidFilter
		}
		in := insn{op: op}
		if opHasByteMode[op] {
			b, err := br.ReadBits(1)
			if err != nil {
				return nil, ErrInvalidFilter
			}
			in.byteMode = b != 0
		}
		arity := opArity[op]
		if arity > 0 {
			if in.op1, err = readOperand(br); err != nil {
				return nil, ErrInvalidFilter
			}
		}
		if arity > 1 {
			if in.op2, err = readOperand(br); err != nil {
				return nil, ErrInvalidFilter
			}
		}
		p.code = append(p.code, in)
		if len(p.code) > 0x10000 {
			return nil, ErrInvalidFilter
		}
	}
	if len(p.code) == 0 {
		return nil, ErrInvalidFilter
	}
	return p, nil
}

// opHasByteMode marks opcodes that operate on either a byte or a word.
var opHasByteMode = [numOpcodes]bool{
	opMov: true, opCmp: true, opAdd: true, opSub: true, opXor: true,
	opAnd: true, opOr: true, opTest: true, opNot: true, opNeg: true,
	opInc: true, opDec: true, opXchg: true,
}

// readOpcode reads a 4 bit opcode, extended by a further 4 bits when the
// first nibble is 0xf.
func readOpcode(br *bitstream.Reader) (int, error) {
	n, err := br.ReadBits(4)
	if err != nil {
		return 0, err
	}
	if n < 0xf {
		return n, nil
	}
	ext, err := br.ReadBits(4)
	if err != nil {
		return 0, err
	}
	return 0xf + ext, nil
}

// readOperand reads one operand: 1 -> register, 01 -> immediate,
// 00 -> memory reference with an optional base register and displacement.
func readOperand(br *bitstream.Reader) (operand, error) {
	b, err := br.ReadBits(1)
	if err != nil {
		return operand{}, err
	}
	if b != 0 {
		r, err := br.ReadBits(3)
		return operand{kind: operandReg, reg: r}, err
	}
	b, err = br.ReadBits(1)
	if err != nil {
		return operand{}, err
	}
	if b != 0 {
		v, err := readData(br)
		return operand{kind: operandImm, imm: v, reg: -1}, err
	}
	o := operand{kind: operandMem, reg: -1}
	b, err = br.ReadBits(1)
	if err != nil {
		return operand{}, err
	}
	if b != 0 {
		if o.reg, err = br.ReadBits(3); err != nil {
			return operand{}, err
		}
	}
	o.imm, err = readData(br)
	return o, err
}

// Fingerprints of the stock programs emitted by the originating encoder
// for its standard transforms. Matching programs run natively.
var standardFingerprints = []struct {
	length int
	crc    uint32
	kind   StandardFilter
}{
	{53, 0xad576887, FilterE8},
	{57, 0x3cd7e57e, FilterE8E9},
	{120, 0x3769893f, FilterItanium},
	{29, 0x0e06077d, FilterDelta},
	{149, 0x1c2c5dc8, FilterRGB},
	{216, 0xbc85e701, FilterAudio},
}

func recognizeStandard(code []byte) StandardFilter {
	crc := crc32.ChecksumIEEE(code)
	for _, f := range standardFingerprints {
		if f.length == len(code) && f.crc == crc {
			return f.kind
		}
	}
	return FilterNone
}
