// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package vm executes the small embedded programs that generation 2.9
// archives use for reversible post-decode transforms. The machine is a
// register machine with eight general purpose registers, a flat memory
// window mapped onto a slice of decoded output, and primitives for
// arithmetic, conditional branching and memory access. The archive is an
// untrusted input source, so execution is bounded by an instruction ceiling
// and strict memory bounds rather than trusting the program.
package vm

import (
	"encoding/binary"
	"errors"
)

const (
	// MemSize is the size of the flat memory window visible to a program.
	MemSize = 0x40000

	// globalOffset is where a declaration's global data is mapped.
	globalOffset = 0x3c000

	// globalSize bounds the global data area.
	globalSize = 0x2000

	// fixedGlobalSize is the reserved prefix of the global area holding
	// the block parameters the machine exposes to programs.
	fixedGlobalSize = 64

	// DefaultMaxOps is the default instruction ceiling for one program
	// execution.
	DefaultMaxOps = 25000000

	// maxStack bounds the internal call stack.
	maxStack = 1024
)

var (
	// ErrExecutionLimit is returned when a program exceeds its
	// instruction ceiling.
	ErrExecutionLimit = errors.New("vm: filter execution limit exceeded")

	// ErrMemoryOutOfBounds is returned when a program addresses memory
	// outside its mapped window.
	ErrMemoryOutOfBounds = errors.New("vm: filter memory access out of bounds")

	// ErrInvalidFilter is returned for filter declarations that cannot be
	// parsed or reference undeclared programs.
	ErrInvalidFilter = errors.New("vm: invalid filter declaration")
)

// opcodes
const (
	opMov = iota
	opCmp
	opAdd
	opSub
	opJz
	opJnz
	opInc
	opDec
	opJmp
	opXor
	opAnd
	opOr
	opTest
	opJs
	opJns
	opJb
	opJbe
	opJa
	opJae
	opPush
	opPop
	opCall
	opRet
	opNot
	opShl
	opShr
	opSar
	opNeg
	opMovzx
	opMovsx
	opXchg
	opMul
	opDiv
	opAdc
	opSbb
	opNop
	numOpcodes
)

// operand addressing kinds
const (
	operandNone = iota
	operandReg
	operandImm
	operandMem // [Rbase + disp], base optional
)

type operand struct {
	kind int
	reg  int
	imm  uint32
}

type insn struct {
	op       int
	byteMode bool
	op1, op2 operand
}

// opArity gives the operand count per opcode.
var opArity = [numOpcodes]int{
	opMov: 2, opCmp: 2, opAdd: 2, opSub: 2, opJz: 1, opJnz: 1,
	opInc: 1, opDec: 1, opJmp: 1, opXor: 2, opAnd: 2, opOr: 2,
	opTest: 2, opJs: 1, opJns: 1, opJb: 1, opJbe: 1, opJa: 1, opJae: 1,
	opPush: 1, opPop: 1, opCall: 1, opRet: 0, opNot: 1, opShl: 2,
	opShr: 2, opSar: 2, opNeg: 1, opMovzx: 2, opMovsx: 2, opXchg: 2,
	opMul: 2, opDiv: 2, opAdc: 2, opSbb: 2, opNop: 0,
}

// machine state flags
const (
	flagC = 1 << 0
	flagZ = 1 << 1
	flagS = 1 << 31
)

// Program is a parsed filter program: either recognized as one of the
// historical standard transforms, executed natively, or interpreted by the
// machine.
type Program struct {
	Std        StandardFilter
	code       []insn
	staticData []byte
}

type machine struct {
	r     [8]uint32
	flags uint32
	mem   []byte
	ops   int
	max   int
	stack []int
}

// Apply runs the program over buf, which is mapped at address zero of the
// machine's memory window. offset is the absolute position of buf within
// the entry's decoded output. initR seeds registers R0..R6 and global is
// the declaration's global data area. It returns the transformed bytes.
func (p *Program) Apply(buf []byte, offset int64, initR [7]uint32, global []byte, maxOps int) ([]byte, error) {
	if p.Std != FilterNone {
		return p.applyStandard(buf, offset, initR)
	}
	if maxOps <= 0 {
		maxOps = DefaultMaxOps
	}
	m := &machine{mem: make([]byte, MemSize), max: maxOps}
	copy(m.mem, buf)
	copy(m.mem[globalOffset+fixedGlobalSize:], p.staticData)
	if len(global) > globalSize-fixedGlobalSize {
		global = global[:globalSize-fixedGlobalSize]
	}
	copy(m.mem[globalOffset+fixedGlobalSize:], global)

	// Fixed global parameters visible to the program.
	binary.LittleEndian.PutUint32(m.mem[globalOffset+0x1c:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(m.mem[globalOffset+0x24:], uint32(offset))
	binary.LittleEndian.PutUint32(m.mem[globalOffset+0x28:], uint32(uint64(offset)>>32))

	copy(m.r[:7], initR[:])
	m.r[7] = MemSize

	if err := m.exec(p.code); err != nil {
		return nil, err
	}

	// The program publishes the filtered block address and length in the
	// fixed global area; default to an identity mapping.
	outAddr := binary.LittleEndian.Uint32(m.mem[globalOffset+0x20:])
	outLen := binary.LittleEndian.Uint32(m.mem[globalOffset+0x1c:])
	if outLen > MemSize || int(outAddr) > MemSize-int(outLen) {
		return nil, ErrMemoryOutOfBounds
	}
	out := make([]byte, outLen)
	copy(out, m.mem[outAddr:])
	return out, nil
}

func (m *machine) addr(o operand) (int, error) {
	a := o.imm
	if o.reg >= 0 {
		a += m.r[o.reg]
	}
	if a >= MemSize {
		return 0, ErrMemoryOutOfBounds
	}
	return int(a), nil
}

func (m *machine) get(o operand, byteMode bool) (uint32, error) {
	switch o.kind {
	case operandReg:
		v := m.r[o.reg]
		if byteMode {
			v &= 0xff
		}
		return v, nil
	case operandImm:
		return o.imm, nil
	case operandMem:
		a, err := m.addr(o)
		if err != nil {
			return 0, err
		}
		if byteMode {
			return uint32(m.mem[a]), nil
		}
		if a > MemSize-4 {
			return 0, ErrMemoryOutOfBounds
		}
		return binary.LittleEndian.Uint32(m.mem[a:]), nil
	}
	return 0, ErrInvalidFilter
}

func (m *machine) set(o operand, v uint32, byteMode bool) error {
	switch o.kind {
	case operandReg:
		if byteMode {
			m.r[o.reg] = m.r[o.reg]&^0xff | v&0xff
		} else {
			m.r[o.reg] = v
		}
		return nil
	case operandMem:
		a, err := m.addr(o)
		if err != nil {
			return err
		}
		if byteMode {
			m.mem[a] = byte(v)
			return nil
		}
		if a > MemSize-4 {
			return ErrMemoryOutOfBounds
		}
		binary.LittleEndian.PutUint32(m.mem[a:], v)
		return nil
	}
	return ErrInvalidFilter
}

func (m *machine) setFlags(v uint32, carry bool) {
	m.flags = 0
	if carry {
		m.flags |= flagC
	}
	if v == 0 {
		m.flags |= flagZ
	}
	m.flags |= v & flagS
}

func (m *machine) push(v uint32) error {
	m.r[7] -= 4
	if m.r[7] > MemSize-4 { // wrapped or out of window
		return ErrMemoryOutOfBounds
	}
	binary.LittleEndian.PutUint32(m.mem[m.r[7]:], v)
	return nil
}

func (m *machine) pop() (uint32, error) {
	if m.r[7] > MemSize-4 {
		return 0, ErrMemoryOutOfBounds
	}
	v := binary.LittleEndian.Uint32(m.mem[m.r[7]:])
	m.r[7] += 4
	return v, nil
}

// exec interprets the program until it returns from its outer frame, falls
// off the end of the code, or trips a bound.
func (m *machine) exec(code []insn) error {
	ip := 0
	for {
		if m.ops++; m.ops > m.max {
			return ErrExecutionLimit
		}
		if ip == len(code) {
			return nil
		}
		if ip < 0 || ip > len(code) {
			return ErrMemoryOutOfBounds
		}
		in := &code[ip]
		jump := -1
		switch in.op {
		case opNop:
		case opMov:
			v, err := m.get(in.op2, in.byteMode)
			if err != nil {
				return err
			}
			if err := m.set(in.op1, v, in.byteMode); err != nil {
				return err
			}
		case opMovzx:
			v, err := m.get(in.op2, true)
			if err != nil {
				return err
			}
			if err := m.set(in.op1, v, false); err != nil {
				return err
			}
		case opMovsx:
			v, err := m.get(in.op2, true)
			if err != nil {
				return err
			}
			if err := m.set(in.op1, uint32(int32(int8(v))), false); err != nil {
				return err
			}
		case opXchg:
			v1, err := m.get(in.op1, in.byteMode)
			if err != nil {
				return err
			}
			v2, err := m.get(in.op2, in.byteMode)
			if err != nil {
				return err
			}
			if err := m.set(in.op1, v2, in.byteMode); err != nil {
				return err
			}
			if err := m.set(in.op2, v1, in.byteMode); err != nil {
				return err
			}
		case opCmp, opSub, opAdd, opAdc, opSbb, opXor, opAnd, opOr, opTest, opMul, opDiv, opShl, opShr, opSar:
			v1, err := m.get(in.op1, in.byteMode)
			if err != nil {
				return err
			}
			v2, err := m.get(in.op2, in.byteMode)
			if err != nil {
				return err
			}
			var res uint32
			carry := false
			store := true
			switch in.op {
			case opCmp:
				res = v1 - v2
				carry = v1 < v2
				store = false
			case opTest:
				res = v1 & v2
				store = false
			case opSub:
				res = v1 - v2
				carry = v1 < v2
			case opAdd:
				res = v1 + v2
				carry = res < v1
			case opAdc:
				c := m.flags & flagC
				res = v1 + v2 + c
				carry = res < v1 || (c == 1 && res == v1)
			case opSbb:
				c := m.flags & flagC
				res = v1 - v2 - c
				carry = v1 < v2 || (c == 1 && v1 == v2)
			case opXor:
				res = v1 ^ v2
			case opAnd:
				res = v1 & v2
			case opOr:
				res = v1 | v2
			case opMul:
				res = v1 * v2
				store = true
			case opDiv:
				if v2 == 0 {
					return ErrInvalidFilter
				}
				res = v1 / v2
			case opShl:
				res = v1 << (v2 & 31)
				carry = v2 > 0 && v2 <= 32 && v1&(1<<(32-v2&31)) != 0
			case opShr:
				res = v1 >> (v2 & 31)
				carry = v2 > 0 && v1&(1<<(v2&31-1)) != 0
			case opSar:
				res = uint32(int32(v1) >> (v2 & 31))
				carry = v2 > 0 && v1&(1<<(v2&31-1)) != 0
			}
			if in.op != opMul && in.op != opDiv {
				m.setFlags(res, carry)
			}
			if store {
				if err := m.set(in.op1, res, in.byteMode); err != nil {
					return err
				}
			}
		case opInc, opDec, opNot, opNeg:
			v, err := m.get(in.op1, in.byteMode)
			if err != nil {
				return err
			}
			switch in.op {
			case opInc:
				v++
				m.setFlags(v, false)
			case opDec:
				v--
				m.setFlags(v, false)
			case opNot:
				v = ^v
			case opNeg:
				v = -v
				m.setFlags(v, v != 0)
			}
			if err := m.set(in.op1, v, in.byteMode); err != nil {
				return err
			}
		case opJmp, opJz, opJnz, opJs, opJns, opJb, opJbe, opJa, opJae, opCall:
			taken := false
			switch in.op {
			case opJmp, opCall:
				taken = true
			case opJz:
				taken = m.flags&flagZ != 0
			case opJnz:
				taken = m.flags&flagZ == 0
			case opJs:
				taken = m.flags&flagS != 0
			case opJns:
				taken = m.flags&flagS == 0
			case opJb:
				taken = m.flags&flagC != 0
			case opJbe:
				taken = m.flags&(flagC|flagZ) != 0
			case opJa:
				taken = m.flags&(flagC|flagZ) == 0
			case opJae:
				taken = m.flags&flagC == 0
			}
			if taken {
				t, err := m.get(in.op1, false)
				if err != nil {
					return err
				}
				if in.op == opCall {
					if len(m.stack) >= maxStack {
						return ErrExecutionLimit
					}
					m.stack = append(m.stack, ip+1)
				}
				jump = int(t)
			}
		case opRet:
			if len(m.stack) == 0 {
				return nil
			}
			jump = m.stack[len(m.stack)-1]
			m.stack = m.stack[:len(m.stack)-1]
		case opPush:
			v, err := m.get(in.op1, false)
			if err != nil {
				return err
			}
			if err := m.push(v); err != nil {
				return err
			}
		case opPop:
			v, err := m.pop()
			if err != nil {
				return err
			}
			if err := m.set(in.op1, v, false); err != nil {
				return err
			}
		default:
			return ErrInvalidFilter
		}
		if jump >= 0 {
			ip = jump
		} else {
			ip++
		}
	}
}
