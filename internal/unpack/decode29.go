// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import (
	"errors"
	"io"

	"github.com/cosnicolaou/rardec/internal/bitstream"
	"github.com/cosnicolaou/rardec/internal/vm"
)

// Sentinels marking the end of a generation 2.9 decode block and/or entry.
var (
	endOfFile         = errors.New("unpack: end of file")
	endOfBlock        = errors.New("unpack: end of block")
	endOfBlockAndFile = errors.New("unpack: end of block and file")
)

// decoder29 implements the generation 2.9 engine. Input is broken up into
// one or more blocks; the first bit of each block selects the decoding
// algorithm (the statistical model or the LZ match/literal loop). Block
// length is not stored, it is known only once an end-of-block marker is
// decoded.
type decoder29 struct {
	br  *bitstream.Reader
	eof bool

	// current decode function (lz or ppm). A single call performs one
	// decode operation, either writing to the window or returning raw
	// bytes of a filter declaration.
	decode func(w *window) ([]byte, error)

	lz  lz29Decoder
	ppm ppm29Decoder

	fs filterState
}

func newDecoder29(cfg Config) *decoder29 {
	return &decoder29{fs: filterState{maxOps: cfg.maxOps()}}
}

func (d *decoder29) init(br *bitstream.Reader, reset bool) error {
	d.br = br
	d.eof = false
	if reset {
		d.lz.reset()
		d.ppm.reset()
		d.decode = nil
		d.fs.reset()
	}
	if d.decode == nil {
		return d.readBlockHeader()
	}
	return nil
}

// readBlockHeader selects and initializes the decoder for a new block.
func (d *decoder29) readBlockHeader() error {
	d.br.AlignByte()
	n, err := d.br.ReadBits(1)
	if err == nil {
		if n > 0 {
			d.decode = d.ppm.decode
			err = d.ppm.init(d.br)
		} else {
			d.decode = d.lz.decode
			err = d.lz.init(d.br)
		}
	}
	if err == io.EOF {
		err = bitstream.ErrTruncated
	}
	return err
}

func (d *decoder29) fill(w *window) ([]*filterBlock, error) {
	if d.eof {
		return nil, io.EOF
	}

	var fl []*filterBlock

	for w.available() > maxMatchLen {
		fdata, err := d.decode(w)
		if fdata != nil {
			fb, ferr := d.fs.parse(fdata, w.total())
			if ferr != nil {
				return fl, ferr
			}
			if fb != nil {
				fl = append(fl, fb)
			}
		}

		switch err {
		case nil:
			continue
		case endOfBlock:
			err = d.readBlockHeader()
			if err == nil {
				continue
			}
		case endOfFile:
			d.eof = true
			err = io.EOF
		case endOfBlockAndFile:
			d.eof = true
			d.decode = nil // next init() reads a fresh block header
			err = io.EOF
		case io.EOF:
			err = bitstream.ErrTruncated
		}
		return fl, err
	}
	return fl, nil
}

// filterState owns the parsed filter programs of one solid chain. Programs
// are stored by stream slot so later declarations can reuse them, the way
// the originating encoder emits a program once and addresses it by number
// afterwards.
type filterState struct {
	progs  []*vm.Program
	last   int // slot of the most recent declaration
	maxOps int
}

func (fs *filterState) reset() {
	fs.progs = fs.progs[:0]
	fs.last = 0
}

// parse converts one raw filter declaration, as returned by the block
// decoders, into a pending filterBlock. total is the number of bytes
// written to the window so far; declared offsets are relative to it.
func (fs *filterState) parse(fdata []byte, total int64) (*filterBlock, error) {
	decl, err := vm.ParseFilterDeclaration(fdata)
	if err != nil {
		return nil, err
	}
	slot := decl.Slot
	if slot < 0 {
		// Declarations without an explicit slot address the most recent one.
		slot = fs.last
	}
	if decl.NewProgram != nil {
		if slot > len(fs.progs) || slot == maxUniqueFilters {
			return nil, vm.ErrInvalidFilter
		}
		if slot == len(fs.progs) {
			fs.progs = append(fs.progs, decl.NewProgram)
		} else {
			fs.progs[slot] = decl.NewProgram
		}
	}
	if slot >= len(fs.progs) || fs.progs[slot] == nil {
		return nil, vm.ErrInvalidFilter
	}
	fs.last = slot
	prog := fs.progs[slot]

	fb := &filterBlock{
		offset: total + int64(decl.BlockOffset),
		length: decl.BlockLength,
	}
	maxOps := fs.maxOps
	init := decl.InitRegisters
	global := decl.GlobalData
	fb.fn = func(buf []byte, offset int64) ([]byte, error) {
		return prog.Apply(buf, offset, init, global, maxOps)
	}
	return fb, nil
}

// maxUniqueFilters bounds the number of distinct filter programs one solid
// chain may declare; archives are untrusted input.
const maxUniqueFilters = 1024
